package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GETSUNWOO/futures-encho/internal/config"
)

type stubPrice struct {
	price float64
	err   error
	calls int
}

func (s *stubPrice) LatestPrice(context.Context) (float64, error) {
	s.calls++
	return s.price, s.err
}

func TestFormatStep(t *testing.T) {
	cases := []struct {
		v, step float64
		floor   bool
		want    string
	}{
		{0.0239, 0.001, true, "0.023"},
		{0.0009, 0.001, true, ""},
		{65000.37, 0.1, false, "65000.4"},
		{65000.34, 0.1, false, "65000.3"},
		{1.5, 0, true, "1.5"},
		{12.7, 1, true, "12"},
		{-1, 0.001, true, ""},
	}
	for _, tc := range cases {
		if got := formatStep(tc.v, tc.step, tc.floor); got != tc.want {
			t.Fatalf("formatStep(%v,%v,%v)=%q want %q", tc.v, tc.step, tc.floor, got, tc.want)
		}
	}
}

func TestMarkPriceHandle(t *testing.T) {
	f := NewMarkPriceFeed(config.ExchangeConfig{}, "btcusdt", nil)
	if !strings.HasSuffix(f.url, "/btcusdt@markPrice@1s") || !strings.HasPrefix(f.url, mainnetWSURL) {
		t.Fatalf("unexpected url %s", f.url)
	}
	if err := f.handle([]byte(`{"e":"markPriceUpdate","E":1,"s":"BTCUSDT","p":"65010.50"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	bad := []string{
		`{"e":"aggTrade","s":"BTCUSDT","p":"1"}`,
		`{"e":"markPriceUpdate","s":"ETHUSDT","p":"3000"}`,
		`{"e":"markPriceUpdate","s":"BTCUSDT","p":"abc"}`,
		`not json`,
	}
	for _, msg := range bad {
		if err := f.handle([]byte(msg)); err == nil {
			t.Fatalf("expected error for %s", msg)
		}
	}
	px, err := f.LatestPrice(context.Background())
	if err != nil || px != 65010.50 {
		t.Fatalf("expected cached price, got %v %v", px, err)
	}
}

func TestMarkPriceFallsBackWhenStale(t *testing.T) {
	rest := &stubPrice{price: 64000}
	f := NewMarkPriceFeed(config.ExchangeConfig{PriceMaxAge: 5}, "BTCUSDT", rest)
	now := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return now }

	px, err := f.LatestPrice(context.Background())
	if err != nil || px != 64000 || rest.calls != 1 {
		t.Fatalf("expected REST before first tick, got %v %v calls=%d", px, err, rest.calls)
	}

	f.Update(65000, now)
	if px, _ := f.LatestPrice(context.Background()); px != 65000 || rest.calls != 1 {
		t.Fatalf("expected fresh ws price, got %v calls=%d", px, rest.calls)
	}

	now = now.Add(6 * time.Second)
	if px, _ := f.LatestPrice(context.Background()); px != 64000 || rest.calls != 2 {
		t.Fatalf("expected stale ws price to fall back, got %v calls=%d", px, rest.calls)
	}

	rest.err = errors.New("down")
	if _, err := f.LatestPrice(context.Background()); err == nil {
		t.Fatalf("expected fallback error to surface")
	}
}

func TestMarkPriceFeedRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ethusdt@markPrice@1s") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"markPriceUpdate","E":1,"s":"ETHUSDT","p":"3100.25"}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	f := NewMarkPriceFeed(config.ExchangeConfig{WSURL: wsURL}, "ETHUSDT", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if px, err := f.LatestPrice(context.Background()); err == nil && px == 3100.25 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("price never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("feed did not stop")
	}
}
