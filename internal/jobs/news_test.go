package jobs

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GETSUNWOO/futures-encho/internal/gateway/provider"
	"github.com/GETSUNWOO/futures-encho/internal/retry"
	"github.com/GETSUNWOO/futures-encho/internal/signals"
)

func TestSerpAPIHeadlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("engine") != "google_news" || q.Get("api_key") != "k" || q.Get("q") != "btc" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"news_results":[
			{"title":"Bitcoin surges to record high","source":{"name":"CoinDesk"},"date":"1 hour ago","link":"https://a"},
			{"title":"","source":"skip"},
			{"title":"Exchange hacked, prices plunge","source":"Reuters"}
		]}`))
	}))
	defer srv.Close()

	c := NewSerpAPIClient("k")
	c.BaseURL = srv.URL
	hs, err := c.Headlines(context.Background(), "btc", 10)
	if err != nil {
		t.Fatalf("headlines: %v", err)
	}
	if len(hs) != 2 || hs[0].Source != "CoinDesk" || hs[1].Source != "Reuters" || hs[0].Link != "https://a" {
		t.Fatalf("unexpected headlines %+v", hs)
	}

	p := ScoreHeadlines("btc", hs)
	if p.Positive != 3 || p.Negative != 2 {
		t.Fatalf("unexpected counts %+v", p)
	}
	if math.Abs(p.Score-4.0/7.0) > 1e-9 || p.Sentiment != "neutral" {
		t.Fatalf("unexpected score %v %s", p.Score, p.Sentiment)
	}
	if p.Headlines[0].Score != 1 || p.Headlines[1].Score != 0 {
		t.Fatalf("unexpected headline scores %+v", p.Headlines)
	}
}

func TestSerpAPIErrorClassification(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()
	c := NewSerpAPIClient("k")
	c.BaseURL = srv.URL

	if _, err := c.Headlines(context.Background(), "btc", 5); !retry.IsTransient(err) {
		t.Fatalf("expected transient on 503, got %v", err)
	}
	status = http.StatusUnauthorized
	if _, err := c.Headlines(context.Background(), "btc", 5); err == nil || retry.IsTransient(err) {
		t.Fatalf("expected permanent error on 401, got %v", err)
	}
	if _, err := NewSerpAPIClient("").Headlines(context.Background(), "btc", 5); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestScoreHeadlinesEmptyIsNeutral(t *testing.T) {
	p := ScoreHeadlines("btc", nil)
	if p.Score != signals.NeutralNewsScore || p.Sentiment != "neutral" || len(p.Headlines) != 0 {
		t.Fatalf("unexpected empty payload %+v", p)
	}
}

type scriptedModel struct {
	out string
	err error
}

func (m scriptedModel) Call(context.Context, provider.ChatPayload) (string, error) { return m.out, m.err }

func TestRefineWithModel(t *testing.T) {
	base := ScoreHeadlines("btc", []signals.Headline{{Title: "Bitcoin rally"}})

	got := refineWithModel(context.Background(), scriptedModel{out: "```json\n{\"sentiment_score\":0.82,\"summary\":\"x\"}\n```"}, base)
	if got.Score != 0.82 || got.Sentiment != "bullish" {
		t.Fatalf("expected model score, got %+v", got)
	}
	for _, m := range []scriptedModel{{out: `{"sentiment_score":1.4}`}, {out: "no json"}, {err: errors.New("down")}} {
		if got := refineWithModel(context.Background(), m, base); got.Score != base.Score {
			t.Fatalf("expected lexicon score kept for %+v, got %v", m, got.Score)
		}
	}
}
