package notifier

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected split %q", got)
	}
	text := "line-one\nline-two\nline-three\n"
	parts := splitMessage(text, 12)
	if strings.Join(parts, "") != text {
		t.Fatalf("split lost content: %q", parts)
	}
	for _, p := range parts {
		if len(p) > 12 {
			t.Fatalf("chunk too long: %q", p)
		}
	}
	long := strings.Repeat("涨", 10)
	parts = splitMessage(long, 7)
	if strings.Join(parts, "") != long {
		t.Fatalf("split broke runes: %q", parts)
	}
	for _, p := range parts {
		if !utf8.ValidString(p) || len(p) > 7 {
			t.Fatalf("invalid chunk %q", p)
		}
	}
}

func TestTelegramSendText(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"encho","username":"encho_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = append(sent, r.FormValue("chat_id")+":"+r.FormValue("text"))
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", 42)
	tg.endpoint = srv.URL + "/bot%s/%s"
	if err := tg.SendText("开仓 LONG"); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || sent[0] != "42:开仓 LONG" {
		t.Fatalf("unexpected sends %q", sent)
	}
}

func TestDisabledNotifiersAreNoop(t *testing.T) {
	var tg *Telegram
	if err := tg.SendText("x"); err != nil {
		t.Fatalf("nil telegram should be noop: %v", err)
	}
	if err := NewTelegram("", 0).SendText("x"); err != nil {
		t.Fatalf("unconfigured telegram should be noop: %v", err)
	}
	if err := (Noop{}).SendText("x"); err != nil {
		t.Fatalf("noop: %v", err)
	}
}
