package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/scheduler"
)

type fakeJobs struct {
	ready     bool
	triggered []string
}

func (f *fakeJobs) Ready() bool { return f.ready }

func (f *fakeJobs) Status() scheduler.Status {
	return scheduler.Status{Running: true, Ready: f.ready, Jobs: map[string]scheduler.JobStats{
		"news": {Name: "news", Required: true, Successes: 2},
	}}
}

func (f *fakeJobs) Trigger(name string, force bool) error {
	switch name {
	case "news", "performance":
		f.triggered = append(f.triggered, fmt.Sprintf("%s:%v", name, force))
		return nil
	case "market_1h":
		return fmt.Errorf("%w: %s", scheduler.ErrJobRunning, name)
	default:
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, name)
	}
}

type fakeStatus struct{}

func (fakeStatus) StatusSnapshot(context.Context) any {
	return map[string]any{"position": "flat", "balance": 1000}
}

type fakeDecisions struct{}

func (fakeDecisions) RecentDecisions(_ context.Context, limit int) ([]database.DecisionRecord, error) {
	return []database.DecisionRecord{{ID: 1, Direction: "LONG", Source: "oracle"}}, nil
}

func do(t *testing.T, h http.Handler, method, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return w.Code, body
}

func TestProbes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jobs := &fakeJobs{}
	h := NewServer(":0", jobs, fakeStatus{}, fakeDecisions{}).Handler()

	if code, _ := do(t, h, http.MethodGet, "/livez"); code != http.StatusOK {
		t.Fatalf("livez: %d", code)
	}
	if code, body := do(t, h, http.MethodGet, "/readyz"); code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Fatalf("readyz before gate: %d %v", code, body)
	}
	jobs.ready = true
	if code, _ := do(t, h, http.MethodGet, "/readyz"); code != http.StatusOK {
		t.Fatalf("readyz after gate: %d", code)
	}
}

func TestStatusAndDecisions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewServer(":0", &fakeJobs{ready: true}, fakeStatus{}, fakeDecisions{}).Handler()

	code, body := do(t, h, http.MethodGet, "/status")
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	sched, _ := body["scheduler"].(map[string]any)
	trading, _ := body["trading"].(map[string]any)
	if sched["ready"] != true || trading["position"] != "flat" {
		t.Fatalf("unexpected status body %v", body)
	}

	code, body = do(t, h, http.MethodGet, "/decisions?limit=5")
	if list, _ := body["decisions"].([]any); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("decisions: %d %v", code, body)
	}
	if code, _ := do(t, h, http.MethodGet, "/decisions?limit=0"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", code)
	}
}

func TestTrigger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jobs := &fakeJobs{ready: true}
	h := NewServer(":0", jobs, nil, nil).Handler()

	cases := map[string]int{
		"/jobs/market_1h/trigger": http.StatusConflict,
		"/jobs/unknown/trigger":   http.StatusNotFound,
	}
	for path, want := range cases {
		if code, _ := do(t, h, http.MethodPost, path); code != want {
			t.Fatalf("%s: got %d want %d", path, code, want)
		}
	}
	for _, path := range []string{"/jobs/performance/trigger", "/jobs/news/trigger?force=0"} {
		if code, _ := do(t, h, http.MethodPost, path); code != http.StatusAccepted {
			t.Fatalf("%s: got %d", path, code)
		}
	}
	if len(jobs.triggered) != 2 || jobs.triggered[0] != "performance:true" || jobs.triggered[1] != "news:false" {
		t.Fatalf("unexpected triggers %v", jobs.triggered)
	}
	if code, _ := do(t, h, http.MethodGet, "/metrics"); code != http.StatusOK {
		t.Fatalf("metrics: %d", code)
	}
}
