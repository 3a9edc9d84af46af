package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/decision"
	"github.com/GETSUNWOO/futures-encho/internal/exchange"
	"github.com/GETSUNWOO/futures-encho/internal/position"
)

type fakePrices struct {
	price float64
	err   error
}

func (f *fakePrices) LatestPrice(context.Context) (float64, error) { return f.price, f.err }

type fakePositions struct {
	pos        position.Position
	trigger    position.Trigger
	closed     []string
	reconciled int
}

func (f *fakePositions) Snapshot() position.Position { return f.pos }
func (f *fakePositions) RealizedPnL() float64         { return 12.5 }
func (f *fakePositions) DailyPnL() float64            { return -3 }

func (f *fakePositions) Reconcile(context.Context, float64) error {
	f.reconciled++
	return nil
}

func (f *fakePositions) CheckTriggers(float64) position.Trigger { return f.trigger }

func (f *fakePositions) Close(_ context.Context, reason string) (position.CloseResult, error) {
	f.closed = append(f.closed, reason)
	f.pos = position.Position{}
	return position.CloseResult{Reason: reason}, nil
}

type fakeDecider struct {
	steps int
	out   decision.Outcome
	err   error
	open  *fakePositions
}

func (f *fakeDecider) Step(context.Context, float64) (decision.Outcome, error) {
	f.steps++
	if f.open != nil && f.out.Action == decision.ActionOpened {
		f.open.pos = position.Position{Status: position.StatusOpen, Side: exchange.SideLong, EntryPrice: 100, Amount: 1}
	}
	return f.out, f.err
}

type fakeGate struct{ ready bool }

func (f fakeGate) Ready() bool { return f.ready }

type fakeBalance struct{}

func (fakeBalance) AvailableBalance(context.Context) (float64, error) { return 1000, nil }

type recordNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordNotifier) SendText(text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func newTestLive(prices *fakePrices, pos *fakePositions, dec *fakeDecider, ready bool) (*LiveService, *time.Time) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewLiveService(LiveOptions{Symbol: "BTCUSDT", Mode: "test", MainInterval: time.Minute, CheckInterval: 5 * time.Second},
		prices, fakeBalance{}, pos, dec, fakeGate{ready: ready}, &recordNotifier{})
	s.now = func() time.Time { return now }
	return s, &now
}

func TestTickDecidesWhenFlatAndDue(t *testing.T) {
	pos := &fakePositions{}
	dec := &fakeDecider{out: decision.Outcome{Action: decision.ActionNoPosition}}
	s, now := newTestLive(&fakePrices{price: 100}, pos, dec, true)

	if wait := s.tick(context.Background()); wait != 5*time.Second {
		t.Fatalf("expected capped wait, got %v", wait)
	}
	if dec.steps != 1 || pos.reconciled != 1 {
		t.Fatalf("expected one step and reconcile, got %d/%d", dec.steps, pos.reconciled)
	}
	*now = now.Add(30 * time.Second)
	s.tick(context.Background())
	if dec.steps != 1 {
		t.Fatalf("decision ran before main interval elapsed")
	}
	*now = now.Add(31 * time.Second)
	s.tick(context.Background())
	if dec.steps != 2 {
		t.Fatalf("expected second decision after interval, got %d", dec.steps)
	}
}

func TestTickWaitsForReadiness(t *testing.T) {
	dec := &fakeDecider{}
	s, _ := newTestLive(&fakePrices{price: 100}, &fakePositions{}, dec, false)
	s.tick(context.Background())
	if dec.steps != 0 {
		t.Fatalf("decision must not run before the scheduler is ready")
	}
}

func TestTickSkipsOnPriceError(t *testing.T) {
	pos := &fakePositions{}
	dec := &fakeDecider{}
	s, _ := newTestLive(&fakePrices{err: errors.New("stale")}, pos, dec, true)
	if wait := s.tick(context.Background()); wait != 5*time.Second || dec.steps != 0 || pos.reconciled != 0 {
		t.Fatalf("unexpected tick on price error: wait=%v steps=%d", wait, dec.steps)
	}
}

func TestTickClosesOnTrigger(t *testing.T) {
	pos := &fakePositions{
		pos:     position.Position{Status: position.StatusOpen, Side: exchange.SideLong, EntryPrice: 100, Amount: 1},
		trigger: position.TriggerStopLoss,
	}
	dec := &fakeDecider{}
	s, _ := newTestLive(&fakePrices{price: 95}, pos, dec, true)
	if wait := s.tick(context.Background()); wait != 5*time.Second {
		t.Fatalf("expected check interval, got %v", wait)
	}
	if len(pos.closed) != 1 || pos.closed[0] != string(position.TriggerStopLoss) || dec.steps != 0 {
		t.Fatalf("unexpected close %v steps=%d", pos.closed, dec.steps)
	}
}

func TestOpenedPositionSwitchesToCheckInterval(t *testing.T) {
	pos := &fakePositions{}
	dec := &fakeDecider{out: decision.Outcome{Action: decision.ActionOpened, TraceID: "t1"}, open: pos}
	s, _ := newTestLive(&fakePrices{price: 100}, pos, dec, true)
	if wait := s.tick(context.Background()); wait != 5*time.Second || !pos.pos.IsOpen() {
		t.Fatalf("expected open position and check interval, got %v", wait)
	}
	snap, ok := s.StatusSnapshot(context.Background()).(LiveStatus)
	if !ok {
		t.Fatalf("unexpected snapshot type")
	}
	if snap.LastDecision == nil || snap.LastDecision.TraceID != "t1" || snap.Balance == nil || *snap.Balance != 1000 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.RealizedPnL != "$12.50" || snap.DailyPnL != "-$3.00" || snap.PositionDesc == "空仓" {
		t.Fatalf("unexpected pnl fields %+v", snap)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	dec := &fakeDecider{out: decision.Outcome{Action: decision.ActionNoPosition}}
	s, _ := newTestLive(&fakePrices{price: 100}, &fakePositions{}, dec, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if tg := s.tg.(*recordNotifier); len(tg.texts) == 0 {
		t.Fatalf("expected startup notification")
	}
}

func TestLastDecisionCacheExpires(t *testing.T) {
	c := newLastDecisionCache(time.Minute)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c.Set(decision.Outcome{TraceID: "x", Action: decision.ActionRejected, Warnings: []string{"w"}}, 100, at)
	if got := c.Snapshot(at.Add(30 * time.Second)); got == nil || got.TraceID != "x" || len(got.Warnings) != 1 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if got := c.Snapshot(at.Add(2 * time.Minute)); got != nil {
		t.Fatalf("expected expiry, got %+v", got)
	}
}

type triggerRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *triggerRecorder) Trigger(name string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if force {
		r.calls = append(r.calls, name)
	}
	return nil
}

func TestPerformanceRefresher(t *testing.T) {
	rec := &triggerRecorder{}
	performanceRefresher(rec, 10*time.Millisecond)(position.CloseResult{Reason: position.ReasonTakeProfit})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.calls)
		rec.mu.Unlock()
		if n == 1 {
			if rec.calls[0] != config.JobPerformance {
				t.Fatalf("unexpected trigger %v", rec.calls)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("performance was not triggered")
}

func TestLLMPolicyFromConfig(t *testing.T) {
	p := llmPolicy(config.RetryConfig{MaxRetries: 4, BaseDelayMs: 200, MaxDelayMs: 1000, Multiplier: 3})
	if p.MaxRetries != 4 || p.BaseDelay != 200*time.Millisecond || p.MaxDelay != time.Second || p.Multiplier != 3 || p.Jitter {
		t.Fatalf("unexpected policy %+v", p)
	}
}

func TestDescribePositionShowsProtectionPercent(t *testing.T) {
	if got := describePosition(position.Position{}); got != "空仓" {
		t.Fatalf("unexpected flat description %q", got)
	}
	got := describePosition(position.Position{
		Status: position.StatusOpen, Side: exchange.SideShort, Leverage: 3, Amount: 0.5,
		EntryPrice: 100, SLPrice: 102.5, TPPrice: 94, SLPct: 0.025, TPPct: 0.06, UnrealizedPnL: -1.5,
	})
	want := "SHORT 3x | 数量 0.5 | 入场 100 | 止损 102.5 (2.5%) | 止盈 94 (6%) | 浮盈 -$1.50"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
