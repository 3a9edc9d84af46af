package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/binance"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/retry"
	"github.com/GETSUNWOO/futures-encho/internal/signals"
	"github.com/GETSUNWOO/futures-encho/internal/store"
)

type memSignals struct{ puts []database.SignalInput }

func (m *memSignals) PutSignal(_ context.Context, sig database.SignalInput) (int64, error) {
	m.puts = append(m.puts, sig)
	return int64(len(m.puts)), nil
}

func (m *memSignals) last(t *testing.T, kind string, v any) database.SignalInput {
	t.Helper()
	for i := len(m.puts) - 1; i >= 0; i-- {
		if m.puts[i].Kind == kind {
			raw, _ := json.Marshal(m.puts[i].Payload)
			if err := json.Unmarshal(raw, v); err != nil {
				t.Fatalf("decode %s: %v", kind, err)
			}
			return m.puts[i]
		}
	}
	t.Fatalf("no %s signal written", kind)
	return database.SignalInput{}
}

type fakeMarket struct {
	bars map[string][]store.Kline
	err  error
}

func (f fakeMarket) Klines(_ context.Context, interval string, limit int) ([]store.Kline, error) {
	if f.err != nil {
		return nil, f.err
	}
	ks := f.bars[interval]
	if len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	return ks, nil
}

type fakeDerivs struct{}

func (fakeDerivs) Derivatives(context.Context, string) (binance.DerivativesMetrics, error) {
	return binance.DerivativesMetrics{FundingRate: 0.0001, OpenInterest: 1234, OIChangePct: 2.5}, nil
}

type fakeTrades struct {
	stats database.PerformanceStats
	since time.Time
}

func (f *fakeTrades) Performance(_ context.Context, _ string, since time.Time) (database.PerformanceStats, error) {
	f.since = since
	return f.stats, nil
}

type fakeSweeper struct{ n int64 }

func (f fakeSweeper) SweepExpired(context.Context) (int64, error) { return f.n, nil }

type fakeNews struct{ hs []signals.Headline }

func (f fakeNews) Headlines(context.Context, string, int) ([]signals.Headline, error) { return f.hs, nil }

func testJobs() map[string]config.JobConfig {
	return map[string]config.JobConfig{
		config.JobNews:        {IntervalSeconds: 14400, TTLSeconds: 14400, Required: true},
		config.JobMarket4h:    {IntervalSeconds: 14400, TTLSeconds: 21600, Required: true},
		config.JobMarket1h:    {IntervalSeconds: 3600, TTLSeconds: 5400, Required: true},
		config.JobPerformance: {IntervalSeconds: 7200, TTLSeconds: 7200, Required: true},
		config.JobCacheSweep:  {IntervalSeconds: 86400, Disabled: true},
	}
}

func testDeps(sig *memSignals, ks *store.MemoryKlineStore, trades *fakeTrades) Deps {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return Deps{
		Symbol:  "btcusdt",
		Signals: sig,
		Market: fakeMarket{bars: map[string][]store.Kline{
			"1h": series(60, func(i int) float64 { return 100 + float64(i) }),
			"4h": series(80, func(i int) float64 { return 100 }),
		}},
		Derivatives: fakeDerivs{},
		Klines:      ks,
		Trades:      trades,
		Cache:       fakeSweeper{n: 3},
		News:        fakeNews{hs: []signals.Headline{{Title: "Bitcoin rally continues"}}},
		Jobs:        testJobs(),
		now:         func() time.Time { return now },
	}
}

func runByName(t *testing.T, d Deps, name string) error {
	t.Helper()
	js, err := Build(d)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, j := range js {
		if j.Name == name {
			res, err := j.Run(context.Background())
			if err == nil && !res.Success {
				t.Fatalf("%s returned soft failure: %s", name, res.Message)
			}
			return err
		}
	}
	t.Fatalf("job %s not built", name)
	return nil
}

func TestBuildOrderAndDisabled(t *testing.T) {
	js, err := Build(testDeps(&memSignals{}, store.NewMemoryKlineStore(), &fakeTrades{}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{config.JobNews, config.JobMarket4h, config.JobMarket1h, config.JobPerformance}
	if len(js) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(js))
	}
	for i, j := range js {
		if j.Name != want[i] || !j.Required || j.Run == nil {
			t.Fatalf("job %d: unexpected %+v", i, j)
		}
	}
	if js[2].Interval != time.Hour {
		t.Fatalf("expected 1h interval for market_1h, got %v", js[2].Interval)
	}
	if _, err := Build(Deps{}); err == nil {
		t.Fatalf("expected error on missing deps")
	}
}

func TestMarketJobsWriteSignalsAndKlines(t *testing.T) {
	sig, ks := &memSignals{}, store.NewMemoryKlineStore()
	d := testDeps(sig, ks, &fakeTrades{})

	if err := runByName(t, d, config.JobMarket1h); err != nil {
		t.Fatalf("market_1h: %v", err)
	}
	var trend signals.TrendPayload
	in := sig.last(t, signals.KindTrend1h, &trend)
	if trend.Trend != signals.TrendBullish || in.TTL != 90*time.Minute || in.Confidence != 0.7 {
		t.Fatalf("unexpected trend signal %+v %+v", in, trend)
	}
	cached, _ := ks.Get(context.Background(), "BTCUSDT", "1h", 0)
	if len(cached) != limit1h {
		t.Fatalf("expected %d cached 1h bars, got %d", limit1h, len(cached))
	}

	if err := runByName(t, d, config.JobMarket4h); err != nil {
		t.Fatalf("market_4h: %v", err)
	}
	var st signals.StructurePayload
	sig.last(t, signals.KindTrend4h, &st)
	if st.PrimaryTrend != signals.TrendSideways || st.FundingRate != 0.0001 || st.OpenInterest != 1234 {
		t.Fatalf("unexpected structure %+v", st)
	}
}

func TestMarketJobErrorsAreTransient(t *testing.T) {
	d := testDeps(&memSignals{}, store.NewMemoryKlineStore(), &fakeTrades{})
	d.Market = fakeMarket{err: errors.New("timeout")}
	if err := runByName(t, d, config.JobMarket1h); !retry.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	d.Market = fakeMarket{bars: map[string][]store.Kline{"1h": series(5, func(int) float64 { return 1 })}}
	if err := runByName(t, d, config.JobMarket1h); !retry.IsValidation(err) {
		t.Fatalf("expected validation error on short series, got %v", err)
	}
}

func TestNewsJob(t *testing.T) {
	sig := &memSignals{}
	d := testDeps(sig, store.NewMemoryKlineStore(), &fakeTrades{})
	if err := runByName(t, d, config.JobNews); err != nil {
		t.Fatalf("news: %v", err)
	}
	var p signals.NewsPayload
	in := sig.last(t, signals.KindNews, &p)
	if p.Query != defaultNewsQuery || p.Positive != 1 || in.Model != "lexicon" {
		t.Fatalf("unexpected news signal %+v %+v", in, p)
	}

	d.News = nil
	d.Model = scriptedModel{out: `{"sentiment_score":0.9}`}
	if err := runByName(t, d, config.JobNews); err != nil {
		t.Fatalf("news without source: %v", err)
	}
	sig.last(t, signals.KindNews, &p)
	if p.Score != signals.NeutralNewsScore {
		t.Fatalf("expected neutral score without headlines, got %v", p.Score)
	}
}

func TestPerformanceJob(t *testing.T) {
	sig := &memSignals{}
	trades := &fakeTrades{stats: database.PerformanceStats{Total: 5, Wins: 3, Losses: 2, WinRate: 0.6, LongWinRate: 0.75, ShortWinRate: 0.5}}
	d := testDeps(sig, store.NewMemoryKlineStore(), trades)
	if err := runByName(t, d, config.JobPerformance); err != nil {
		t.Fatalf("performance: %v", err)
	}
	var p signals.PerformancePayload
	in := sig.last(t, signals.KindPerformance, &p)
	if p.BestDirection != signals.BestLong || p.TotalTrades != 5 || in.Confidence != 0.6 {
		t.Fatalf("unexpected performance %+v", p)
	}
	if want := d.now().AddDate(0, 0, -performanceDays); !trades.since.Equal(want) {
		t.Fatalf("expected window start %v, got %v", want, trades.since)
	}
}

func TestPerformanceFromStatsMargin(t *testing.T) {
	cases := []struct {
		st   database.PerformanceStats
		want string
	}{
		{database.PerformanceStats{Total: 10, LongWinRate: 0.55, ShortWinRate: 0.5}, signals.BestBalanced},
		{database.PerformanceStats{Total: 10, LongWinRate: 0.3, ShortWinRate: 0.6}, signals.BestShort},
		{database.PerformanceStats{Total: 2, LongWinRate: 1, ShortWinRate: 0}, signals.BestBalanced},
	}
	for _, tc := range cases {
		if got := PerformanceFromStats(tc.st).BestDirection; got != tc.want {
			t.Fatalf("stats %+v: got %s want %s", tc.st, got, tc.want)
		}
	}
}
