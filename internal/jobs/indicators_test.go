package jobs

import (
	"math"
	"testing"

	"github.com/GETSUNWOO/futures-encho/internal/signals"
	"github.com/GETSUNWOO/futures-encho/internal/store"
)

func series(n int, price func(i int) float64) []store.Kline {
	out := make([]store.Kline, n)
	for i := range out {
		c := price(i)
		out[i] = store.Kline{
			OpenTime:  int64(i) * 3_600_000,
			CloseTime: int64(i+1)*3_600_000 - 1,
			Open:      c,
			High:      c * 1.005,
			Low:       c * 0.995,
			Close:     c,
			Volume:    10,
		}
	}
	return out
}

func TestAnalyzeTrend1h(t *testing.T) {
	up, err := AnalyzeTrend1h(series(48, func(i int) float64 { return 100 + float64(i) }))
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if up.Trend != signals.TrendBullish || up.Strength != 0.7 || up.Momentum != "bullish" {
		t.Fatalf("unexpected uptrend %+v", up)
	}
	if up.Close != 147 || !(up.EMAFast > up.EMASlow) || up.Resistance <= up.Support {
		t.Fatalf("unexpected levels %+v", up)
	}

	down, err := AnalyzeTrend1h(series(48, func(i int) float64 { return 200 - float64(i) }))
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if down.Trend != signals.TrendBearish || down.Momentum != "bearish" {
		t.Fatalf("unexpected downtrend %+v", down)
	}

	flat, _ := AnalyzeTrend1h(series(48, func(int) float64 { return 100 }))
	if flat.Trend != signals.TrendSideways || flat.Strength != 0.4 || flat.Momentum != "neutral" {
		t.Fatalf("unexpected flat %+v", flat)
	}

	if _, err := AnalyzeTrend1h(series(10, func(int) float64 { return 1 })); err == nil {
		t.Fatalf("expected error on short series")
	}
}

func TestAnalyzeStructure4h(t *testing.T) {
	bull, err := AnalyzeStructure4h(series(60, func(i int) float64 { return 100 * math.Pow(1.01, float64(i)) }))
	if err != nil {
		t.Fatalf("bull: %v", err)
	}
	if bull.PrimaryTrend != signals.TrendStrongBullish || bull.Strength != 0.8 || bull.PriceChange7dPct <= 5 {
		t.Fatalf("unexpected bull structure %+v", bull)
	}
	if bull.CriticalSupport != bull.EMA20 || bull.CriticalResistance < bull.Close {
		t.Fatalf("unexpected key levels %+v", bull)
	}

	bear, _ := AnalyzeStructure4h(series(60, func(i int) float64 { return 100 * math.Pow(0.99, float64(i)) }))
	if bear.PrimaryTrend != signals.TrendStrongBearish {
		t.Fatalf("unexpected bear structure %+v", bear)
	}

	flat, _ := AnalyzeStructure4h(series(60, func(int) float64 { return 100 }))
	if flat.PrimaryTrend != signals.TrendSideways || flat.SwingOpportunity != "none" || flat.RiskAssessment != "low" {
		t.Fatalf("unexpected flat structure %+v", flat)
	}

	if _, err := AnalyzeStructure4h(series(30, func(int) float64 { return 1 })); err == nil {
		t.Fatalf("expected error on short series")
	}
}

func TestMomentumLabel(t *testing.T) {
	cases := map[float64]string{3: "strong_bullish", 1: "bullish", 0.2: "neutral", -1: "bearish", -2.5: "strong_bearish"}
	for in, want := range cases {
		if got := momentumLabel(in); got != want {
			t.Fatalf("momentumLabel(%v)=%s want %s", in, got, want)
		}
	}
}
