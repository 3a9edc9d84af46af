package risk

import (
	"math"
	"reflect"
	"testing"

	"github.com/GETSUNWOO/futures-encho/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		UseKelly:            true,
		KellyFraction:       0.25,
		MaxPositionSize:     0.5,
		MinConviction:       0.55,
		MinPositionFraction: 0.01,
		MinInvestment:       100,
		MaxLeverage:         10,
		LeverageScale:       20,
		LeverageCapFraction: 0.1,
		VolatileSLThreshold: 0.05,
		VolatileMaxLeverage: 5,
		DailyLossLimit:      0.05,
		MaxDrawdown:         0.15,
		FixedFraction:       0.1,
		FixedLeverage:       3,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestWorkedExample(t *testing.T) {
	s := NewSizer(testRiskConfig(), 0.001)
	res, err := s.SizePosition(Input{Conviction: 0.65, SLFraction: 0.03, TPFraction: 0.06, Balance: 10000, Price: 50000, MaxLeverage: 20})
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if !approx(res.Details.WinLossRatio, 2) || !approx(res.Details.RawKelly, 0.475) || !approx(res.Details.AdjustedKelly, 0.11875) {
		t.Fatalf("unexpected kelly details %+v", res.Details)
	}
	if !approx(res.Details.RequestedInvestment, 1187.5) {
		t.Fatalf("expected requested investment 1187.50, got %.4f", res.Details.RequestedInvestment)
	}
	if res.Leverage != 3 {
		t.Fatalf("expected leverage min(13,3)=3, got %d", res.Leverage)
	}
	// 0.02375 BTC 向下取整到 0.023
	if !approx(res.InstrumentAmount, 0.023) || !approx(res.InvestmentAmount, 1150) || !approx(res.PositionFraction, 0.115) {
		t.Fatalf("unexpected rounded sizing %+v", res)
	}
	if !approx(res.RiskMetrics.MaxLossAmount, 1150*0.03*3) || !approx(res.RiskMetrics.RiskRewardRatio, 2) {
		t.Fatalf("unexpected risk metrics %+v", res.RiskMetrics)
	}
	if res.Method != MethodKelly {
		t.Fatalf("expected kelly method")
	}
}

func TestLowConvictionAlwaysRejected(t *testing.T) {
	s := NewSizer(testRiskConfig(), 0.001)
	inputs := []Input{
		{Conviction: 0.54, SLFraction: 0.03, TPFraction: 0.06, Balance: 10000, Price: 50000},
		{Conviction: 0.1, SLFraction: 0.9, TPFraction: 0.01, Balance: 1, Price: 1},
		{Conviction: 0, SLFraction: 0, TPFraction: 0, Balance: 0, Price: 0},
		{Conviction: -1, SLFraction: 5, TPFraction: -2, Balance: -100, Price: -1, DailyPnL: -1e9},
		{Conviction: 0.5499, SLFraction: 0.01, TPFraction: 0.5, Balance: 1e9, Price: 1, MaxLeverage: 100},
	}
	for _, in := range inputs {
		_, err := s.SizePosition(in)
		rej, ok := AsRejection(err)
		if !ok || rej.Code != RejectLowConviction {
			t.Fatalf("input %+v: expected low conviction rejection, got %v", in, err)
		}
	}
}

func TestKellyFormulaAndFractionCap(t *testing.T) {
	cfg := testRiskConfig()
	cfg.DailyLossLimit = 0
	s := NewSizer(cfg, 0.0001)
	for _, p := range []float64{0.55, 0.6, 0.7, 0.8, 0.9, 0.99, 1} {
		for _, sl := range []float64{0.01, 0.02, 0.03, 0.05, 0.1} {
			for _, tp := range []float64{0.02, 0.06, 0.1, 0.3} {
				in := Input{Conviction: p, SLFraction: sl, TPFraction: tp, Balance: 10000, Price: 100}
				res, err := s.SizePosition(in)
				if err != nil {
					if rej, ok := AsRejection(err); !ok || rej.Code == RejectLowConviction {
						t.Fatalf("unexpected error for %+v: %v", in, err)
					}
					continue
				}
				b := tp / sl
				if !approx(res.Details.RawKelly, p-(1-p)/b) {
					t.Fatalf("kelly mismatch for %+v: %v", in, res.Details.RawKelly)
				}
				if !approx(res.Details.AdjustedKelly, res.Details.RawKelly*cfg.KellyFraction) {
					t.Fatalf("damping mismatch for %+v", in)
				}
				if res.PositionFraction > cfg.MaxPositionSize+1e-12 {
					t.Fatalf("fraction %.4f exceeds max for %+v", res.PositionFraction, in)
				}
				if res.Leverage < 1 || res.Leverage > cfg.MaxLeverage {
					t.Fatalf("leverage %d out of range for %+v", res.Leverage, in)
				}
			}
		}
	}
}

func TestNegativeKellyRejected(t *testing.T) {
	s := NewSizer(testRiskConfig(), 0.001)
	_, err := s.SizePosition(Input{Conviction: 0.6, SLFraction: 0.06, TPFraction: 0.03, Balance: 10000, Price: 100})
	if rej, ok := AsRejection(err); !ok || rej.Code != RejectKellyTooSmall {
		t.Fatalf("expected kelly too small, got %v", err)
	}
}

func TestDailyLossScalingAndRejection(t *testing.T) {
	s := NewSizer(testRiskConfig(), 0.001)
	base := Input{Conviction: 0.65, SLFraction: 0.03, TPFraction: 0.06, Balance: 10000, Price: 50000, MaxLeverage: 20}

	in := base
	in.DailyPnL = -420 // remaining 80, max loss 103.5
	res, err := s.SizePosition(in)
	if err != nil {
		t.Fatalf("expected scaled position, got %v", err)
	}
	if res.Details.DailyLossScale >= 1 || res.Details.DailyLossScale < 0.5 {
		t.Fatalf("expected scale in [0.5,1), got %v", res.Details.DailyLossScale)
	}
	if res.RiskMetrics.MaxLossAmount > 80+1e-9 {
		t.Fatalf("scaled max loss %.2f still exceeds remaining budget", res.RiskMetrics.MaxLossAmount)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("expected scaling warning")
	}

	in = base
	in.DailyPnL = -450 // remaining 50 -> scale 0.48
	if _, err := s.SizePosition(in); !isCode(err, RejectDailyLossScale) {
		t.Fatalf("expected rejection for >50%% scale-down, got %v", err)
	}

	in = base
	in.DailyPnL = -600
	if _, err := s.SizePosition(in); !isCode(err, RejectDailyLossLimit) {
		t.Fatalf("expected daily limit rejection, got %v", err)
	}
}

func TestLeverageCaps(t *testing.T) {
	cfg := testRiskConfig()
	cfg.LeverageCapFraction = 0.5
	s := NewSizer(cfg, 0.001)
	res, err := s.SizePosition(Input{Conviction: 0.9, SLFraction: 0.06, TPFraction: 0.12, Balance: 10000, Price: 100, MaxLeverage: 20})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if res.Leverage != 5 {
		t.Fatalf("expected volatile cap 5, got %d", res.Leverage)
	}
	res, _ = s.SizePosition(Input{Conviction: 0.9, SLFraction: 0.02, TPFraction: 0.06, Balance: 10000, Price: 100, MaxLeverage: 2})
	if res.Leverage != 2 {
		t.Fatalf("expected oracle max leverage 2, got %d", res.Leverage)
	}
}

func TestBelowLotRejected(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MinInvestment = 0
	s := NewSizer(cfg, 1)
	_, err := s.SizePosition(Input{Conviction: 0.65, SLFraction: 0.03, TPFraction: 0.06, Balance: 1000, Price: 50000})
	if !isCode(err, RejectBelowLot) {
		t.Fatalf("expected below lot rejection, got %v", err)
	}
}

func TestSizeFixedClamps(t *testing.T) {
	s := NewSizer(testRiskConfig(), 0.001)
	res, err := s.SizeFixed(Input{SLFraction: 0.02, TPFraction: 0.04, Balance: 10000, Price: 100, MaxLeverage: 20}, 0.8, 50)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if res.Method != MethodFixed || res.Leverage != 10 || res.PositionFraction > 0.5+1e-12 {
		t.Fatalf("unexpected fixed sizing %+v", res)
	}
}

func TestDeterministic(t *testing.T) {
	s := NewSizer(testRiskConfig(), 0.001)
	in := Input{Conviction: 0.72, SLFraction: 0.025, TPFraction: 0.07, Balance: 5321.5, Price: 61234.5, DailyPnL: -120, MaxLeverage: 8, Drawdown: 0.13}
	a, errA := s.SizePosition(in)
	b, errB := s.SizePosition(in)
	if errA != nil || errB != nil {
		t.Fatalf("unexpected errors %v %v", errA, errB)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("non-deterministic output:\n%+v\n%+v", a, b)
	}
	if len(a.Warnings) == 0 {
		t.Fatalf("expected drawdown warning at 13%% of 15%% max")
	}
}

func isCode(err error, code RejectCode) bool {
	rej, ok := AsRejection(err)
	return ok && rej.Code == code
}
