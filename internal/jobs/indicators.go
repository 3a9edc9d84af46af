package jobs

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"github.com/GETSUNWOO/futures-encho/internal/signals"
	"github.com/GETSUNWOO/futures-encho/internal/store"
)

const (
	fastEMA1h   = 12
	slowEMA1h   = 26
	ema20       = 20
	ema50       = 50
	rsiPeriod   = 14
	atrPeriod   = 14
	levelWindow = 24
	candles7d4h = 42
)

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

func highLow(ks []store.Kline, window int) (lo, hi float64) {
	if window > len(ks) {
		window = len(ks)
	}
	tail := ks[len(ks)-window:]
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, k := range tail {
		lo = math.Min(lo, k.Low)
		hi = math.Max(hi, k.High)
	}
	return lo, hi
}

func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

// momentumLabel 按最近一根的涨跌幅分级。
func momentumLabel(changePct float64) string {
	switch {
	case changePct > 2:
		return "strong_bullish"
	case changePct > 0.5:
		return "bullish"
	case changePct < -2:
		return "strong_bearish"
	case changePct < -0.5:
		return "bearish"
	default:
		return "neutral"
	}
}

// AnalyzeTrend1h EMA12/26 + RSI14 判定 1h 趋势。
func AnalyzeTrend1h(ks []store.Kline) (signals.TrendPayload, error) {
	if len(ks) < slowEMA1h+1 {
		return signals.TrendPayload{}, fmt.Errorf("1h K 线不足: %d < %d", len(ks), slowEMA1h+1)
	}
	closes := store.Closes(ks)
	out := signals.TrendPayload{
		Interval: "1h",
		Close:    last(closes),
		EMAFast:  last(talib.Ema(closes, fastEMA1h)),
		EMASlow:  last(talib.Ema(closes, slowEMA1h)),
		RSI:      last(talib.Rsi(closes, rsiPeriod)),
	}
	switch {
	case out.Close > out.EMAFast && out.EMAFast > out.EMASlow && out.RSI > 55:
		out.Trend, out.Strength = signals.TrendBullish, 0.7
	case out.Close < out.EMAFast && out.EMAFast < out.EMASlow && out.RSI < 45:
		out.Trend, out.Strength = signals.TrendBearish, 0.7
	default:
		out.Trend, out.Strength = signals.TrendSideways, 0.4
	}
	out.Momentum = momentumLabel(pctChange(closes[len(closes)-2], out.Close))
	out.Support, out.Resistance = highLow(ks, levelWindow)
	return out, nil
}

// AnalyzeStructure4h EMA20/50 + RSI14 + 7 日涨跌判定五档主趋势，ATR 评估风险。
func AnalyzeStructure4h(ks []store.Kline) (signals.StructurePayload, error) {
	if len(ks) < ema50+1 {
		return signals.StructurePayload{}, fmt.Errorf("4h K 线不足: %d < %d", len(ks), ema50+1)
	}
	closes := store.Closes(ks)
	highs := make([]float64, len(ks))
	lows := make([]float64, len(ks))
	for i, k := range ks {
		highs[i], lows[i] = k.High, k.Low
	}
	out := signals.StructurePayload{
		Interval: "4h",
		Close:    last(closes),
		EMA20:    last(talib.Ema(closes, ema20)),
		EMA50:    last(talib.Ema(closes, ema50)),
		RSI:      last(talib.Rsi(closes, rsiPeriod)),
	}
	base := closes[0]
	if len(closes) > candles7d4h {
		base = closes[len(closes)-1-candles7d4h]
	}
	out.PriceChange7dPct = pctChange(base, out.Close)

	px, e20, e50, rsi, chg := out.Close, out.EMA20, out.EMA50, out.RSI, out.PriceChange7dPct
	switch {
	case px > e20 && e20 > e50 && rsi > 60 && chg > 5:
		out.PrimaryTrend, out.Strength = signals.TrendStrongBullish, 0.8
	case px > e20 && rsi > 50:
		out.PrimaryTrend, out.Strength = signals.TrendBullish, 0.6
	case px < e20 && e20 < e50 && rsi < 40 && chg < -5:
		out.PrimaryTrend, out.Strength = signals.TrendStrongBearish, 0.8
	case px < e20 && rsi < 50:
		out.PrimaryTrend, out.Strength = signals.TrendBearish, 0.6
	default:
		out.PrimaryTrend, out.Strength = signals.TrendSideways, 0.4
	}

	_, hi := highLow(ks, 30)
	out.CriticalSupport = e20
	out.CriticalResistance = hi

	switch {
	case out.PrimaryTrend.IsBullish() && rsi < 70:
		out.SwingOpportunity = "long"
	case out.PrimaryTrend.IsBearish() && rsi > 30:
		out.SwingOpportunity = "short"
	default:
		out.SwingOpportunity = "none"
	}

	atrPct := last(talib.Atr(highs, lows, closes, atrPeriod)) / px * 100
	switch {
	case atrPct > 3:
		out.RiskAssessment = "high"
	case atrPct > 1.5:
		out.RiskAssessment = "medium"
	default:
		out.RiskAssessment = "low"
	}
	return out, nil
}
