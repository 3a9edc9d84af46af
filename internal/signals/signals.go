// Package signals 定义分析任务写入 SignalCache 的载荷格式，决策层按同一格式读取。
package signals

import "strings"

// 信号类型（signals.kind）
const (
	KindNews        = "news"
	KindTrend1h     = "trend_1h"
	KindTrend4h     = "trend_4h"
	KindPerformance = "performance"
)

// Trend 趋势判断。1h 只使用 bullish/bearish/sideways，4h 使用全部五档。
type Trend string

const (
	TrendStrongBullish Trend = "strong_bullish"
	TrendBullish       Trend = "bullish"
	TrendSideways      Trend = "sideways"
	TrendBearish       Trend = "bearish"
	TrendStrongBearish Trend = "strong_bearish"
)

// IsBullish bullish 或 strong_bullish。
func (t Trend) IsBullish() bool { return t == TrendBullish || t == TrendStrongBullish }

// IsBearish bearish 或 strong_bearish。
func (t Trend) IsBearish() bool { return t == TrendBearish || t == TrendStrongBearish }

// 历史表现最佳方向
const (
	BestLong     = "LONG"
	BestShort    = "SHORT"
	BestBalanced = "BALANCED"
)

// NeutralNewsScore 无新闻数据时使用的中性情绪分。
const NeutralNewsScore = 0.5

// Headline 单条新闻。
type Headline struct {
	Title  string  `json:"title"`
	Source string  `json:"source,omitempty"`
	Date   string  `json:"date,omitempty"`
	Link   string  `json:"link,omitempty"`
	Score  float64 `json:"score"`
}

// NewsPayload news 任务输出。Score 0 看空 ~ 1 看多。
type NewsPayload struct {
	Query     string     `json:"query"`
	Score     float64    `json:"score"`
	Sentiment string     `json:"sentiment"`
	Positive  int        `json:"positive"`
	Negative  int        `json:"negative"`
	Headlines []Headline `json:"headlines"`
}

// TrendPayload market_1h 任务输出。
type TrendPayload struct {
	Interval   string  `json:"interval"`
	Trend      Trend   `json:"trend"`
	Strength   float64 `json:"strength"`
	Momentum   string  `json:"momentum"`
	Close      float64 `json:"close"`
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	RSI        float64 `json:"rsi"`
	Support    float64 `json:"support"`
	Resistance float64 `json:"resistance"`
}

// StructurePayload market_4h 任务输出。
type StructurePayload struct {
	Interval           string  `json:"interval"`
	PrimaryTrend       Trend   `json:"primary_trend"`
	Strength           float64 `json:"strength"`
	Close              float64 `json:"close"`
	EMA20              float64 `json:"ema20"`
	EMA50              float64 `json:"ema50"`
	RSI                float64 `json:"rsi"`
	CriticalSupport    float64 `json:"critical_support"`
	CriticalResistance float64 `json:"critical_resistance"`
	SwingOpportunity   string  `json:"swing_opportunity"` // long | short | none
	RiskAssessment     string  `json:"risk_assessment"`   // low | medium | high
	PriceChange7dPct   float64 `json:"price_change_7d_pct"`
	FundingRate        float64 `json:"funding_rate,omitempty"`
	OpenInterest       float64 `json:"open_interest,omitempty"`
	OIChangePct        float64 `json:"oi_change_pct,omitempty"`
}

// PerformancePayload performance 任务输出。
type PerformancePayload struct {
	WindowDays    int     `json:"window_days"`
	TotalTrades   int     `json:"total_trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	WinRate       float64 `json:"win_rate"`
	AvgReturnPct  float64 `json:"avg_return_pct"`
	TotalPnL      float64 `json:"total_pnl"`
	LongWinRate   float64 `json:"long_win_rate"`
	ShortWinRate  float64 `json:"short_win_rate"`
	BestDirection string  `json:"best_direction"`
}

// NormalizeBest 统一最佳方向写法，未知值视为 BALANCED。
func NormalizeBest(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case BestLong:
		return BestLong
	case BestShort:
		return BestShort
	default:
		return BestBalanced
	}
}
