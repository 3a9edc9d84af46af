package decision

import (
	"fmt"
	"math"
	"strings"

	"github.com/GETSUNWOO/futures-encho/internal/signals"
)

// 规则兜底决策参数
const (
	fallbackConviction     = 0.6
	fallbackNoConviction   = 0.3
	fallbackStopLoss       = 0.03
	fallbackTakeProfit     = 0.06
	fallbackPositionSize   = 0.2
	fallbackLeverage       = 3
	fallbackLongNewsAbove  = 0.6
	fallbackShortNewsBelow = 0.4
)

// Fallback oracle 不可用或输出非法时的保守决策：
// 1h bullish + 4h bullish/strong_bullish + 新闻 > 0.6 做多；镜像条件做空；其余观望。
func Fallback(set SignalSet) Decision {
	dir := DirectionNone
	conviction := fallbackNoConviction
	switch {
	case set.Trend1h == signals.TrendBullish && set.Trend4h.IsBullish() && set.NewsScore > fallbackLongNewsAbove:
		dir, conviction = DirectionLong, fallbackConviction
	case set.Trend1h == signals.TrendBearish && set.Trend4h.IsBearish() && set.NewsScore < fallbackShortNewsBelow:
		dir, conviction = DirectionShort, fallbackConviction
	}
	size := fallbackPositionSize
	if dir == DirectionNone {
		size = 0
	}
	return Decision{
		Direction:     dir,
		PositionSize:  size,
		Leverage:      fallbackLeverage,
		StopLossPct:   fallbackStopLoss,
		TakeProfitPct: fallbackTakeProfit,
		Reasoning:     fmt.Sprintf("规则兜底: 1h %s, 4h %s, 新闻 %.2f", set.Trend1h, set.Trend4h, set.NewsScore),
		Conviction:    &conviction,
	}
}

// Adjust 最终校验：周期冲突改为观望，新闻逆向与历史方向调整 conviction，再按最低 conviction 复核。
// 返回调整后的决策与调整说明。
func Adjust(d Decision, set SignalSet, minConviction float64) (Decision, []string) {
	var notes []string
	if !d.Direction.IsEntry() {
		return d, nil
	}
	if timeframesConflict(set.Trend1h, set.Trend4h) {
		notes = append(notes, fmt.Sprintf("1h(%s) 与 4h(%s) 趋势冲突，改为观望", set.Trend1h, set.Trend4h))
		return withNotes(toNoPosition(d), notes), notes
	}
	if d.Conviction == nil {
		return d, nil
	}
	c := *d.Conviction
	switch {
	case d.Direction == DirectionLong && set.NewsScore < 0.3:
		c *= 0.8
		notes = append(notes, fmt.Sprintf("新闻偏空(%.2f)下调 conviction", set.NewsScore))
	case d.Direction == DirectionShort && set.NewsScore > 0.7:
		c *= 0.8
		notes = append(notes, fmt.Sprintf("新闻偏多(%.2f)下调 conviction", set.NewsScore))
	}
	if best := signals.NormalizeBest(set.BestDirection); best != signals.BestBalanced {
		if string(d.Direction) == best {
			c *= 1.1
			notes = append(notes, fmt.Sprintf("与历史最佳方向 %s 一致", best))
		} else {
			c *= 0.9
			notes = append(notes, fmt.Sprintf("与历史最佳方向 %s 相反", best))
		}
	}
	c = math.Max(0, math.Min(1, c))
	d.Conviction = &c
	if c < minConviction {
		notes = append(notes, fmt.Sprintf("最终 conviction %.2f 低于 %.2f，改为观望", c, minConviction))
		d = toNoPosition(d)
	}
	return withNotes(d, notes), notes
}

func timeframesConflict(t1h, t4h signals.Trend) bool {
	return (t1h == signals.TrendBullish && t4h.IsBearish()) ||
		(t1h == signals.TrendBearish && t4h.IsBullish())
}

func toNoPosition(d Decision) Decision {
	d.Direction = DirectionNone
	d.PositionSize = 0
	return d
}

func withNotes(d Decision, notes []string) Decision {
	if len(notes) == 0 {
		return d
	}
	d.Reasoning = strings.TrimSpace(d.Reasoning + " | " + strings.Join(notes, "; "))
	return d
}
