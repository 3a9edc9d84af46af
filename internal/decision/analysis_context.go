package decision

import (
	"context"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/signals"
	"github.com/GETSUNWOO/futures-encho/internal/store"
)

// SignalReader 读取最新未过期的分析信号。
type SignalReader interface {
	LatestSignal(ctx context.Context, kind string, maxAge time.Duration) (*database.CachedSignal, error)
}

// SignalSet 一轮决策使用的信号快照。缺失的信号以中性值代替并记入 Missing。
type SignalSet struct {
	Trend1h       signals.Trend
	Trend4h       signals.Trend
	NewsScore     float64
	BestDirection string

	News        *signals.NewsPayload
	Market1h    *signals.TrendPayload
	Market4h    *signals.StructurePayload
	Performance *signals.PerformancePayload
	Missing     []string
}

func neutralSignalSet() SignalSet {
	return SignalSet{
		Trend1h:       signals.TrendSideways,
		Trend4h:       signals.TrendSideways,
		NewsScore:     signals.NeutralNewsScore,
		BestDirection: signals.BestBalanced,
	}
}

// LoadSignals 按 maxAges 读取 news/trend_1h/trend_4h/performance。读取失败只记日志，不中断决策。
func LoadSignals(ctx context.Context, reader SignalReader, maxAges map[string]time.Duration) SignalSet {
	set := neutralSignalSet()
	if reader == nil {
		set.Missing = []string{signals.KindNews, signals.KindTrend1h, signals.KindTrend4h, signals.KindPerformance}
		return set
	}
	load := func(kind string, dst any) bool {
		sig, err := reader.LatestSignal(ctx, kind, maxAges[kind])
		if err != nil {
			logger.Warnf("[decision] 读取信号 %s 失败: %v", kind, err)
			set.Missing = append(set.Missing, kind)
			return false
		}
		if sig == nil {
			set.Missing = append(set.Missing, kind)
			return false
		}
		if err := sig.Decode(dst); err != nil {
			logger.Warnf("[decision] 信号 %s 解码失败: %v", kind, err)
			set.Missing = append(set.Missing, kind)
			return false
		}
		return true
	}

	var news signals.NewsPayload
	if load(signals.KindNews, &news) {
		set.News = &news
		set.NewsScore = news.Score
	}
	var t1h signals.TrendPayload
	if load(signals.KindTrend1h, &t1h) {
		set.Market1h = &t1h
		if t1h.Trend != "" {
			set.Trend1h = t1h.Trend
		}
	}
	var t4h signals.StructurePayload
	if load(signals.KindTrend4h, &t4h) {
		set.Market4h = &t4h
		if t4h.PrimaryTrend != "" {
			set.Trend4h = t4h.PrimaryTrend
		}
	}
	var perf signals.PerformancePayload
	if load(signals.KindPerformance, &perf) {
		set.Performance = &perf
		set.BestDirection = signals.NormalizeBest(perf.BestDirection)
	}
	return set
}

// Timeframe 提供给 oracle 的 K 线窗口。
type Timeframe struct {
	Interval string
	Limit    int
}

// DefaultTimeframes 15m/1h/4h。
func DefaultTimeframes() []Timeframe {
	return []Timeframe{{Interval: "15m", Limit: 32}, {Interval: "1h", Limit: 48}, {Interval: "4h", Limit: 30}}
}

// TradeSummary 历史交易摘要。
type TradeSummary struct {
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price,omitempty"`
	PnL        float64   `json:"pnl"`
	PnLPct     float64   `json:"pnl_pct"`
	Reason     string    `json:"reason,omitempty"`
	Open       bool      `json:"open,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
}

// AccountSnapshot 账户概要。
type AccountSnapshot struct {
	Available float64 `json:"available"`
	DailyPnL  float64 `json:"daily_pnl"`
}

// Document oracle 输入文档。
type Document struct {
	Symbol      string                      `json:"symbol"`
	Price       float64                     `json:"current_price"`
	Time        time.Time                   `json:"time"`
	Account     AccountSnapshot             `json:"account"`
	Timeframes  map[string][]store.Kline    `json:"timeframes"`
	Headlines   []signals.Headline          `json:"headlines"`
	Trades      []TradeSummary              `json:"recent_trades"`
	Performance *signals.PerformancePayload `json:"performance,omitempty"`
	Signals     map[string]any              `json:"signals"`
	Missing     []string                    `json:"missing_signals,omitempty"`
}

// TradeHistory 最近交易。
type TradeHistory interface {
	RecentTrades(ctx context.Context, symbol string, limit int) ([]database.TradeRecord, error)
}

// DocumentInput 构建 Document 所需依赖。
type DocumentInput struct {
	Symbol     string
	Price      float64
	Now        time.Time
	Account    AccountSnapshot
	Set        SignalSet
	Klines     store.KlineStore
	Timeframes []Timeframe
	History    TradeHistory
	TradeLimit int
}

// BuildDocument 汇总行情窗口、新闻、历史交易与信号。
func BuildDocument(ctx context.Context, in DocumentInput) Document {
	doc := Document{
		Symbol:      in.Symbol,
		Price:       in.Price,
		Time:        in.Now.UTC(),
		Account:     in.Account,
		Timeframes:  map[string][]store.Kline{},
		Performance: in.Set.Performance,
		Signals: map[string]any{
			"trend_1h":       in.Set.Trend1h,
			"trend_4h":       in.Set.Trend4h,
			"news_sentiment": in.Set.NewsScore,
			"best_direction": in.Set.BestDirection,
		},
		Missing: in.Set.Missing,
	}
	if in.Set.Market1h != nil {
		doc.Signals[signals.KindTrend1h+"_detail"] = in.Set.Market1h
	}
	if in.Set.Market4h != nil {
		doc.Signals[signals.KindTrend4h+"_detail"] = in.Set.Market4h
	}
	if in.Set.News != nil {
		doc.Headlines = in.Set.News.Headlines
	}
	if in.Klines != nil {
		for _, tf := range in.Timeframes {
			ks, err := in.Klines.Get(ctx, in.Symbol, tf.Interval, tf.Limit)
			if err != nil {
				logger.Warnf("[decision] 读取 %s K 线失败: %v", tf.Interval, err)
				continue
			}
			if len(ks) > 0 {
				doc.Timeframes[tf.Interval] = ks
			}
		}
	}
	if in.History != nil {
		limit := in.TradeLimit
		if limit <= 0 {
			limit = 10
		}
		trades, err := in.History.RecentTrades(ctx, in.Symbol, limit)
		if err != nil {
			logger.Warnf("[decision] 读取历史交易失败: %v", err)
		}
		for _, tr := range trades {
			doc.Trades = append(doc.Trades, TradeSummary{
				Side:       tr.Side,
				EntryPrice: tr.EntryPrice,
				ExitPrice:  tr.ExitPrice,
				PnL:        tr.PnL,
				PnLPct:     tr.PnLPct,
				Reason:     tr.Reason,
				Open:       tr.Status == database.TradeStatusOpen,
				OpenedAt:   tr.OpenedAt,
			})
		}
	}
	return doc
}
