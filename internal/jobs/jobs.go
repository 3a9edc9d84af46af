// Package jobs 周期分析任务：新闻情绪、1h 趋势、4h 结构、历史表现与缓存清理，结果写入 SignalCache。
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/binance"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/provider"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/retry"
	"github.com/GETSUNWOO/futures-encho/internal/scheduler"
	"github.com/GETSUNWOO/futures-encho/internal/signals"
	"github.com/GETSUNWOO/futures-encho/internal/store"
)

const (
	limit1h          = 48
	limit4h          = 60
	klineKeep        = 100
	performanceDays  = 30
	bestDirMargin    = 0.1
	bestDirMinTrades = 3
)

// SignalWriter SignalCache 写入端。
type SignalWriter interface {
	PutSignal(ctx context.Context, sig database.SignalInput) (int64, error)
}

// MarketData K 线来源。
type MarketData interface {
	Klines(ctx context.Context, interval string, limit int) ([]store.Kline, error)
}

// DerivativesSource 资金费率/未平仓量，可为空。
type DerivativesSource interface {
	Derivatives(ctx context.Context, period string) (binance.DerivativesMetrics, error)
}

// PerformanceSource 已平仓交易汇总。
type PerformanceSource interface {
	Performance(ctx context.Context, symbol string, since time.Time) (database.PerformanceStats, error)
}

// Sweeper 过期缓存清理。
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// ChatModel 可选的新闻情绪模型。
type ChatModel interface {
	Call(ctx context.Context, payload provider.ChatPayload) (string, error)
}

// Deps 任务依赖。News/Model/Derivatives 可为空。
type Deps struct {
	Symbol      string
	Signals     SignalWriter
	Market      MarketData
	Derivatives DerivativesSource
	Klines      store.KlineStore
	Trades      PerformanceSource
	Cache       Sweeper
	News        NewsSource
	Model       ChatModel
	NewsCfg     config.NewsConfig
	Jobs        map[string]config.JobConfig

	now func() time.Time
}

func (d *Deps) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// Build 按启动顺序返回已启用的任务：news → market_4h → market_1h → performance → cache_sweep。
func Build(d Deps) ([]scheduler.Job, error) {
	if d.Signals == nil || d.Market == nil || d.Klines == nil || d.Trades == nil || d.Cache == nil {
		return nil, fmt.Errorf("jobs 依赖不完整")
	}
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	specs := []struct {
		name   string
		policy retry.Policy
		run    func(ctx context.Context) (scheduler.Result, error)
	}{
		{config.JobNews, retry.MarketData(), d.runNews},
		{config.JobMarket4h, retry.MarketData(), d.runMarket4h},
		{config.JobMarket1h, retry.MarketData(), d.runMarket1h},
		{config.JobPerformance, retry.Database(), d.runPerformance},
		{config.JobCacheSweep, retry.Database(), d.runCacheSweep},
	}
	out := make([]scheduler.Job, 0, len(specs))
	for _, s := range specs {
		jc, ok := d.Jobs[s.name]
		if !ok || jc.Disabled {
			logger.Infof("[jobs] %s 未启用", s.name)
			continue
		}
		out = append(out, scheduler.Job{
			Name:         s.name,
			Interval:     jc.Interval(),
			Required:     jc.Required,
			MisfireGrace: jc.MisfireGrace(),
			Retry:        s.policy,
			Run:          s.run,
		})
	}
	return out, nil
}

func (d *Deps) ttl(job string) time.Duration {
	return d.Jobs[job].TTL()
}

func (d *Deps) put(ctx context.Context, job, kind string, payload any, confidence float64, model string, started time.Time) error {
	_, err := d.Signals.PutSignal(ctx, database.SignalInput{
		Kind:         kind,
		Payload:      payload,
		Confidence:   confidence,
		TTL:          d.ttl(job),
		Model:        model,
		ProcessingMs: d.clock().Sub(started).Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("写入 %s 信号失败: %w", kind, err)
	}
	return nil
}

func (d *Deps) runNews(ctx context.Context) (scheduler.Result, error) {
	started := d.clock()
	query := strings.TrimSpace(d.NewsCfg.Query)
	if query == "" {
		query = defaultNewsQuery
	}
	limit := d.NewsCfg.Limit
	if limit <= 0 {
		limit = defaultNewsLimit
	}
	var headlines []signals.Headline
	if d.News == nil {
		logger.Warnf("[news] 未配置新闻来源，写入中性情绪")
	} else {
		hs, err := d.News.Headlines(ctx, query, limit)
		if err != nil {
			return scheduler.Result{}, err
		}
		headlines = hs
	}
	payload := ScoreHeadlines(query, headlines)
	model := "lexicon"
	if d.Model != nil && len(headlines) > 0 {
		refined := refineWithModel(ctx, d.Model, payload)
		if refined.Score != payload.Score || refined.Sentiment != payload.Sentiment {
			model = "llm"
		}
		payload = refined
	}
	if err := d.put(ctx, config.JobNews, signals.KindNews, payload, payload.Score, model, started); err != nil {
		return scheduler.Result{}, err
	}
	msg := fmt.Sprintf("%d 条新闻，情绪 %.2f (%s)", len(headlines), payload.Score, payload.Sentiment)
	logger.Infof("[news] %s", msg)
	return scheduler.Result{Success: true, Message: msg}, nil
}

func (d *Deps) fetchKlines(ctx context.Context, interval string, limit int) ([]store.Kline, error) {
	ks, err := d.Market.Klines(ctx, interval, limit)
	if err != nil {
		return nil, retry.Transient(err)
	}
	if err := d.Klines.Put(ctx, d.Symbol, interval, ks, klineKeep); err != nil {
		logger.Warnf("[jobs] 写入 %s K 线缓存失败: %v", interval, err)
	}
	return ks, nil
}

func (d *Deps) runMarket1h(ctx context.Context) (scheduler.Result, error) {
	started := d.clock()
	ks, err := d.fetchKlines(ctx, "1h", limit1h)
	if err != nil {
		return scheduler.Result{}, err
	}
	payload, err := AnalyzeTrend1h(ks)
	if err != nil {
		return scheduler.Result{}, retry.Validation(err)
	}
	if err := d.put(ctx, config.JobMarket1h, signals.KindTrend1h, payload, payload.Strength, "indicators", started); err != nil {
		return scheduler.Result{}, err
	}
	msg := fmt.Sprintf("1h %s 强度 %.1f RSI %.1f", payload.Trend, payload.Strength, payload.RSI)
	logger.Infof("[market_1h] %s", msg)
	return scheduler.Result{Success: true, Message: msg}, nil
}

func (d *Deps) runMarket4h(ctx context.Context) (scheduler.Result, error) {
	started := d.clock()
	ks, err := d.fetchKlines(ctx, "4h", limit4h)
	if err != nil {
		return scheduler.Result{}, err
	}
	payload, err := AnalyzeStructure4h(ks)
	if err != nil {
		return scheduler.Result{}, retry.Validation(err)
	}
	if d.Derivatives != nil {
		if m, err := d.Derivatives.Derivatives(ctx, "4h"); err != nil {
			logger.Warnf("[market_4h] 衍生品指标获取失败: %v", err)
		} else {
			payload.FundingRate, payload.OpenInterest, payload.OIChangePct = m.FundingRate, m.OpenInterest, m.OIChangePct
		}
	}
	if err := d.put(ctx, config.JobMarket4h, signals.KindTrend4h, payload, payload.Strength, "indicators", started); err != nil {
		return scheduler.Result{}, err
	}
	msg := fmt.Sprintf("4h %s 强度 %.1f 7d %.2f%% 风险 %s", payload.PrimaryTrend, payload.Strength, payload.PriceChange7dPct, payload.RiskAssessment)
	logger.Infof("[market_4h] %s", msg)
	return scheduler.Result{Success: true, Message: msg}, nil
}

func (d *Deps) runPerformance(ctx context.Context) (scheduler.Result, error) {
	started := d.clock()
	since := started.AddDate(0, 0, -performanceDays)
	st, err := d.Trades.Performance(ctx, d.Symbol, since)
	if err != nil {
		return scheduler.Result{}, err
	}
	payload := PerformanceFromStats(st)
	confidence := 0.3
	if st.Total >= bestDirMinTrades {
		confidence = 0.6
	}
	if err := d.put(ctx, config.JobPerformance, signals.KindPerformance, payload, confidence, "stats", started); err != nil {
		return scheduler.Result{}, err
	}
	msg := fmt.Sprintf("%d 笔交易，胜率 %.0f%%，最佳方向 %s", payload.TotalTrades, payload.WinRate*100, payload.BestDirection)
	logger.Infof("[performance] %s", msg)
	return scheduler.Result{Success: true, Message: msg}, nil
}

// PerformanceFromStats 多空胜率差超过 0.1 且样本足够时才给出偏好方向。
func PerformanceFromStats(st database.PerformanceStats) signals.PerformancePayload {
	best := signals.BestBalanced
	if st.Total >= bestDirMinTrades {
		switch {
		case st.LongWinRate > st.ShortWinRate+bestDirMargin:
			best = signals.BestLong
		case st.ShortWinRate > st.LongWinRate+bestDirMargin:
			best = signals.BestShort
		}
	}
	return signals.PerformancePayload{
		WindowDays:    performanceDays,
		TotalTrades:   st.Total,
		Wins:          st.Wins,
		Losses:        st.Losses,
		WinRate:       st.WinRate,
		AvgReturnPct:  st.AvgReturnPct,
		TotalPnL:      st.TotalPnL,
		LongWinRate:   st.LongWinRate,
		ShortWinRate:  st.ShortWinRate,
		BestDirection: best,
	}
}

func (d *Deps) runCacheSweep(ctx context.Context) (scheduler.Result, error) {
	n, err := d.Cache.SweepExpired(ctx)
	if err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Result{Success: true, Message: fmt.Sprintf("清理 %d 条过期信号", n)}, nil
}
