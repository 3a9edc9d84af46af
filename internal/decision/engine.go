package decision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/exchange"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/metrics"
	"github.com/GETSUNWOO/futures-encho/internal/pkg/jsonutil"
	"github.com/GETSUNWOO/futures-encho/internal/position"
	"github.com/GETSUNWOO/futures-encho/internal/retry"
	"github.com/GETSUNWOO/futures-encho/internal/risk"
	"github.com/GETSUNWOO/futures-encho/internal/signals"
	"github.com/GETSUNWOO/futures-encho/internal/store"
)

// Action 单轮决策的结果类型。
type Action string

const (
	ActionSkipped    Action = "skipped"     // 已有持仓或正在开仓
	ActionNoPosition Action = "no_position" // 决策为观望
	ActionRejected   Action = "rejected"    // 仓位计算拒绝
	ActionOpened     Action = "opened"
	ActionFailed     Action = "failed" // 开仓失败，状态保持 Flat
)

// Positions 仓位管理器中决策层需要的部分。
type Positions interface {
	Snapshot() position.Position
	DailyPnL() float64
	Open(ctx context.Context, req position.OpenRequest) (position.OpenResult, error)
}

// BalanceSource 可用余额。
type BalanceSource interface {
	AvailableBalance(ctx context.Context) (float64, error)
}

// DecisionRecorder 决策记录落库与历史交易读取。
type DecisionRecorder interface {
	TradeHistory
	SaveDecision(ctx context.Context, rec database.DecisionRecord) (int64, error)
	LinkDecisionTrade(ctx context.Context, decisionID, tradeID int64) error
}

// Options 决策编排参数。
type Options struct {
	Symbol     string
	Risk       config.RiskConfig
	MaxAges    map[string]time.Duration
	Timeframes []Timeframe
	Klines     store.KlineStore
	Records    DecisionRecorder
	Retry      *retry.Policy
	TradeLimit int
}

// Outcome 单轮决策结果。
type Outcome struct {
	TraceID    string
	Action     Action
	Source     string
	Decision   Decision
	Sizing     *risk.SizingResult
	Position   *position.Position
	DecisionID int64
	Reason     string
	Warnings   []string
}

// Orchestrator 信号 -> oracle -> 校验/兜底 -> 调整 -> 仓位计算 -> 开仓。
type Orchestrator struct {
	oracle    Oracle
	reader    SignalReader
	positions Positions
	balance   BalanceSource
	sizer     *risk.Sizer
	opts      Options
	policy    retry.Policy

	mu          sync.Mutex
	peakBalance float64

	now func() time.Time
}

// NewOrchestrator 创建决策编排器。oracle 为空时始终使用规则兜底。
func NewOrchestrator(oracle Oracle, reader SignalReader, positions Positions, balance BalanceSource, sizer *risk.Sizer, opts Options) *Orchestrator {
	opts.Symbol = strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if len(opts.Timeframes) == 0 {
		opts.Timeframes = DefaultTimeframes()
	}
	policy := retry.LLM()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	return &Orchestrator{
		oracle:    oracle,
		reader:    reader,
		positions: positions,
		balance:   balance,
		sizer:     sizer,
		opts:      opts,
		policy:    policy,
		now:       time.Now,
	}
}

// Step 执行一轮决策。仅在 Flat 时生效；拒绝与观望不返回错误，交易所/余额错误原样返回。
func (o *Orchestrator) Step(ctx context.Context, price float64) (Outcome, error) {
	if pos := o.positions.Snapshot(); pos.Status != position.StatusFlat {
		return Outcome{Action: ActionSkipped, Reason: "已有持仓"}, nil
	}
	if price <= 0 {
		return Outcome{Action: ActionSkipped, Reason: "价格无效"}, nil
	}
	balance, err := o.balance.AvailableBalance(ctx)
	if err != nil {
		return Outcome{Action: ActionFailed, Reason: "读取余额失败"}, fmt.Errorf("读取余额失败: %w", err)
	}
	daily := o.positions.DailyPnL()

	set := LoadSignals(ctx, o.reader, o.opts.MaxAges)
	doc := BuildDocument(ctx, DocumentInput{
		Symbol:     o.opts.Symbol,
		Price:      price,
		Now:        o.now(),
		Account:    AccountSnapshot{Available: balance, DailyPnL: daily},
		Set:        set,
		Klines:     o.opts.Klines,
		Timeframes: o.opts.Timeframes,
		History:    o.opts.Records,
		TradeLimit: o.opts.TradeLimit,
	})

	out := Outcome{}
	d, raw, source, reason := o.decide(ctx, doc, set)
	if ctx.Err() != nil {
		return Outcome{Action: ActionSkipped, Reason: "已取消"}, ctx.Err()
	}
	out.Source = source
	if reason != "" {
		out.Warnings = append(out.Warnings, reason)
	}
	d, notes := Adjust(d, set, o.opts.Risk.MinConviction)
	out.Decision = d
	out.Warnings = append(out.Warnings, notes...)
	metrics.Decisions.WithLabelValues(source, string(d.Direction)).Inc()

	out.DecisionID, out.TraceID = o.record(ctx, d, source, raw, price)
	logger.Infof("[decision] trace=%s 来源=%s 方向=%s conviction=%s lev=%d sl=%.3f tp=%.3f 缺失信号=%v",
		out.TraceID, source, d.Direction, convictionString(d), d.Leverage, d.StopLossPct, d.TakeProfitPct, set.Missing)

	if !d.Direction.IsEntry() {
		out.Action = ActionNoPosition
		out.Reason = d.Reasoning
		return out, nil
	}

	sizing, err := o.size(d, balance, price, daily)
	if err != nil {
		if rej, ok := risk.AsRejection(err); ok {
			metrics.SizingRejections.WithLabelValues(string(rej.Code)).Inc()
			logger.Infof("[decision] trace=%s 仓位计算拒绝: %v", out.TraceID, rej)
			out.Action = ActionRejected
			out.Reason = rej.Error()
			return out, nil
		}
		return out, err
	}
	out.Sizing = &sizing
	out.Warnings = append(out.Warnings, sizing.Warnings...)

	side := exchange.SideLong
	if d.Direction == DirectionShort {
		side = exchange.SideShort
	}
	res, err := o.positions.Open(ctx, position.OpenRequest{
		Side:             side,
		SLFraction:       d.StopLossPct,
		TPFraction:       d.TakeProfitPct,
		Leverage:         sizing.Leverage,
		Amount:           sizing.InstrumentAmount,
		Investment:       sizing.InvestmentAmount,
		PositionFraction: sizing.PositionFraction,
		Price:            price,
	})
	if err != nil {
		if errors.Is(err, position.ErrNotFlat) {
			out.Action = ActionSkipped
			out.Reason = err.Error()
			return out, nil
		}
		out.Action = ActionFailed
		out.Reason = err.Error()
		return out, fmt.Errorf("开仓失败: %w", err)
	}
	out.Action = ActionOpened
	out.Position = &res.Position
	out.Warnings = append(out.Warnings, res.Warnings...)
	if o.opts.Records != nil && out.DecisionID > 0 && res.Position.TradeID > 0 {
		if err := o.opts.Records.LinkDecisionTrade(ctx, out.DecisionID, res.Position.TradeID); err != nil {
			logger.Warnf("[decision] trace=%s 关联交易失败: %v", out.TraceID, err)
		}
	}
	return out, nil
}

// decide 调用 oracle 并校验；不可用或非法时回退规则决策。
func (o *Orchestrator) decide(ctx context.Context, doc Document, set SignalSet) (Decision, string, string, string) {
	if o.oracle == nil {
		return Fallback(set), "", SourceFallback, "oracle 未配置，使用规则兜底"
	}
	var raw string
	err := o.policy.Do(ctx, func(ctx context.Context) error {
		out, err := o.oracle.Decide(ctx, doc)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		logger.Warnf("[decision] oracle 不可用，使用规则兜底: %v", err)
		return Fallback(set), "", SourceFallback, fmt.Sprintf("oracle 不可用: %v", err)
	}
	if js, ok := extractJSON(raw); ok {
		logger.Debugf("[decision] oracle 输出:\n%s", jsonutil.Pretty(js))
	}
	v := Validate(raw)
	if !v.Valid {
		logger.Warnf("[decision] oracle 输出非法，使用规则兜底: %s", v.Reason)
		return Fallback(set), raw, SourceFallback, "oracle 输出非法: " + v.Reason
	}
	return v.Decision, raw, SourceOracle, ""
}

// size 有 conviction 且启用 Kelly 时按 Kelly 计算，否则按固定比例。
func (o *Orchestrator) size(d Decision, balance, price, daily float64) (risk.SizingResult, error) {
	in := risk.Input{
		SLFraction:  d.StopLossPct,
		TPFraction:  d.TakeProfitPct,
		Balance:     balance,
		Price:       price,
		DailyPnL:    daily,
		MaxLeverage: d.Leverage,
		Drawdown:    o.drawdown(balance),
	}
	if o.opts.Risk.UseKelly && d.Conviction != nil {
		in.Conviction = *d.Conviction
		return o.sizer.SizePosition(in)
	}
	fraction := o.opts.Risk.FixedFraction
	if d.PositionSize > 0 {
		fraction = math.Min(fraction, d.PositionSize)
	}
	return o.sizer.SizeFixed(in, fraction, d.Leverage)
}

// drawdown 相对进程内观测到的余额峰值。
func (o *Orchestrator) drawdown(balance float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if balance > o.peakBalance {
		o.peakBalance = balance
	}
	if o.peakBalance <= 0 {
		return 0
	}
	return (o.peakBalance - balance) / o.peakBalance
}

func (o *Orchestrator) record(ctx context.Context, d Decision, source, raw string, price float64) (int64, string) {
	rec := database.DecisionRecord{
		TraceID:    uuid.NewString(),
		Direction:  string(d.Direction),
		Conviction: d.ConvictionOr(0),
		Source:     source,
		Reasoning:  d.Reasoning,
		Price:      price,
	}
	if obj, ok := extractJSON(raw); ok {
		rec.Raw = compactJSON(obj)
	} else {
		rec.Raw = strings.TrimSpace(raw)
	}
	if o.opts.Records == nil {
		return 0, rec.TraceID
	}
	id, err := o.opts.Records.SaveDecision(ctx, rec)
	if err != nil {
		logger.Warnf("[decision] trace=%s 决策落库失败: %v", rec.TraceID, err)
		return 0, rec.TraceID
	}
	return id, rec.TraceID
}

func convictionString(d Decision) string {
	if d.Conviction == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *d.Conviction)
}

// MaxAgesFromConfig 读取各信号的最大可用时长。
func MaxAgesFromConfig(jobs map[string]config.JobConfig) map[string]time.Duration {
	pairs := map[string]string{
		signals.KindNews:        config.JobNews,
		signals.KindTrend1h:     config.JobMarket1h,
		signals.KindTrend4h:     config.JobMarket4h,
		signals.KindPerformance: config.JobPerformance,
	}
	out := make(map[string]time.Duration, len(pairs))
	for kind, job := range pairs {
		if jc, ok := jobs[job]; ok {
			out[kind] = jc.MaxAge()
		}
	}
	return out
}
