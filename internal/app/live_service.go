package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/decision"
	"github.com/GETSUNWOO/futures-encho/internal/exchange"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/notifier"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/pkg/format"
	"github.com/GETSUNWOO/futures-encho/internal/position"
)

// Positions 前台循环需要的仓位管理接口。
type Positions interface {
	Snapshot() position.Position
	RealizedPnL() float64
	DailyPnL() float64
	Reconcile(ctx context.Context, price float64) error
	CheckTriggers(price float64) position.Trigger
	Close(ctx context.Context, reason string) (position.CloseResult, error)
}

// Decider 单轮决策。
type Decider interface {
	Step(ctx context.Context, price float64) (decision.Outcome, error)
}

// ReadyGate 调度器就绪状态。
type ReadyGate interface {
	Ready() bool
}

// LiveOptions 前台循环参数。
type LiveOptions struct {
	Symbol        string
	Mode          string
	MainInterval  time.Duration
	CheckInterval time.Duration
}

// LiveService 前台循环：有持仓时按检查周期对账并检查止损/止盈，空仓时按主周期执行决策。
type LiveService struct {
	opts      LiveOptions
	prices    exchange.PriceSource
	balance   decision.BalanceSource
	positions Positions
	decider   Decider
	gate      ReadyGate
	tg        notifier.TextNotifier
	lastDec   *lastDecisionCache

	mu           sync.Mutex
	lastPrice    float64
	lastPriceAt  time.Time
	nextDecision time.Time
	startedAt    time.Time

	now func() time.Time
}

func NewLiveService(opts LiveOptions, prices exchange.PriceSource, balance decision.BalanceSource, positions Positions, decider Decider, gate ReadyGate, tg notifier.TextNotifier) *LiveService {
	if opts.MainInterval <= 0 {
		opts.MainInterval = time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if tg == nil {
		tg = notifier.Noop{}
	}
	return &LiveService{
		opts:      opts,
		prices:    prices,
		balance:   balance,
		positions: positions,
		decider:   decider,
		gate:      gate,
		tg:        tg,
		lastDec:   newLastDecisionCache(2 * opts.MainInterval),
		now:       time.Now,
	}
}

// Run 运行直到 ctx 取消。
func (s *LiveService) Run(ctx context.Context) error {
	if s == nil || s.positions == nil || s.decider == nil || s.prices == nil {
		return fmt.Errorf("live service not initialized")
	}
	s.mu.Lock()
	s.startedAt = s.now()
	s.mu.Unlock()

	human := format.Duration(s.opts.MainInterval)
	logger.Infof("[live] 启动完成：%s 模式=%s，空仓时每 %s 决策一次，持仓时每 %s 检查一次",
		s.opts.Symbol, s.opts.Mode, human, format.Duration(s.opts.CheckInterval))
	s.send(fmt.Sprintf("Encho 启动成功 ✅\n标的: %s  模式: %s\n决策周期: %s", s.opts.Symbol, s.opts.Mode, human))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[live] 停止")
			return nil
		case <-timer.C:
			timer.Reset(s.tick(ctx))
		}
	}
}

// tick 执行一轮循环并返回下一次等待时长。
func (s *LiveService) tick(ctx context.Context) time.Duration {
	price, err := s.prices.LatestPrice(ctx)
	if err != nil || price <= 0 {
		logger.Warnf("[live] 获取价格失败: %v", err)
		return s.opts.CheckInterval
	}
	s.mu.Lock()
	s.lastPrice = price
	s.lastPriceAt = s.now()
	s.mu.Unlock()

	if err := s.positions.Reconcile(ctx, price); err != nil {
		logger.Warnf("[live] 对账失败: %v", err)
	}
	if s.positions.Snapshot().IsOpen() {
		s.checkPosition(ctx, price)
		return s.opts.CheckInterval
	}

	if s.gate != nil && !s.gate.Ready() {
		logger.Debugf("[live] 调度器未就绪，跳过决策")
		return s.opts.CheckInterval
	}
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.nextDecision)
	s.mu.Unlock()
	if !due {
		return s.untilNextDecision(now)
	}
	s.mu.Lock()
	s.nextDecision = now.Add(s.opts.MainInterval)
	s.mu.Unlock()

	s.decide(ctx, price)
	if s.positions.Snapshot().IsOpen() {
		return s.opts.CheckInterval
	}
	return s.untilNextDecision(s.now())
}

func (s *LiveService) untilNextDecision(now time.Time) time.Duration {
	s.mu.Lock()
	wait := s.nextDecision.Sub(now)
	s.mu.Unlock()
	if wait <= 0 {
		return time.Millisecond
	}
	if wait > s.opts.CheckInterval {
		return s.opts.CheckInterval
	}
	return wait
}

func (s *LiveService) checkPosition(ctx context.Context, price float64) {
	trig := s.positions.CheckTriggers(price)
	if trig == position.TriggerNone {
		return
	}
	logger.Infof("[live] 价格 %.2f 触发 %s，执行平仓", price, trig)
	if _, err := s.positions.Close(ctx, string(trig)); err != nil {
		if errors.Is(err, position.ErrAlreadyClosing) || errors.Is(err, position.ErrNoPosition) {
			return
		}
		logger.Errorf("[live] 平仓失败，下轮重试: %v", err)
		s.send(fmt.Sprintf("平仓失败 ❌ (%s)\n%v", trig, err))
	}
}

func (s *LiveService) decide(ctx context.Context, price float64) {
	start := s.now()
	out, err := s.decider.Step(ctx, price)
	s.lastDec.Set(out, price, s.now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("[live] 决策执行失败 trace=%s: %v", out.TraceID, err)
		s.send(fmt.Sprintf("决策执行失败 ❌\ntrace: %s\n%v", out.TraceID, err))
		return
	}
	logger.Infof("[live] 决策结束 trace=%s 结果=%s 方向=%s 耗时=%s",
		out.TraceID, out.Action, out.Decision.Direction, format.Duration(s.now().Sub(start)))
	for _, w := range out.Warnings {
		logger.Debugf("[live] trace=%s 提示: %s", out.TraceID, w)
	}
	if out.Action == decision.ActionRejected {
		s.send(fmt.Sprintf("仓位计算拒绝 ⛔\n方向: %s\n原因: %s", out.Decision.Direction, out.Reason))
	}
}

func (s *LiveService) send(text string) {
	if err := s.tg.SendText(text); err != nil {
		logger.Warnf("[live] 推送通知失败: %v", err)
	}
}

// LiveStatus 交易侧状态快照。
type LiveStatus struct {
	Symbol       string            `json:"symbol"`
	Mode         string            `json:"mode"`
	Price        float64           `json:"price"`
	PriceAt      time.Time         `json:"price_at,omitempty"`
	Position     position.Position `json:"position"`
	PositionDesc string            `json:"position_desc"`
	Balance      *float64          `json:"balance,omitempty"`
	RealizedPnL  string            `json:"realized_pnl"`
	DailyPnL     string            `json:"daily_pnl"`
	NextDecision time.Time         `json:"next_decision,omitempty"`
	Uptime       string            `json:"uptime"`
	LastDecision *decisionMemory   `json:"last_decision,omitempty"`
}

// StatusSnapshot 供状态接口使用。余额查询失败时省略余额。
func (s *LiveService) StatusSnapshot(ctx context.Context) any {
	now := s.now()
	s.mu.Lock()
	st := LiveStatus{
		Symbol:       s.opts.Symbol,
		Mode:         s.opts.Mode,
		Price:        s.lastPrice,
		PriceAt:      s.lastPriceAt,
		NextDecision: s.nextDecision,
		Uptime:       format.Duration(now.Sub(s.startedAt)),
	}
	s.mu.Unlock()

	st.Position = s.positions.Snapshot()
	st.PositionDesc = describePosition(st.Position)
	st.RealizedPnL = format.USD(s.positions.RealizedPnL())
	st.DailyPnL = format.USD(s.positions.DailyPnL())
	st.LastDecision = s.lastDec.Snapshot(now)
	if s.balance != nil {
		if b, err := s.balance.AvailableBalance(ctx); err == nil {
			st.Balance = &b
		} else {
			logger.Debugf("[live] 查询余额失败: %v", err)
		}
	}
	return st
}

func describePosition(p position.Position) string {
	if !p.IsOpen() {
		return "空仓"
	}
	parts := []string{
		fmt.Sprintf("%s %sx", strings.ToUpper(string(p.Side)), format.Float(float64(p.Leverage), 0)),
		"数量 " + format.Float(p.Amount, 6),
		"入场 " + format.Float(p.EntryPrice, 2),
		"止损 " + withPct(p.SLPrice, p.SLPct),
		"止盈 " + withPct(p.TPPrice, p.TPPct),
		"浮盈 " + format.USD(p.UnrealizedPnL),
	}
	return strings.Join(parts, " | ")
}

func withPct(price, pct float64) string {
	out := format.Float(price, 2)
	if pct > 0 {
		out += " (" + format.Percent(pct) + ")"
	}
	return out
}
