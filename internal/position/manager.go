package position

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/exchange"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/metrics"
)

// TradeRecorder 交易记录落库。
type TradeRecorder interface {
	InsertTrade(ctx context.Context, rec database.TradeRecord) (int64, error)
	CloseTrade(ctx context.Context, id int64, c database.TradeClose) error
	LatestOpenTrade(ctx context.Context, symbol string) (*database.TradeRecord, error)
}

// TextNotifier 描述最小化的文本推送接口（用于 Telegram 等）。
type TextNotifier interface {
	SendText(text string) error
}

// Options 仓位管理参数。
type Options struct {
	Symbol          string
	LotSize         float64
	TriggerDebounce time.Duration
	Trades          TradeRecorder
	Notifier        TextNotifier
}

// Manager 单品种仓位状态机：Flat -> Open -> Closing -> Flat。
type Manager struct {
	ex       exchange.Connector
	trades   TradeRecorder
	notifier TextNotifier
	symbol   string
	lotSize  float64
	debounce time.Duration

	mu        sync.Mutex
	pos       Position
	opening   bool
	closing   bool
	lastCheck time.Time
	realized  float64
	daily     float64
	dailyDay  string
	onClosed  []func(CloseResult)

	now func() time.Time
}

// NewManager 创建仓位管理器。
func NewManager(ex exchange.Connector, opts Options) *Manager {
	if opts.TriggerDebounce < 0 {
		opts.TriggerDebounce = 0
	}
	return &Manager{
		ex:       ex,
		trades:   opts.Trades,
		notifier: opts.Notifier,
		symbol:   strings.ToUpper(strings.TrimSpace(opts.Symbol)),
		lotSize:  opts.LotSize,
		debounce: opts.TriggerDebounce,
		now:      time.Now,
	}
}

// OnClosed 注册平仓回调（在锁外调用）。
func (m *Manager) OnClosed(fn func(CloseResult)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onClosed = append(m.onClosed, fn)
	m.mu.Unlock()
}

// Snapshot 当前持仓快照。
func (m *Manager) Snapshot() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// RealizedPnL 启动以来的已实现盈亏。
func (m *Manager) RealizedPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized
}

// DailyPnL 当日（UTC）已实现盈亏。
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.daily
}

func (m *Manager) rollDayLocked() {
	day := m.now().UTC().Format("2006-01-02")
	if m.dailyDay != day {
		m.dailyDay = day
		m.daily = 0
	}
}

// Open 仅在 Flat 状态下开仓。设置杠杆或入场单失败时保持 Flat；
// 保护单失败时仓位仍记为 Open 并返回告警，避免丢失已成交仓位。
func (m *Manager) Open(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if req.Side != exchange.SideLong && req.Side != exchange.SideShort {
		return OpenResult{}, fmt.Errorf("方向非法: %q", req.Side)
	}
	if req.SLFraction <= 0 || req.SLFraction >= 1 || req.TPFraction <= 0 || req.TPFraction >= 1 {
		return OpenResult{}, fmt.Errorf("止损/止盈比例非法: sl=%.4f tp=%.4f", req.SLFraction, req.TPFraction)
	}
	amount := req.Amount
	if amount <= 0 && req.Price > 0 {
		amount = roundDownLot(req.Investment/req.Price, m.lotSize)
	}
	if amount <= 0 {
		return OpenResult{}, fmt.Errorf("下单数量为 0 (investment=%.2f price=%.2f)", req.Investment, req.Price)
	}
	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}

	m.mu.Lock()
	if m.pos.Status != StatusFlat || m.opening {
		m.mu.Unlock()
		return OpenResult{}, ErrNotFlat
	}
	m.opening = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.opening = false
		m.mu.Unlock()
	}()

	if err := m.ex.SetLeverage(ctx, leverage); err != nil {
		return OpenResult{}, fmt.Errorf("设置杠杆 %dx 失败: %w", leverage, err)
	}
	fill, err := m.ex.OpenMarket(ctx, req.Side, amount)
	if err != nil {
		return OpenResult{}, fmt.Errorf("市价开仓失败: %w", err)
	}
	entry := fill.Price
	if entry <= 0 {
		entry = req.Price
	}
	if fill.Amount > 0 {
		amount = fill.Amount
	}
	slPrice, tpPrice := protectivePrices(req.Side, entry, req.SLFraction, req.TPFraction)

	var warnings []string
	if _, err := m.ex.PlaceStopLoss(ctx, req.Side, amount, slPrice); err != nil {
		warnings = append(warnings, fmt.Sprintf("止损单挂单失败: %v", err))
	}
	if _, err := m.ex.PlaceTakeProfit(ctx, req.Side, amount, tpPrice); err != nil {
		warnings = append(warnings, fmt.Sprintf("止盈单挂单失败: %v", err))
	}

	openedAt := m.now()
	investment := req.Investment
	if investment <= 0 {
		investment = amount * entry
	}
	var tradeID int64
	if m.trades != nil {
		id, err := m.trades.InsertTrade(ctx, database.TradeRecord{
			Symbol:           m.symbol,
			Side:             string(req.Side),
			EntryPrice:       entry,
			Amount:           amount,
			Leverage:         leverage,
			SLPrice:          slPrice,
			TPPrice:          tpPrice,
			SLPct:            req.SLFraction,
			TPPct:            req.TPFraction,
			Investment:       investment,
			PositionFraction: req.PositionFraction,
			OpenedAt:         openedAt,
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("交易记录写入失败: %v", err))
		} else {
			tradeID = id
		}
	}

	pos := Position{
		Status:     StatusOpen,
		Side:       req.Side,
		EntryPrice: entry,
		Amount:     amount,
		Leverage:   leverage,
		SLPrice:    slPrice,
		TPPrice:    tpPrice,
		SLPct:      req.SLFraction,
		TPPct:      req.TPFraction,
		Investment: investment,
		TradeID:    tradeID,
		OpenedAt:   openedAt,
	}
	m.mu.Lock()
	m.pos = pos
	m.lastCheck = time.Time{}
	m.mu.Unlock()

	metrics.PositionsOpened.WithLabelValues(string(req.Side)).Inc()
	logger.Infof("[position] 开仓 %s %s 数量=%.6f 入场=%.2f 杠杆=%dx SL=%.2f TP=%.2f order=%s",
		m.symbol, describeSide(req.Side), amount, entry, leverage, slPrice, tpPrice, fill.OrderID)
	lines := []string{
		fmt.Sprintf("标的: %s  方向: %s  杠杆: %dx", m.symbol, describeSide(req.Side), leverage),
		fmt.Sprintf("数量: %.6f  入场: %.2f  投入: %.2f USDT", amount, entry, investment),
		fmt.Sprintf("止损: %.2f  止盈: %.2f", slPrice, tpPrice),
	}
	for _, w := range warnings {
		logger.Warnf("[position] %s", w)
		lines = append(lines, "⚠️ "+w)
	}
	m.notify("开仓成功 ✅", lines...)
	return OpenResult{Position: pos, Warnings: warnings}, nil
}

// CheckTriggers 判断是否触发止损/止盈。距上次检查不足 debounce 的调用直接返回 TriggerNone。
func (m *Manager) CheckTriggers(price float64) Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.Status != StatusOpen || price <= 0 {
		return TriggerNone
	}
	now := m.now()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.debounce {
		return TriggerNone
	}
	m.lastCheck = now
	m.pos.UnrealizedPnL, _ = realizedPnL(m.pos.Side, m.pos.EntryPrice, price, m.pos.Amount)
	return evaluateTrigger(m.pos.Side, price, m.pos.SLPrice, m.pos.TPPrice)
}

// Close 平仓。并发调用时第二个调用方得到 ErrAlreadyClosing；交易所报错时恢复为 Open 以便下次重试。
func (m *Manager) Close(ctx context.Context, reason string) (CloseResult, error) {
	pos, err := m.beginClose()
	if err != nil {
		return CloseResult{}, err
	}
	done := false
	defer m.endClose(&done)

	fill, err := m.ex.ClosePosition(ctx)
	if err != nil {
		logger.Errorf("[position] 平仓失败(%s)，保持持仓状态: %v", reason, err)
		return CloseResult{}, fmt.Errorf("平仓失败: %w", err)
	}
	res := m.finalize(ctx, pos, fill.ExitPrice, reason, fill.OrderID)
	done = true
	return res, nil
}

func (m *Manager) beginClose() (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return Position{}, ErrAlreadyClosing
	}
	if m.pos.Status != StatusOpen {
		return Position{}, ErrNoPosition
	}
	m.closing = true
	m.pos.Status = StatusClosing
	return m.pos, nil
}

func (m *Manager) endClose(done *bool) {
	m.mu.Lock()
	m.closing = false
	if !*done && m.pos.Status == StatusClosing {
		m.pos.Status = StatusOpen
	}
	m.mu.Unlock()
}

// finalize 记账并复位为 Flat，然后执行落库、通知与回调。调用方持有 closing 标记。
func (m *Manager) finalize(ctx context.Context, pos Position, exit float64, reason, orderID string) CloseResult {
	if exit <= 0 {
		exit = pos.EntryPrice
	}
	pnl, pct := realizedPnL(pos.Side, pos.EntryPrice, exit, pos.Amount)
	closedAt := m.now()
	res := CloseResult{
		Side:       pos.Side,
		Amount:     pos.Amount,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		PnL:        pnl,
		PnLPct:     pct,
		Reason:     reason,
		OrderID:    orderID,
		TradeID:    pos.TradeID,
		ClosedAt:   closedAt,
	}

	m.mu.Lock()
	m.rollDayLocked()
	m.realized += pnl
	m.daily += pnl
	realized := m.realized
	m.pos = Position{Status: StatusFlat}
	m.lastCheck = time.Time{}
	hooks := append([]func(CloseResult){}, m.onClosed...)
	m.mu.Unlock()

	if reason != ReasonReconciled {
		if err := m.ex.CancelAllOrders(ctx); err != nil {
			logger.Warnf("[position] 撤销剩余保护单失败: %v", err)
		}
	}
	if m.trades != nil && pos.TradeID > 0 {
		err := m.trades.CloseTrade(ctx, pos.TradeID, database.TradeClose{
			ExitPrice: exit, PnL: pnl, PnLPct: pct, Reason: reason, ClosedAt: closedAt,
		})
		if err != nil {
			logger.Warnf("[position] 更新交易记录 %d 失败: %v", pos.TradeID, err)
		}
	}
	metrics.PositionsClosed.WithLabelValues(reason, string(pos.Side)).Inc()
	metrics.RealizedPnL.Set(realized)
	logger.Infof("[position] 平仓(%s) %s %s 数量=%.6f 入场=%.2f 出场=%.2f 盈亏=%.2f (%.2f%%)",
		reason, m.symbol, describeSide(pos.Side), pos.Amount, pos.EntryPrice, exit, pnl, pct)
	m.notify(closeTitle(reason, pnl),
		fmt.Sprintf("标的: %s  方向: %s", m.symbol, describeSide(pos.Side)),
		fmt.Sprintf("入场: %.2f  出场: %.2f", pos.EntryPrice, exit),
		fmt.Sprintf("盈亏: %+.2f USDT (%+.2f%%)", pnl, pct),
	)
	for _, fn := range hooks {
		fn(res)
	}
	return res
}

// Reconcile 对账：交易所已无持仓而本地为 Open 时按 price 视为平仓；
// 交易所有持仓而本地为 Flat 时接管该仓位。查询失败时不改变状态。
func (m *Manager) Reconcile(ctx context.Context, price float64) error {
	status, err := m.ex.PositionStatus(ctx)
	if err != nil {
		return fmt.Errorf("查询交易所持仓失败: %w", err)
	}

	m.mu.Lock()
	local := m.pos
	busy := m.closing || m.opening
	m.mu.Unlock()
	if busy {
		return nil
	}

	switch {
	case local.Status == StatusOpen && !status.IsOpen:
		pos, err := m.beginClose()
		if err != nil {
			return nil
		}
		done := true
		defer m.endClose(&done)
		logger.Warnf("[position] 交易所已无持仓（可能被强平或保护单成交），按 %.2f 记为平仓", price)
		m.finalize(ctx, pos, price, ReasonReconciled, "")
		return nil
	case local.Status == StatusFlat && status.IsOpen:
		m.adopt(ctx, status)
		return nil
	case local.Status == StatusOpen && status.IsOpen:
		m.mu.Lock()
		if m.pos.Status == StatusOpen {
			m.pos.UnrealizedPnL = status.UnrealizedPnL
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) adopt(ctx context.Context, status exchange.PositionStatus) {
	pos := Position{
		Status:        StatusOpen,
		Side:          status.Side,
		EntryPrice:    status.EntryPrice,
		Amount:        status.Amount,
		Leverage:      1,
		UnrealizedPnL: status.UnrealizedPnL,
		OpenedAt:      m.now(),
	}
	if m.trades != nil {
		rec, err := m.trades.LatestOpenTrade(ctx, m.symbol)
		if err != nil {
			logger.Warnf("[position] 读取未平仓记录失败: %v", err)
		} else if rec != nil && rec.Side == string(status.Side) {
			pos.TradeID = rec.ID
			pos.Leverage = rec.Leverage
			pos.SLPrice = rec.SLPrice
			pos.TPPrice = rec.TPPrice
			pos.SLPct = rec.SLPct
			pos.TPPct = rec.TPPct
			pos.Investment = rec.Investment
			pos.OpenedAt = rec.OpenedAt
		}
	}
	var extra []string
	if pos.SLPrice <= 0 && pos.TPPrice <= 0 && pos.EntryPrice > 0 {
		pos.SLPct, pos.TPPct = adoptStopLoss, adoptTakeProfit
		pos.SLPrice, pos.TPPrice = protectivePrices(pos.Side, pos.EntryPrice, adoptStopLoss, adoptTakeProfit)
		logger.Warnf("[position] 接管持仓无交易记录，按默认比例本地监控 SL=%.2f TP=%.2f", pos.SLPrice, pos.TPPrice)
		extra = append(extra,
			fmt.Sprintf("止损: %.2f  止盈: %.2f (默认比例)", pos.SLPrice, pos.TPPrice),
			"⚠️ 无交易记录，交易所未挂保护单，仅本地监控")
	}
	m.mu.Lock()
	if m.pos.Status != StatusFlat || m.opening {
		m.mu.Unlock()
		return
	}
	m.pos = pos
	m.lastCheck = time.Time{}
	m.mu.Unlock()
	logger.Warnf("[position] 接管交易所持仓 %s %s 数量=%.6f 入场=%.2f trade=%d",
		m.symbol, describeSide(pos.Side), pos.Amount, pos.EntryPrice, pos.TradeID)
	lines := []string{
		fmt.Sprintf("标的: %s  方向: %s", m.symbol, describeSide(pos.Side)),
		fmt.Sprintf("数量: %.6f  入场: %.2f", pos.Amount, pos.EntryPrice),
	}
	m.notify("接管交易所持仓 ⚠️", append(lines, extra...)...)
}

func closeTitle(reason string, pnl float64) string {
	switch reason {
	case ReasonStopLoss:
		return "止损平仓 🛑"
	case ReasonTakeProfit:
		return "止盈平仓 🎯"
	case ReasonReconciled:
		return "仓位已在交易所关闭 ⚠️"
	}
	if pnl >= 0 {
		return "平仓 ✅"
	}
	return "平仓 ❌"
}

func (m *Manager) notify(title string, lines ...string) {
	if m.notifier == nil {
		return
	}
	text := title
	if len(lines) > 0 {
		text += "\n" + strings.Join(lines, "\n")
	}
	if err := m.notifier.SendText(text); err != nil {
		logger.Warnf("[position] 推送通知失败: %v", err)
	}
}
