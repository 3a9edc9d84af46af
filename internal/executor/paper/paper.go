// Package paper 模拟账户执行器，test 模式下替代交易所连接器。
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/GETSUNWOO/futures-encho/internal/exchange"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
)

var (
	ErrNoPosition  = errors.New("模拟账户无持仓")
	ErrHasPosition = errors.New("模拟账户已有持仓")
)

type simPosition struct {
	side   exchange.Side
	amount float64
	entry  float64
}

// Account 模拟账户概览。
type Account struct {
	Initial        float64 `json:"initial"`
	Balance        float64 `json:"balance"`
	TotalReturnPct float64 `json:"total_return_pct"`
	Open           bool    `json:"open"`
}

// Executor 以真实行情成交的模拟执行器。余额只在平仓时结算，不计杠杆与手续费。
type Executor struct {
	prices exchange.PriceSource

	mu      sync.Mutex
	initial decimal.Decimal
	balance decimal.Decimal
	pos     *simPosition
	seq     int64
}

var _ exchange.Connector = (*Executor)(nil)

func New(initialBalance float64, prices exchange.PriceSource) *Executor {
	logger.Infof("[paper] 模拟账户初始化: %.2f USDT", initialBalance)
	b := decimal.NewFromFloat(initialBalance)
	return &Executor{prices: prices, initial: b, balance: b}
}

func (e *Executor) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("SIM_%s%d", prefix, e.seq)
}

func (e *Executor) SetLeverage(_ context.Context, leverage int) error {
	logger.Debugf("[paper] 杠杆设置为 %dx", leverage)
	return nil
}

func (e *Executor) OpenMarket(ctx context.Context, side exchange.Side, amount float64) (exchange.Fill, error) {
	if amount <= 0 {
		return exchange.Fill{}, fmt.Errorf("数量非法: %v", amount)
	}
	px, err := e.prices.LatestPrice(ctx)
	if err != nil {
		return exchange.Fill{}, fmt.Errorf("读取成交价失败: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos != nil {
		return exchange.Fill{}, ErrHasPosition
	}
	e.pos = &simPosition{side: side, amount: amount, entry: px}
	id := e.nextID("")
	logger.Infof("[paper] 市价%s %.6f @ %.2f", side, amount, px)
	return exchange.Fill{OrderID: id, Price: px, Amount: amount}, nil
}

func (e *Executor) PlaceStopLoss(_ context.Context, side exchange.Side, amount, triggerPrice float64) (exchange.Order, error) {
	return e.protective("SL_", "stop_loss", side, amount, triggerPrice)
}

func (e *Executor) PlaceTakeProfit(_ context.Context, side exchange.Side, amount, triggerPrice float64) (exchange.Order, error) {
	return e.protective("TP_", "take_profit", side, amount, triggerPrice)
}

// protective 只生成回执；触发由仓位管理器按价格判断。
func (e *Executor) protective(prefix, typ string, side exchange.Side, amount, trigger float64) (exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil {
		return exchange.Order{}, ErrNoPosition
	}
	logger.Debugf("[paper] %s %s %.6f @ %.2f", typ, side.Opposite(), amount, trigger)
	return exchange.Order{OrderID: e.nextID(prefix), TriggerPrice: trigger, Amount: amount, Type: typ}, nil
}

func (e *Executor) PositionStatus(ctx context.Context) (exchange.PositionStatus, error) {
	e.mu.Lock()
	pos := e.pos
	e.mu.Unlock()
	if pos == nil {
		return exchange.PositionStatus{}, nil
	}
	st := exchange.PositionStatus{IsOpen: true, Side: pos.side, Amount: pos.amount, EntryPrice: pos.entry}
	if px, err := e.prices.LatestPrice(ctx); err == nil {
		st.UnrealizedPnL = pnl(pos, px).InexactFloat64()
	}
	return st, nil
}

func (e *Executor) ClosePosition(ctx context.Context) (exchange.CloseFill, error) {
	e.mu.Lock()
	if e.pos == nil {
		e.mu.Unlock()
		return exchange.CloseFill{}, ErrNoPosition
	}
	e.mu.Unlock()
	px, err := e.prices.LatestPrice(ctx)
	if err != nil {
		return exchange.CloseFill{}, fmt.Errorf("读取平仓价失败: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.pos
	if pos == nil {
		return exchange.CloseFill{}, ErrNoPosition
	}
	profit := pnl(pos, px)
	e.balance = e.balance.Add(profit)
	e.pos = nil
	logger.Infof("[paper] 平仓 %s %.6f @ %.2f 盈亏=%s 余额=%s", pos.side, pos.amount, px, profit.StringFixed(2), e.balance.StringFixed(2))
	return exchange.CloseFill{OrderID: e.nextID("CLOSE_"), ExitPrice: px}, nil
}

func (e *Executor) CancelAllOrders(context.Context) error { return nil }

func (e *Executor) AvailableBalance(context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance.InexactFloat64(), nil
}

// Account 当前模拟账户概览。
func (e *Executor) Account() Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Account{
		Initial: e.initial.InexactFloat64(),
		Balance: e.balance.InexactFloat64(),
		Open:    e.pos != nil,
	}
	if !e.initial.IsZero() {
		out.TotalReturnPct = e.balance.Sub(e.initial).Div(e.initial).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return out
}

// Reset 清空持仓并恢复余额；balance<=0 时沿用初始值。
func (e *Executor) Reset(balance float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if balance > 0 {
		e.initial = decimal.NewFromFloat(balance)
	}
	e.balance = e.initial
	e.pos = nil
	e.seq = 0
	logger.Infof("[paper] 模拟账户重置为 %s USDT", e.initial.StringFixed(2))
}

func pnl(pos *simPosition, px float64) decimal.Decimal {
	diff := decimal.NewFromFloat(px).Sub(decimal.NewFromFloat(pos.entry))
	if pos.side == exchange.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(pos.amount))
}
