package position

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GETSUNWOO/futures-encho/internal/exchange"
)

var (
	ErrNotFlat        = errors.New("已有持仓或正在开仓")
	ErrNoPosition     = errors.New("当前无持仓")
	ErrAlreadyClosing = errors.New("平仓进行中")
)

// Status 仓位状态。
type Status int

const (
	StatusFlat Status = iota
	StatusOpen
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	default:
		return "flat"
	}
}

// Trigger 止损/止盈触发结果。
type Trigger string

const (
	TriggerNone       Trigger = ""
	TriggerStopLoss   Trigger = "stop_loss"
	TriggerTakeProfit Trigger = "take_profit"
)

// 平仓原因
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonManual     = "manual"
	ReasonReconciled = "reconciled"
)

// Position 当前持仓快照。
type Position struct {
	Status        Status        `json:"status"`
	Side          exchange.Side `json:"side,omitempty"`
	EntryPrice    float64       `json:"entry_price,omitempty"`
	Amount        float64       `json:"amount,omitempty"`
	Leverage      int           `json:"leverage,omitempty"`
	SLPrice       float64       `json:"sl_price,omitempty"`
	TPPrice       float64       `json:"tp_price,omitempty"`
	SLPct         float64       `json:"sl_pct,omitempty"`
	TPPct         float64       `json:"tp_pct,omitempty"`
	Investment    float64       `json:"investment,omitempty"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	TradeID       int64         `json:"trade_id,omitempty"`
	OpenedAt      time.Time     `json:"opened_at,omitempty"`
}

// IsOpen 是否处于 Open/Closing。
func (p Position) IsOpen() bool {
	return p.Status == StatusOpen || p.Status == StatusClosing
}

// OpenRequest 开仓参数。Amount 为空时按 Investment/Price 向下取整到最小步进。
type OpenRequest struct {
	Side             exchange.Side
	SLFraction       float64
	TPFraction       float64
	Leverage         int
	Amount           float64
	Investment       float64
	PositionFraction float64
	Price            float64
}

// OpenResult 开仓结果，保护单失败时 Warnings 非空但仓位仍被跟踪。
type OpenResult struct {
	Position Position
	Warnings []string
}

// CloseResult 平仓结果。
type CloseResult struct {
	Side       exchange.Side `json:"side"`
	Amount     float64       `json:"amount"`
	EntryPrice float64       `json:"entry_price"`
	ExitPrice  float64       `json:"exit_price"`
	PnL        float64       `json:"pnl"`
	PnLPct     float64       `json:"pnl_pct"`
	Reason     string        `json:"reason"`
	OrderID    string        `json:"order_id,omitempty"`
	TradeID    int64         `json:"trade_id,omitempty"`
	ClosedAt   time.Time     `json:"closed_at"`
}

// protectivePrices 根据入场价与比例计算止损/止盈价（保留两位小数）。
// 接管无交易记录的持仓时使用的止损/止盈比例。
const (
	adoptStopLoss   = 0.03
	adoptTakeProfit = 0.06
)

func protectivePrices(side exchange.Side, entry, slPct, tpPct float64) (sl, tp float64) {
	switch side {
	case exchange.SideShort:
		sl = entry * (1 + slPct)
		tp = entry * (1 - tpPct)
	default:
		sl = entry * (1 - slPct)
		tp = entry * (1 + tpPct)
	}
	return round2(sl), round2(tp)
}

// evaluateTrigger 做多：价格<=止损触发止损，>=止盈触发止盈；做空相反。止损优先。
func evaluateTrigger(side exchange.Side, price, sl, tp float64) Trigger {
	if price <= 0 {
		return TriggerNone
	}
	switch side {
	case exchange.SideLong:
		if sl > 0 && price <= sl {
			return TriggerStopLoss
		}
		if tp > 0 && price >= tp {
			return TriggerTakeProfit
		}
	case exchange.SideShort:
		if sl > 0 && price >= sl {
			return TriggerStopLoss
		}
		if tp > 0 && price <= tp {
			return TriggerTakeProfit
		}
	}
	return TriggerNone
}

// realizedPnL 返回盈亏金额与价格变动百分比。
func realizedPnL(side exchange.Side, entry, exit, amount float64) (pnl, pct float64) {
	if entry <= 0 {
		return 0, 0
	}
	if side == exchange.SideShort {
		return (entry - exit) * amount, (1 - exit/entry) * 100
	}
	return (exit - entry) * amount, (exit/entry - 1) * 100
}

func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

func roundDownLot(amount, lot float64) float64 {
	if amount <= 0 {
		return 0
	}
	if lot <= 0 {
		return amount
	}
	l := decimal.NewFromFloat(lot)
	f, _ := decimal.NewFromFloat(amount).Div(l).Floor().Mul(l).Float64()
	return f
}

func describeSide(s exchange.Side) string {
	return strings.ToUpper(string(s))
}
