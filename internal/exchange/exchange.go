package exchange

import (
	"context"
	"fmt"
	"strings"
)

// Side 仓位方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide 解析 long/short（也接受 LONG/SHORT、buy/sell）。
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return "", fmt.Errorf("未知方向: %q", s)
	}
}

// Opposite 平仓方向。
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Fill 市价成交。
type Fill struct {
	OrderID string
	Price   float64
	Amount  float64
}

// Order 挂单回执。
type Order struct {
	OrderID      string
	TriggerPrice float64
	Amount       float64
	Type         string
}

// PositionStatus 交易所侧的持仓。
type PositionStatus struct {
	IsOpen        bool
	Side          Side
	Amount        float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// CloseFill 平仓成交。
type CloseFill struct {
	OrderID   string
	ExitPrice float64
}

// Connector 单一合约品种的下单接口。保护单的 side 参数为持仓方向，由实现换算为平仓方向。
type Connector interface {
	SetLeverage(ctx context.Context, leverage int) error
	OpenMarket(ctx context.Context, side Side, amount float64) (Fill, error)
	PlaceStopLoss(ctx context.Context, side Side, amount, triggerPrice float64) (Order, error)
	PlaceTakeProfit(ctx context.Context, side Side, amount, triggerPrice float64) (Order, error)
	PositionStatus(ctx context.Context) (PositionStatus, error)
	ClosePosition(ctx context.Context) (CloseFill, error)
	CancelAllOrders(ctx context.Context) error
	AvailableBalance(ctx context.Context) (float64, error)
}

// PriceSource 最新成交/标记价格。
type PriceSource interface {
	LatestPrice(ctx context.Context) (float64, error)
}
