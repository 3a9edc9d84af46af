package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/exchange"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/store"
)

// ErrNoExchangePosition 交易所侧无持仓。
var ErrNoExchangePosition = errors.New("交易所无持仓")

const quoteAsset = "USDT"

// Client USDT-M 合约单品种连接器，实现 exchange.Connector 与 exchange.PriceSource。
type Client struct {
	api    *futures.Client
	symbol string

	mu       sync.RWMutex
	lotSize  float64
	tickSize float64
}

var _ exchange.Connector = (*Client)(nil)
var _ exchange.PriceSource = (*Client)(nil)

// NewClient 按 [exchange] 配置创建；testnet 为包级开关。
func NewClient(cfg config.ExchangeConfig, symbol string) *Client {
	if cfg.Testnet {
		futures.UseTestnet = true
		logger.Warnf("[binance] 使用 Futures Testnet")
	}
	return &Client{
		api:      binance.NewFuturesClient(cfg.APIKey, cfg.SecretKey),
		symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		lotSize:  cfg.LotSize,
		tickSize: cfg.TickSize,
	}
}

// Symbol 交易品种。
func (c *Client) Symbol() string { return c.symbol }

// LotSize 当前使用的数量步进。
func (c *Client) LotSize() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lotSize
}

// LoadFilters 从 exchangeInfo 读取 LOT_SIZE/PRICE_FILTER，失败时保留配置值。
func (c *Client) LoadFilters(ctx context.Context) error {
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("读取 exchangeInfo 失败: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != c.symbol {
			continue
		}
		lot, tick := 0.0, 0.0
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				lot = parseFilterValue(f["stepSize"])
			case "PRICE_FILTER":
				tick = parseFilterValue(f["tickSize"])
			}
		}
		c.mu.Lock()
		if lot > 0 {
			c.lotSize = lot
		}
		if tick > 0 {
			c.tickSize = tick
		}
		c.mu.Unlock()
		logger.Infof("[binance] %s 精度: lot=%v tick=%v", c.symbol, c.LotSize(), tick)
		return nil
	}
	return fmt.Errorf("exchangeInfo 中未找到 %s", c.symbol)
}

func parseFilterValue(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func (c *Client) SetLeverage(ctx context.Context, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("杠杆非法: %d", leverage)
	}
	if _, err := c.api.NewChangeLeverageService().Symbol(c.symbol).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("设置杠杆失败: %w", err)
	}
	return nil
}

func (c *Client) OpenMarket(ctx context.Context, side exchange.Side, amount float64) (exchange.Fill, error) {
	qty := c.formatQty(amount)
	if qty == "" {
		return exchange.Fill{}, fmt.Errorf("下单数量不足最小步进: %v", amount)
	}
	res, err := c.api.NewCreateOrderService().
		Symbol(c.symbol).
		Side(entrySide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return exchange.Fill{}, fmt.Errorf("市价开仓失败: %w", err)
	}
	fill := exchange.Fill{
		OrderID: strconv.FormatInt(res.OrderID, 10),
		Price:   parseFloat(res.AvgPrice),
		Amount:  parseFloat(res.ExecutedQuantity),
	}
	if fill.Amount <= 0 {
		fill.Amount, _ = strconv.ParseFloat(qty, 64)
	}
	if fill.Price <= 0 {
		if px, err := c.LatestPrice(ctx); err == nil {
			fill.Price = px
		}
	}
	return fill, nil
}

func (c *Client) PlaceStopLoss(ctx context.Context, side exchange.Side, amount, triggerPrice float64) (exchange.Order, error) {
	return c.placeProtective(ctx, futures.OrderTypeStopMarket, side, amount, triggerPrice)
}

func (c *Client) PlaceTakeProfit(ctx context.Context, side exchange.Side, amount, triggerPrice float64) (exchange.Order, error) {
	return c.placeProtective(ctx, futures.OrderTypeTakeProfitMarket, side, amount, triggerPrice)
}

// placeProtective 以标记价格触发的 reduce-only 市价单保护持仓。
func (c *Client) placeProtective(ctx context.Context, typ futures.OrderType, side exchange.Side, amount, triggerPrice float64) (exchange.Order, error) {
	qty := c.formatQty(amount)
	if qty == "" {
		return exchange.Order{}, fmt.Errorf("保护单数量非法: %v", amount)
	}
	res, err := c.api.NewCreateOrderService().
		Symbol(c.symbol).
		Side(entrySide(side.Opposite())).
		Type(typ).
		StopPrice(c.formatPrice(triggerPrice)).
		Quantity(qty).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return exchange.Order{}, fmt.Errorf("%s 下单失败: %w", typ, err)
	}
	return exchange.Order{
		OrderID:      strconv.FormatInt(res.OrderID, 10),
		TriggerPrice: triggerPrice,
		Amount:       parseFloat(qty),
		Type:         string(typ),
	}, nil
}

func (c *Client) PositionStatus(ctx context.Context) (exchange.PositionStatus, error) {
	risks, err := c.api.NewGetPositionRiskService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return exchange.PositionStatus{}, fmt.Errorf("读取持仓失败: %w", err)
	}
	for _, p := range risks {
		if p.Symbol != "" && p.Symbol != c.symbol {
			continue
		}
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := exchange.SideLong
		if amt < 0 {
			side = exchange.SideShort
		}
		return exchange.PositionStatus{
			IsOpen:        true,
			Side:          side,
			Amount:        math.Abs(amt),
			EntryPrice:    parseFloat(p.EntryPrice),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
		}, nil
	}
	return exchange.PositionStatus{}, nil
}

func (c *Client) ClosePosition(ctx context.Context) (exchange.CloseFill, error) {
	st, err := c.PositionStatus(ctx)
	if err != nil {
		return exchange.CloseFill{}, err
	}
	if !st.IsOpen {
		return exchange.CloseFill{}, ErrNoExchangePosition
	}
	res, err := c.api.NewCreateOrderService().
		Symbol(c.symbol).
		Side(entrySide(st.Side.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(c.formatQty(st.Amount)).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return exchange.CloseFill{}, fmt.Errorf("市价平仓失败: %w", err)
	}
	out := exchange.CloseFill{OrderID: strconv.FormatInt(res.OrderID, 10), ExitPrice: parseFloat(res.AvgPrice)}
	if out.ExitPrice <= 0 {
		if px, err := c.LatestPrice(ctx); err == nil {
			out.ExitPrice = px
		}
	}
	return out, nil
}

func (c *Client) CancelAllOrders(ctx context.Context) error {
	if err := c.api.NewCancelAllOpenOrdersService().Symbol(c.symbol).Do(ctx); err != nil {
		return fmt.Errorf("撤销挂单失败: %w", err)
	}
	return nil
}

func (c *Client) AvailableBalance(ctx context.Context) (float64, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("读取账户失败: %w", err)
	}
	for _, a := range acct.Assets {
		if a.Asset == quoteAsset {
			return parseFloat(a.AvailableBalance), nil
		}
	}
	return 0, nil
}

// LatestPrice 最新成交价（REST）。
func (c *Client) LatestPrice(ctx context.Context) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("读取价格失败: %w", err)
	}
	for _, p := range prices {
		if p.Symbol == c.symbol {
			if v := parseFloat(p.Price); v > 0 {
				return v, nil
			}
		}
	}
	return 0, fmt.Errorf("未返回 %s 价格", c.symbol)
}

// Klines 拉取最近 limit 根 K 线。
func (c *Client) Klines(ctx context.Context, interval string, limit int) ([]store.Kline, error) {
	rows, err := c.api.NewKlinesService().Symbol(c.symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取 %s K 线失败: %w", interval, err)
	}
	out := make([]store.Kline, 0, len(rows))
	for _, k := range rows {
		out = append(out, store.Kline{
			OpenTime:  k.OpenTime,
			CloseTime: k.CloseTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return out, nil
}

func entrySide(side exchange.Side) futures.SideType {
	if side == exchange.SideShort {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func (c *Client) formatQty(amount float64) string {
	return formatStep(amount, c.LotSize(), true)
}

func (c *Client) formatPrice(price float64) string {
	c.mu.RLock()
	tick := c.tickSize
	c.mu.RUnlock()
	return formatStep(price, tick, false)
}

// formatStep 按步进取整（数量向下，价格就近）并输出对应精度的字符串；结果为 0 时返回空串。
func formatStep(v, step float64, floor bool) string {
	if v <= 0 {
		return ""
	}
	d := decimal.NewFromFloat(v)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		q := d.Div(s)
		if floor {
			q = q.Floor()
		} else {
			q = q.Round(0)
		}
		d = q.Mul(s)
		if exp := s.Exponent(); exp < 0 {
			if d.IsZero() {
				return ""
			}
			return d.StringFixed(-exp)
		}
	}
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
