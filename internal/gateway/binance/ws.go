package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/exchange"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/metrics"
)

const (
	mainnetWSURL = "wss://fstream.binance.com/ws"
	testnetWSURL = "wss://stream.binancefuture.com/ws"

	wsReadTimeout  = 30 * time.Second
	wsPingInterval = 15 * time.Second
)

type markPriceEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// MarkPriceFeed 订阅 <symbol>@markPrice@1s，缓存最新标记价格；过期时回退 REST。
type MarkPriceFeed struct {
	url      string
	symbol   string
	fallback exchange.PriceSource
	maxAge   time.Duration

	mu    sync.RWMutex
	price float64
	at    time.Time

	now func() time.Time
}

var _ exchange.PriceSource = (*MarkPriceFeed)(nil)

func NewMarkPriceFeed(cfg config.ExchangeConfig, symbol string, fallback exchange.PriceSource) *MarkPriceFeed {
	base := strings.TrimRight(strings.TrimSpace(cfg.WSURL), "/")
	if base == "" {
		base = mainnetWSURL
		if cfg.Testnet {
			base = testnetWSURL
		}
	}
	maxAge := time.Duration(cfg.PriceMaxAge) * time.Second
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return &MarkPriceFeed{
		url:      fmt.Sprintf("%s/%s@markPrice@1s", base, strings.ToLower(symbol)),
		symbol:   symbol,
		fallback: fallback,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Run 保持连接直到 ctx 结束，断线按 1s 起步、1.8 倍、30s 封顶重连。
func (f *MarkPriceFeed) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 1.8}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connected, err := f.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}
		wait := b.Duration()
		logger.Warnf("[price-feed] %s 断开，%s 后重连: %v", f.symbol, wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *MarkPriceFeed) consume(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	logger.Infof("[price-feed] 已连接 %s", f.url)

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					logger.Warnf("[price-feed] ping 失败: %v", err)
					return
				}
			case <-pingCtx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if err := f.handle(msg); err != nil {
			logger.Debugf("[price-feed] 忽略消息: %v", err)
		}
	}
}

func (f *MarkPriceFeed) handle(msg []byte) error {
	var ev markPriceEvent
	if err := sonic.Unmarshal(msg, &ev); err != nil {
		return fmt.Errorf("解析失败: %w", err)
	}
	if ev.Event != "markPriceUpdate" {
		return fmt.Errorf("非标记价格事件: %q", ev.Event)
	}
	if ev.Symbol != "" && !strings.EqualFold(ev.Symbol, f.symbol) {
		return fmt.Errorf("品种不符: %s", ev.Symbol)
	}
	px, err := strconv.ParseFloat(ev.MarkPrice, 64)
	if err != nil || px <= 0 {
		return fmt.Errorf("价格非法: %q", ev.MarkPrice)
	}
	f.Update(px, f.now())
	return nil
}

// Update 写入最新价格。
func (f *MarkPriceFeed) Update(price float64, at time.Time) {
	f.mu.Lock()
	f.price, f.at = price, at
	f.mu.Unlock()
	metrics.PriceUpdates.WithLabelValues("ws").Inc()
}

// LatestPrice WS 价格未过期时直接返回，否则走 fallback。
func (f *MarkPriceFeed) LatestPrice(ctx context.Context) (float64, error) {
	f.mu.RLock()
	px, at := f.price, f.at
	f.mu.RUnlock()
	if px > 0 && f.now().Sub(at) <= f.maxAge {
		return px, nil
	}
	if f.fallback == nil {
		return 0, errors.New("标记价格不可用")
	}
	v, err := f.fallback.LatestPrice(ctx)
	if err != nil {
		return 0, err
	}
	metrics.PriceUpdates.WithLabelValues("rest").Inc()
	return v, nil
}
