package binance

import (
	"context"
	"fmt"
)

// DerivativesMetrics 资金费率与未平仓量。
type DerivativesMetrics struct {
	MarkPrice    float64 `json:"mark_price"`
	FundingRate  float64 `json:"funding_rate"` // 例如 0.0001 即 0.01%
	OpenInterest float64 `json:"open_interest"`
	OIChangePct  float64 `json:"oi_change_pct"` // 相对 period*limit 之前的变化
}

// FundingRate 获取最新资金费率与标记价格。
func (c *Client) FundingRate(ctx context.Context) (rate, mark float64, err error) {
	rows, err := c.api.NewPremiumIndexService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("读取资金费率失败: %w", err)
	}
	for _, r := range rows {
		if r.Symbol == c.symbol {
			return parseFloat(r.LastFundingRate), parseFloat(r.MarkPrice), nil
		}
	}
	return 0, 0, fmt.Errorf("未返回 %s 资金费率", c.symbol)
}

// OpenInterest 当前未平仓量（张数）。
func (c *Client) OpenInterest(ctx context.Context) (float64, error) {
	res, err := c.api.NewGetOpenInterestService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("读取未平仓量失败: %w", err)
	}
	return parseFloat(res.OpenInterest), nil
}

// OpenInterestChange OI 历史首尾变化百分比。
func (c *Client) OpenInterestChange(ctx context.Context, period string, limit int) (float64, error) {
	if limit <= 0 {
		limit = 30
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := c.api.NewOpenInterestStatisticsService().Symbol(c.symbol).Period(period).Limit(limit).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("读取 OI 历史失败: %w", err)
	}
	if len(rows) < 2 {
		return 0, nil
	}
	first := parseFloat(rows[0].SumOpenInterest)
	last := parseFloat(rows[len(rows)-1].SumOpenInterest)
	if first <= 0 {
		return 0, nil
	}
	return (last - first) / first * 100, nil
}

// Derivatives 汇总衍生品指标；OI 历史失败不影响其余字段。
func (c *Client) Derivatives(ctx context.Context, period string) (DerivativesMetrics, error) {
	var out DerivativesMetrics
	rate, mark, err := c.FundingRate(ctx)
	if err != nil {
		return out, err
	}
	out.FundingRate, out.MarkPrice = rate, mark
	if out.OpenInterest, err = c.OpenInterest(ctx); err != nil {
		return out, err
	}
	if chg, err := c.OpenInterestChange(ctx, period, 30); err == nil {
		out.OIChangePct = chg
	}
	return out, nil
}
