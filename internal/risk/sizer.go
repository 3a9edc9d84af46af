package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/GETSUNWOO/futures-encho/internal/config"
)

// Method 仓位计算方式。
type Method string

const (
	MethodKelly Method = "kelly"
	MethodFixed Method = "fixed"
)

// RejectCode 拒绝原因分类。
type RejectCode string

const (
	RejectLowConviction  RejectCode = "low_conviction"
	RejectInvalidInput   RejectCode = "invalid_input"
	RejectKellyTooSmall  RejectCode = "kelly_too_small"
	RejectMinInvestment  RejectCode = "min_investment"
	RejectBelowLot       RejectCode = "below_lot"
	RejectDailyLossLimit RejectCode = "daily_loss_limit"
	RejectDailyLossScale RejectCode = "daily_loss_scale"
)

// Rejection 仓位被拒绝，作为 error 返回。
type Rejection struct {
	Code   RejectCode
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("仓位被拒绝(%s): %s", r.Code, r.Reason)
}

// AsRejection 提取 Rejection。
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

func reject(code RejectCode, format string, args ...any) (SizingResult, error) {
	return SizingResult{}, &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Input 仓位计算输入。
type Input struct {
	Conviction  float64
	SLFraction  float64
	TPFraction  float64
	Balance     float64
	Price       float64
	DailyPnL    float64
	MaxLeverage int
	// Drawdown 当前自峰值回撤比例，仅用于告警。
	Drawdown float64
}

// RiskMetrics 风险指标。
type RiskMetrics struct {
	MaxLossAmount   float64 `json:"max_loss_amount"`
	MaxLossPercent  float64 `json:"max_loss_percent"`
	RiskRewardRatio float64 `json:"risk_reward_ratio"`
	ExpectedGain    float64 `json:"expected_gain"`
}

// Details 计算过程中的中间量。
type Details struct {
	WinLossRatio        float64 `json:"win_loss_ratio"`
	RawKelly            float64 `json:"raw_kelly"`
	AdjustedKelly       float64 `json:"adjusted_kelly"`
	RequestedInvestment float64 `json:"requested_investment"`
	DailyLossScale      float64 `json:"daily_loss_scale"`
}

// SizingResult 仓位计算结果。
type SizingResult struct {
	Method           Method      `json:"method"`
	PositionFraction float64     `json:"position_fraction"`
	InvestmentAmount float64     `json:"investment_amount"`
	InstrumentAmount float64     `json:"instrument_amount"`
	Leverage         int         `json:"leverage"`
	RiskMetrics      RiskMetrics `json:"risk_metrics"`
	Details          Details     `json:"details"`
	Warnings         []string    `json:"warnings,omitempty"`
}

// Sizer 仓位计算器，无状态，相同输入得到相同输出。
type Sizer struct {
	cfg     config.RiskConfig
	lotSize float64
}

// NewSizer 创建仓位计算器。lotSize 为交易所最小下单步进。
func NewSizer(cfg config.RiskConfig, lotSize float64) *Sizer {
	return &Sizer{cfg: cfg, lotSize: lotSize}
}

// SizePosition 凯利公式仓位计算。
func (s *Sizer) SizePosition(in Input) (SizingResult, error) {
	p := in.Conviction
	if p < s.cfg.MinConviction {
		return reject(RejectLowConviction, "信心度 %.2f 低于阈值 %.2f", p, s.cfg.MinConviction)
	}
	if err := validateInput(in); err != nil {
		return SizingResult{}, err
	}

	b := in.TPFraction / in.SLFraction
	kelly := p - (1-p)/b
	adjusted := kelly * s.cfg.KellyFraction
	fraction := math.Min(adjusted, s.cfg.MaxPositionSize)
	if fraction <= s.cfg.MinPositionFraction {
		return reject(RejectKellyTooSmall, "凯利仓位 %.4f 过小(阈值 %.2f)", fraction, s.cfg.MinPositionFraction)
	}

	lev := s.kellyLeverage(p, in.SLFraction, in.MaxLeverage)
	res, err := s.finish(in, fraction, lev)
	if err != nil {
		return SizingResult{}, err
	}
	res.Method = MethodKelly
	res.Details.WinLossRatio = b
	res.Details.RawKelly = kelly
	res.Details.AdjustedKelly = adjusted
	res.RiskMetrics.ExpectedGain = res.InvestmentAmount * in.TPFraction * float64(res.Leverage) * p
	return res, nil
}

// SizeFixed 固定比例仓位，用于决策未给出信心度时。
func (s *Sizer) SizeFixed(in Input, fraction float64, leverage int) (SizingResult, error) {
	if err := validateInput(in); err != nil {
		return SizingResult{}, err
	}
	if fraction <= 0 {
		fraction = s.cfg.FixedFraction
	}
	fraction = math.Min(fraction, s.cfg.MaxPositionSize)
	if fraction <= 0 {
		return reject(RejectInvalidInput, "固定仓位比例非法: %.4f", fraction)
	}
	if leverage <= 0 {
		leverage = s.cfg.FixedLeverage
	}
	lev := s.capLeverage(leverage, in.SLFraction, in.MaxLeverage)
	res, err := s.finish(in, fraction, lev)
	if err != nil {
		return SizingResult{}, err
	}
	res.Method = MethodFixed
	if in.SLFraction > 0 {
		res.Details.WinLossRatio = in.TPFraction / in.SLFraction
	}
	p := in.Conviction
	if p <= 0 {
		p = 0.5
	}
	res.RiskMetrics.ExpectedGain = res.InvestmentAmount * in.TPFraction * float64(res.Leverage) * p
	return res, nil
}

func validateInput(in Input) error {
	switch {
	case in.Conviction < 0 || in.Conviction > 1:
		return &Rejection{Code: RejectInvalidInput, Reason: fmt.Sprintf("信心度超出范围: %.4f", in.Conviction)}
	case in.SLFraction <= 0 || in.SLFraction >= 1:
		return &Rejection{Code: RejectInvalidInput, Reason: fmt.Sprintf("止损比例超出范围: %.4f", in.SLFraction)}
	case in.TPFraction <= 0 || in.TPFraction >= 1:
		return &Rejection{Code: RejectInvalidInput, Reason: fmt.Sprintf("止盈比例超出范围: %.4f", in.TPFraction)}
	case in.Balance <= 0:
		return &Rejection{Code: RejectInvalidInput, Reason: fmt.Sprintf("可用余额非法: %.2f", in.Balance)}
	case in.Price <= 0:
		return &Rejection{Code: RejectInvalidInput, Reason: fmt.Sprintf("价格非法: %.2f", in.Price)}
	}
	return nil
}

// kellyLeverage min(floor(p*scale), floor(capFraction/sl), maxLeverage)，至少为 1。
func (s *Sizer) kellyLeverage(p, sl float64, maxLeverage int) int {
	byConviction := floorInt(p * s.cfg.LeverageScale)
	bySL := floorInt(s.cfg.LeverageCapFraction / sl)
	lev := byConviction
	if bySL < lev {
		lev = bySL
	}
	return s.capLeverage(lev, sl, maxLeverage)
}

func (s *Sizer) capLeverage(lev int, sl float64, maxLeverage int) int {
	limit := s.cfg.MaxLeverage
	if maxLeverage > 0 && (limit <= 0 || maxLeverage < limit) {
		limit = maxLeverage
	}
	if limit > 0 && lev > limit {
		lev = limit
	}
	if s.cfg.VolatileSLThreshold > 0 && sl >= s.cfg.VolatileSLThreshold &&
		s.cfg.VolatileMaxLeverage > 0 && lev > s.cfg.VolatileMaxLeverage {
		lev = s.cfg.VolatileMaxLeverage
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

// finish 计算投入金额、按最小步进取整并做日亏损限制。
func (s *Sizer) finish(in Input, fraction float64, lev int) (SizingResult, error) {
	requested := in.Balance * fraction
	investment := requested
	if investment < s.cfg.MinInvestment {
		investment = s.cfg.MinInvestment
		if limit := in.Balance * s.cfg.MaxPositionSize; investment > limit {
			return reject(RejectMinInvestment, "最小投入 %.2f 超过仓位上限 %.2f", investment, limit)
		}
	}

	amount := s.roundDownLot(investment / in.Price)
	if amount <= 0 {
		return reject(RejectBelowLot, "投入 %.2f 按价格 %.2f 不足最小下单量 %v", investment, in.Price, s.lotSize)
	}
	investment = amount * in.Price

	res := SizingResult{
		Leverage: lev,
		Details:  Details{RequestedInvestment: requested, DailyLossScale: 1},
	}

	if s.cfg.DailyLossLimit > 0 {
		limit := in.Balance * s.cfg.DailyLossLimit
		if in.DailyPnL < -limit {
			return reject(RejectDailyLossLimit, "当日亏损 %.2f 已超过限额 %.2f", -in.DailyPnL, limit)
		}
		remaining := limit + in.DailyPnL
		maxLoss := investment * in.SLFraction * float64(lev)
		if maxLoss > remaining {
			scale := remaining / maxLoss
			if scale < 0.5 {
				return reject(RejectDailyLossScale, "需缩减至 %.0f%% 才能满足日亏损限额，放弃开仓", scale*100)
			}
			amount = s.roundDownLot(investment * scale / in.Price)
			if amount <= 0 {
				return reject(RejectBelowLot, "按日亏损限额缩减后不足最小下单量")
			}
			investment = amount * in.Price
			res.Details.DailyLossScale = scale
			res.Warnings = append(res.Warnings, fmt.Sprintf("日亏损限额：仓位缩减至 %.0f%%", scale*100))
		}
	}
	if s.cfg.MaxDrawdown > 0 && in.Drawdown > s.cfg.MaxDrawdown*0.8 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("回撤 %.1f%% 接近上限 %.1f%%", in.Drawdown*100, s.cfg.MaxDrawdown*100))
	}

	res.InstrumentAmount = amount
	res.InvestmentAmount = investment
	res.PositionFraction = investment / in.Balance
	maxLoss := investment * in.SLFraction * float64(lev)
	res.RiskMetrics = RiskMetrics{
		MaxLossAmount:   maxLoss,
		MaxLossPercent:  maxLoss / in.Balance * 100,
		RiskRewardRatio: in.TPFraction / in.SLFraction,
	}
	return res, nil
}

func (s *Sizer) roundDownLot(amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	if s.lotSize <= 0 {
		return amount
	}
	lot := decimal.NewFromFloat(s.lotSize)
	v := decimal.NewFromFloat(amount).Div(lot).Floor().Mul(lot)
	f, _ := v.Float64()
	return f
}

func floorInt(v float64) int {
	return int(math.Floor(v + 1e-9))
}
