package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// 交易模式
const (
	ModeReal = "real"
	ModeTest = "test"
)

// 内置分析任务名称
const (
	JobNews        = "news"
	JobMarket4h    = "market_4h"
	JobMarket1h    = "market_1h"
	JobPerformance = "performance"
	JobCacheSweep  = "cache_sweep"
)

// Config 顶层配置
type Config struct {
	App       AppConfig            `toml:"app"`
	Trading   TradingConfig        `toml:"trading"`
	Exchange  ExchangeConfig       `toml:"exchange"`
	Database  DatabaseConfig       `toml:"database"`
	AI        AIConfig             `toml:"ai"`
	News      NewsConfig           `toml:"news"`
	Risk      RiskConfig           `toml:"risk"`
	Scheduler SchedulerConfig      `toml:"scheduler"`
	Jobs      map[string]JobConfig `toml:"jobs"`
	Retry     RetryConfig          `toml:"retry"`
	Notify    NotifyConfig         `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"` // 为空则不启动状态接口
}

type TradingConfig struct {
	Mode                         string  `toml:"mode"` // real | test
	Symbol                       string  `toml:"symbol"`
	InitialTestBalance           float64 `toml:"initial_test_balance"`
	MainLoopIntervalSeconds      int     `toml:"main_loop_interval_seconds"`
	PositionCheckIntervalSeconds int     `toml:"position_check_interval_seconds"`
	TriggerDebounceMillis        int     `toml:"trigger_debounce_ms"`
}

type ExchangeConfig struct {
	APIKey      string  `toml:"api_key"`
	SecretKey   string  `toml:"secret_key"`
	Testnet     bool    `toml:"testnet"`
	LotSize     float64 `toml:"lot_size"`  // 最小下单数量步进
	TickSize    float64 `toml:"tick_size"` // 价格步进
	WSURL       string  `toml:"ws_url"` // 为空时按 testnet 选择默认地址
	PriceMaxAge int     `toml:"price_max_age_seconds"` // WS 价格超过该时长视为陈旧，回退 REST
}

type DatabaseConfig struct {
	Path     string `toml:"path"`
	MaxConns int    `toml:"max_conns"`
}

type AIConfig struct {
	Provider       string            `toml:"provider"`
	APIURL         string            `toml:"api_url"`
	APIKey         string            `toml:"api_key"`
	Model          string            `toml:"model"`
	Headers        map[string]string `toml:"headers"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	ExpectJSON     bool              `toml:"expect_json"`
	SystemPrompt   string            `toml:"system_prompt"`
}

type NewsConfig struct {
	SerpAPIKey string `toml:"serp_api_key"`
	Query      string `toml:"query"`
	Limit      int    `toml:"limit"`
}

type RiskConfig struct {
	UseKelly            bool    `toml:"use_kelly"`
	KellyFraction       float64 `toml:"kelly_fraction"` // 阻尼系数（半凯利或更小）
	MaxPositionSize     float64 `toml:"max_position_size"`
	MinConviction       float64 `toml:"min_conviction"`
	MinPositionFraction float64 `toml:"min_position_fraction"`
	MinInvestment       float64 `toml:"min_investment"`
	MaxLeverage         int     `toml:"max_leverage"`
	LeverageScale       float64 `toml:"leverage_scale"`
	LeverageCapFraction float64 `toml:"leverage_cap_fraction"`
	VolatileSLThreshold float64 `toml:"volatile_sl_threshold"`
	VolatileMaxLeverage int     `toml:"volatile_max_leverage"`
	DailyLossLimit      float64 `toml:"daily_loss_limit"`
	MaxDrawdown         float64 `toml:"max_drawdown"`
	FixedFraction       float64 `toml:"fixed_fraction"`
	FixedLeverage       int     `toml:"fixed_leverage"`
}

type SchedulerConfig struct {
	Workers                     int   `toml:"workers"`
	StartupTimeoutSeconds       int   `toml:"startup_timeout_seconds"`
	StartupBackoffSeconds       []int `toml:"startup_backoff_seconds"`
	TransientRetryDelaySeconds  int   `toml:"transient_retry_delay_seconds"`
	DefaultMisfireGraceSeconds  int   `toml:"misfire_grace_seconds"`
	StatsResetIntervalSeconds   int   `toml:"stats_reset_interval_seconds"`
	StatusLogIntervalSeconds    int   `toml:"status_log_interval_seconds"`
	PerformanceTriggerDelayMsec int   `toml:"performance_trigger_delay_ms"`
}

type JobConfig struct {
	IntervalSeconds     int  `toml:"interval_seconds"`
	TTLSeconds          int  `toml:"ttl_seconds"`
	MaxAgeSeconds       int  `toml:"max_age_seconds"`
	MisfireGraceSeconds int  `toml:"misfire_grace_seconds"`
	Required            bool `toml:"required"`
	Disabled            bool `toml:"disabled"`
}

type RetryConfig struct {
	MaxRetries  int     `toml:"max_retries"`
	BaseDelayMs int     `toml:"base_delay_ms"`
	MaxDelayMs  int     `toml:"max_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	Jitter      bool    `toml:"jitter"`
}

type NotifyConfig struct {
	Telegram struct {
		Enabled  bool   `toml:"enabled"`
		BotToken string `toml:"bot_token"`
		ChatID   int64  `toml:"chat_id"`
	} `toml:"telegram"`
}

// Load 读取并解析 TOML 配置文件，合并环境变量中的密钥，设置缺省值并做基本校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 TOML 内容（Load 的无文件版本）
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 TOML 失败: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// 密钥优先取环境变量（.env 由入口加载）
func applyEnv(c *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Exchange.APIKey, "BINANCE_API_KEY")
	override(&c.Exchange.SecretKey, "BINANCE_SECRET_KEY")
	override(&c.AI.APIKey, "AI_API_KEY")
	override(&c.News.SerpAPIKey, "SERP_API_KEY")
	override(&c.Notify.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	if mode := strings.TrimSpace(os.Getenv("TRADING_MODE")); mode != "" {
		c.Trading.Mode = strings.ToLower(mode)
	}
}

// 默认值设置
func applyDefaults(c *Config) {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = ModeTest
	}
	c.Trading.Mode = strings.ToLower(strings.TrimSpace(c.Trading.Mode))
	if c.Trading.Symbol == "" {
		c.Trading.Symbol = "BTCUSDT"
	}
	c.Trading.Symbol = strings.ToUpper(strings.ReplaceAll(c.Trading.Symbol, "/", ""))
	if c.Trading.InitialTestBalance <= 0 {
		c.Trading.InitialTestBalance = 10000
	}
	if c.Trading.MainLoopIntervalSeconds <= 0 {
		c.Trading.MainLoopIntervalSeconds = 60
	}
	if c.Trading.PositionCheckIntervalSeconds <= 0 {
		c.Trading.PositionCheckIntervalSeconds = 5
	}
	if c.Trading.TriggerDebounceMillis <= 0 {
		c.Trading.TriggerDebounceMillis = 500
	}
	if c.Exchange.LotSize <= 0 {
		c.Exchange.LotSize = 0.001
	}
	if c.Exchange.TickSize <= 0 {
		c.Exchange.TickSize = 0.01
	}
	if c.Exchange.PriceMaxAge <= 0 {
		c.Exchange.PriceMaxAge = 10
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/encho_" + c.Trading.Mode + ".db"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 4
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "openai"
	}
	if c.AI.TimeoutSeconds <= 0 {
		c.AI.TimeoutSeconds = 120
	}
	if c.News.Query == "" {
		c.News.Query = "bitcoin"
	}
	if c.News.Limit <= 0 {
		c.News.Limit = 10
	}
	applyRiskDefaults(&c.Risk)
	applySchedulerDefaults(&c.Scheduler)
	c.Jobs = withJobDefaults(c.Jobs)
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = 1000
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = 60000
	}
	if c.Retry.Multiplier <= 1 {
		c.Retry.Multiplier = 2
	}
}

func applyRiskDefaults(r *RiskConfig) {
	if r.KellyFraction <= 0 {
		r.KellyFraction = 0.25
	}
	if r.MaxPositionSize <= 0 {
		r.MaxPositionSize = 0.5
	}
	if r.MinConviction <= 0 {
		r.MinConviction = 0.55
	}
	if r.MinPositionFraction <= 0 {
		r.MinPositionFraction = 0.01
	}
	if r.MinInvestment <= 0 {
		r.MinInvestment = 100
	}
	if r.MaxLeverage <= 0 {
		r.MaxLeverage = 10
	}
	if r.LeverageScale <= 0 {
		r.LeverageScale = 20
	}
	if r.LeverageCapFraction <= 0 {
		r.LeverageCapFraction = 0.1
	}
	if r.VolatileSLThreshold <= 0 {
		r.VolatileSLThreshold = 0.05
	}
	if r.VolatileMaxLeverage <= 0 {
		r.VolatileMaxLeverage = 5
	}
	if r.DailyLossLimit <= 0 {
		r.DailyLossLimit = 0.05
	}
	if r.MaxDrawdown <= 0 {
		r.MaxDrawdown = 0.15
	}
	if r.FixedFraction <= 0 {
		r.FixedFraction = 0.1
	}
	if r.FixedLeverage <= 0 {
		r.FixedLeverage = 3
	}
}

func applySchedulerDefaults(s *SchedulerConfig) {
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.StartupTimeoutSeconds <= 0 {
		s.StartupTimeoutSeconds = 600
	}
	if len(s.StartupBackoffSeconds) == 0 {
		s.StartupBackoffSeconds = []int{2, 4, 10}
	}
	if s.TransientRetryDelaySeconds <= 0 {
		s.TransientRetryDelaySeconds = 300
	}
	if s.DefaultMisfireGraceSeconds <= 0 {
		s.DefaultMisfireGraceSeconds = 300
	}
	if s.StatsResetIntervalSeconds <= 0 {
		s.StatsResetIntervalSeconds = 7 * 24 * 3600
	}
	if s.StatusLogIntervalSeconds <= 0 {
		s.StatusLogIntervalSeconds = 3600
	}
	if s.PerformanceTriggerDelayMsec <= 0 {
		s.PerformanceTriggerDelayMsec = 1000
	}
}

// 各任务默认周期与 TTL（秒）
var jobDefaults = map[string]JobConfig{
	JobNews:        {IntervalSeconds: 4 * 3600, TTLSeconds: 4 * 3600, MaxAgeSeconds: 4 * 3600, MisfireGraceSeconds: 300, Required: true},
	JobMarket4h:    {IntervalSeconds: 4 * 3600, TTLSeconds: 6 * 3600, MaxAgeSeconds: 6 * 3600, MisfireGraceSeconds: 600, Required: true},
	JobMarket1h:    {IntervalSeconds: 3600, TTLSeconds: 5400, MaxAgeSeconds: 5400, MisfireGraceSeconds: 300, Required: true},
	JobPerformance: {IntervalSeconds: 2 * 3600, TTLSeconds: 2 * 3600, MaxAgeSeconds: 2 * 3600, MisfireGraceSeconds: 300, Required: true},
	JobCacheSweep:  {IntervalSeconds: 24 * 3600, MisfireGraceSeconds: 3600},
}

func withJobDefaults(in map[string]JobConfig) map[string]JobConfig {
	out := make(map[string]JobConfig, len(jobDefaults))
	for name, def := range jobDefaults {
		jc, ok := in[name]
		if !ok {
			out[name] = def
			continue
		}
		if jc.IntervalSeconds <= 0 {
			jc.IntervalSeconds = def.IntervalSeconds
		}
		if jc.TTLSeconds <= 0 {
			jc.TTLSeconds = def.TTLSeconds
		}
		if jc.MaxAgeSeconds <= 0 {
			jc.MaxAgeSeconds = def.MaxAgeSeconds
		}
		if jc.MisfireGraceSeconds <= 0 {
			jc.MisfireGraceSeconds = def.MisfireGraceSeconds
		}
		out[name] = jc
	}
	for name, jc := range in {
		if _, ok := out[name]; !ok {
			out[name] = jc
		}
	}
	return out
}

// 基础校验
func validate(c *Config) error {
	if c.Trading.Mode != ModeReal && c.Trading.Mode != ModeTest {
		return fmt.Errorf("trading.mode 仅支持 real|test: %s", c.Trading.Mode)
	}
	if c.Trading.Mode == ModeReal && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		return fmt.Errorf("实盘模式需要提供 exchange.api_key 与 exchange.secret_key")
	}
	r := c.Risk
	if r.KellyFraction > 1 {
		return fmt.Errorf("risk.kelly_fraction 需在 (0,1]")
	}
	if r.MaxPositionSize > 1 {
		return fmt.Errorf("risk.max_position_size 需在 (0,1]")
	}
	if r.MinConviction >= 1 {
		return fmt.Errorf("risk.min_conviction 需在 (0,1)")
	}
	if r.DailyLossLimit >= 1 {
		return fmt.Errorf("risk.daily_loss_limit 需在 (0,1)")
	}
	if r.MaxLeverage > 125 {
		return fmt.Errorf("risk.max_leverage 过大: %d", r.MaxLeverage)
	}
	for _, secs := range c.Scheduler.StartupBackoffSeconds {
		if secs < 0 {
			return fmt.Errorf("scheduler.startup_backoff_seconds 不能为负")
		}
	}
	for name, jc := range c.Jobs {
		if !jc.Disabled && jc.IntervalSeconds <= 0 {
			return fmt.Errorf("jobs.%s.interval_seconds 必须大于 0", name)
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == 0 {
			return fmt.Errorf("已启用 Telegram 通知，请提供 bot_token 与 chat_id")
		}
	}
	return nil
}

// Interval 任务周期
func (j JobConfig) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}

// TTL 任务结果的有效期
func (j JobConfig) TTL() time.Duration {
	return time.Duration(j.TTLSeconds) * time.Second
}

// MaxAge 决策读取信号时允许的最大年龄
func (j JobConfig) MaxAge() time.Duration {
	return time.Duration(j.MaxAgeSeconds) * time.Second
}

func (j JobConfig) MisfireGrace() time.Duration {
	return time.Duration(j.MisfireGraceSeconds) * time.Second
}

// StartupBackoff 启动门禁的重试间隔序列
func (s SchedulerConfig) StartupBackoff() []time.Duration {
	out := make([]time.Duration, 0, len(s.StartupBackoffSeconds))
	for _, secs := range s.StartupBackoffSeconds {
		out = append(out, time.Duration(secs)*time.Second)
	}
	return out
}

// IsReal 是否实盘
func (t TradingConfig) IsReal() bool { return t.Mode == ModeReal }
