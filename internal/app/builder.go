package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/decision"
	"github.com/GETSUNWOO/futures-encho/internal/exchange"
	"github.com/GETSUNWOO/futures-encho/internal/executor/paper"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/binance"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/notifier"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/provider"
	"github.com/GETSUNWOO/futures-encho/internal/jobs"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/position"
	"github.com/GETSUNWOO/futures-encho/internal/retry"
	"github.com/GETSUNWOO/futures-encho/internal/risk"
	"github.com/GETSUNWOO/futures-encho/internal/scheduler"
	"github.com/GETSUNWOO/futures-encho/internal/store"
	"github.com/GETSUNWOO/futures-encho/internal/transport/web"
)

const decisionTradeLimit = 10

// AppBuilder 按配置组装各组件。
type AppBuilder struct {
	cfg *config.Config
}

func NewAppBuilder(cfg *config.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

// Build 组装应用；任一步失败时释放已打开的资源。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetServiceName("encho")

	st, err := database.NewStore(cfg.Database.Path, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = st.Close()
		}
	}()
	dbPath := cfg.Database.Path
	if abs, err := filepath.Abs(dbPath); err == nil {
		dbPath = abs
	}
	logger.Infof("✓ 数据库写入 %s", dbPath)

	client := binance.NewClient(cfg.Exchange, cfg.Trading.Symbol)
	if err := client.LoadFilters(ctx); err != nil {
		if cfg.Trading.IsReal() {
			return nil, fmt.Errorf("读取交易规则失败: %w", err)
		}
		logger.Warnf("[app] 读取交易规则失败，使用配置精度: %v", err)
	}
	feed := binance.NewMarkPriceFeed(cfg.Exchange, cfg.Trading.Symbol, client)
	tg := newTelegram(cfg.Notify)
	connector := buildConnector(cfg.Trading, client, feed)
	lot := client.LotSize()

	positions := position.NewManager(connector, position.Options{
		Symbol:          cfg.Trading.Symbol,
		LotSize:         lot,
		TriggerDebounce: time.Duration(cfg.Trading.TriggerDebounceMillis) * time.Millisecond,
		Trades:          st,
		Notifier:        tg,
	})

	sched := scheduler.New(schedulerOptions(cfg.Scheduler, st))
	klines := store.NewMemoryKlineStore()
	model := buildChatModel(cfg.AI)
	var newsModel jobs.ChatModel
	if model != nil {
		newsModel = model
	}
	jobList, err := jobs.Build(jobs.Deps{
		Symbol:      cfg.Trading.Symbol,
		Signals:     st,
		Market:      client,
		Derivatives: client,
		Klines:      klines,
		Trades:      st,
		Cache:       st,
		News:        buildNewsSource(cfg.News),
		Model:       newsModel,
		NewsCfg:     cfg.News,
		Jobs:        cfg.Jobs,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化分析任务失败: %w", err)
	}
	for _, job := range jobList {
		if err := sched.Register(job); err != nil {
			return nil, fmt.Errorf("注册任务失败: %w", err)
		}
	}
	delay := time.Duration(cfg.Scheduler.PerformanceTriggerDelayMsec) * time.Millisecond
	positions.OnClosed(performanceRefresher(sched, delay))

	policy := llmPolicy(cfg.Retry)
	orch := decision.NewOrchestrator(buildOracle(cfg.AI, model), st, positions, connector, risk.NewSizer(cfg.Risk, lot), decision.Options{
		Symbol:     cfg.Trading.Symbol,
		Risk:       cfg.Risk,
		MaxAges:    decision.MaxAgesFromConfig(cfg.Jobs),
		Klines:     klines,
		Records:    st,
		Retry:      &policy,
		TradeLimit: decisionTradeLimit,
	})

	live := NewLiveService(LiveOptions{
		Symbol:        cfg.Trading.Symbol,
		Mode:          cfg.Trading.Mode,
		MainInterval:  time.Duration(cfg.Trading.MainLoopIntervalSeconds) * time.Second,
		CheckInterval: time.Duration(cfg.Trading.PositionCheckIntervalSeconds) * time.Second,
	}, feed, connector, positions, orch, sched, tg)

	success = true
	return &App{
		cfg:   cfg,
		store: st,
		sched: sched,
		live:  live,
		feed:  feed,
		web:   buildWebServer(cfg.App, sched, live, st),
		tg:    tg,
	}, nil
}

func newTelegram(cfg config.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return notifier.Noop{}
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

// buildConnector 实盘直连交易所，测试模式使用以实时价格成交的模拟账户。
func buildConnector(cfg config.TradingConfig, client *binance.Client, prices exchange.PriceSource) exchange.Connector {
	if cfg.IsReal() {
		logger.Warnf("[app] ⚠️ 实盘模式：订单将真实成交")
		return client
	}
	logger.Infof("✓ 测试模式：模拟账户 %.2f USDT", cfg.InitialTestBalance)
	return paper.New(cfg.InitialTestBalance, prices)
}

func schedulerOptions(cfg config.SchedulerConfig, logs scheduler.JobLogger) scheduler.Options {
	return scheduler.Options{
		Workers:             cfg.Workers,
		StartupTimeout:      time.Duration(cfg.StartupTimeoutSeconds) * time.Second,
		StartupBackoff:      cfg.StartupBackoff(),
		TransientRetryDelay: time.Duration(cfg.TransientRetryDelaySeconds) * time.Second,
		StatsResetInterval:  time.Duration(cfg.StatsResetIntervalSeconds) * time.Second,
		StatusLogInterval:   time.Duration(cfg.StatusLogIntervalSeconds) * time.Second,
		DefaultMisfireGrace: time.Duration(cfg.DefaultMisfireGraceSeconds) * time.Second,
		JobLogger:           logs,
	}
}

// llmPolicy oracle 调用使用配置中的重试参数。
func llmPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.LLM()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.BaseDelayMs > 0 {
		p.BaseDelay = time.Duration(cfg.BaseDelayMs) * time.Millisecond
	}
	if cfg.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	}
	if cfg.Multiplier > 1 {
		p.Multiplier = cfg.Multiplier
	}
	p.Jitter = cfg.Jitter
	return p
}

func buildChatModel(cfg config.AIConfig) *provider.OpenAIChatClient {
	if strings.TrimSpace(cfg.APIURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		logger.Warnf("[app] 未配置 AI 模型，决策将使用规则兜底")
		return nil
	}
	logger.Infof("✓ AI 模型: %s (%s)", cfg.Model, cfg.Provider)
	return provider.NewOpenAIChatClient(cfg)
}

func buildOracle(cfg config.AIConfig, model *provider.OpenAIChatClient) decision.Oracle {
	if model == nil {
		return nil
	}
	return &decision.ModelOracle{
		Model:      model,
		Builder:    decision.DefaultPromptBuilder{System: cfg.SystemPrompt},
		ExpectJSON: cfg.ExpectJSON,
	}
}

func buildNewsSource(cfg config.NewsConfig) jobs.NewsSource {
	if strings.TrimSpace(cfg.SerpAPIKey) == "" {
		logger.Warnf("[app] 未配置 SerpAPI key，新闻情绪使用中性值")
		return nil
	}
	return jobs.NewSerpAPIClient(cfg.SerpAPIKey)
}

func buildWebServer(cfg config.AppConfig, sched *scheduler.Scheduler, live *LiveService, st *database.Store) *web.Server {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil
	}
	logger.Infof("✓ 状态接口监听 %s", cfg.HTTPAddr)
	return web.NewServer(cfg.HTTPAddr, sched, live, st)
}

// performanceRefresher 平仓后延迟触发 performance 任务，使下一轮决策读到最新统计。
func performanceRefresher(trigger interface{ Trigger(string, bool) error }, delay time.Duration) func(position.CloseResult) {
	return func(position.CloseResult) {
		time.AfterFunc(delay, func() {
			if err := trigger.Trigger(config.JobPerformance, true); err != nil {
				logger.Warnf("[app] 平仓后触发 performance 失败: %v", err)
			}
		})
	}
}
