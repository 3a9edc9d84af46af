package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/binance"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/notifier"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/scheduler"
	"github.com/GETSUNWOO/futures-encho/internal/transport/web"
)

// App 负责应用级编排：加载配置→初始化依赖→启动调度器、行情推送、状态接口与前台循环。
type App struct {
	cfg   *config.Config
	store *database.Store
	sched *scheduler.Scheduler
	live  *LiveService
	feed  *binance.MarkPriceFeed
	web   *web.Server
	tg    notifier.TextNotifier
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 并行运行各服务。调度器就绪检查失败时返回错误，整个进程退出而不进入交易。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.live == nil || a.sched == nil {
		return fmt.Errorf("live service not initialized")
	}
	defer a.Close()
	group, ctx := errgroup.WithContext(ctx)

	if a.feed != nil {
		group.Go(func() error {
			if err := a.feed.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("行情推送退出: %w", err)
			}
			return nil
		})
	}

	if a.web != nil {
		group.Go(func() error {
			if err := a.web.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("[app] 状态接口停止: %v", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		defer a.sched.Stop()
		report, err := a.sched.Start(ctx)
		if err != nil {
			a.notify("启动失败 ❌ 就绪检查未通过\n" + report.String())
			return err
		}
		a.notify("就绪检查通过 ✅\n" + report.String() + "\n```\n" + scheduler.RenderStatusTable(a.sched.Status()) + "\n```")
		return a.live.Run(ctx)
	})

	return group.Wait()
}

// Close 释放数据库等资源。
func (a *App) Close() {
	if a == nil || a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		logger.Warnf("[app] 关闭数据库失败: %v", err)
	}
}

func (a *App) notify(text string) {
	if a.tg == nil {
		return
	}
	if err := a.tg.SendText(text); err != nil {
		logger.Warnf("[app] 推送通知失败: %v", err)
	}
}
