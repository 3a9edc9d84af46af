package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/GETSUNWOO/futures-encho/internal/app"
	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
)

// 入口程序：
// 1) 读取 .env 与 TOML 配置
// 2) 组装调度器、仓位管理与决策编排
// 3) 运行直到收到退出信号
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("读取 .env 失败: %v", err)
	}

	cfgPath := os.Getenv("ENCHO_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logger.Infof("✓ 配置加载成功（环境=%s，模式=%s，标的=%s）", cfg.App.Env, cfg.Trading.Mode, cfg.Trading.Symbol)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer logger.Sync()
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("运行退出: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Infof("已退出")
}
