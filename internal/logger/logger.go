package logger

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 轻量日志封装：对外保持 printf 风格的分级接口，底层使用 zap。
// 级别为全局设置，便于减少刷屏。

var (
	level       = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	serviceName = "encho"
	current     atomic.Pointer[zap.Logger]
)

func init() {
	current.Store(newLogger(zapcore.Lock(os.Stderr)))
}

func newLogger(out zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), out, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// SetLevel 设置全局日志级别，未知取值回落到 info。
func SetLevel(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "info":
		level.SetLevel(zapcore.InfoLevel)
	case "warn", "warning":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// Level 返回当前级别字符串。
func Level() string {
	return level.Level().String()
}

// SetServiceName 替换 service 字段，返回旧值。
func SetServiceName(name string) string {
	old := serviceName
	name = strings.TrimSpace(name)
	if name == "" {
		return old
	}
	serviceName = name
	current.Store(newLogger(zapcore.Lock(os.Stderr)))
	return old
}

// Replace 使用外部 core 替换底层 logger（测试中用 observer 捕获输出），返回恢复函数。
func Replace(l *zap.Logger) func() {
	prev := current.Load()
	if l == nil {
		return func() {}
	}
	current.Store(l.WithOptions(zap.AddCallerSkip(1)))
	return func() { current.Store(prev) }
}

// L 返回底层 zap logger，供需要结构化字段的调用方使用。
func L() *zap.Logger {
	return current.Load().WithOptions(zap.AddCallerSkip(-1))
}

// Sync 刷新缓冲。
func Sync() {
	_ = current.Load().Sync()
}

func Debugf(format string, v ...any) {
	current.Load().Sugar().Debugf(format, v...)
}

func Infof(format string, v ...any) {
	current.Load().Sugar().Infof(format, v...)
}

func Warnf(format string, v ...any) {
	current.Load().Sugar().Warnf(format, v...)
}

func Errorf(format string, v ...any) {
	current.Load().Sugar().Errorf(format, v...)
}
