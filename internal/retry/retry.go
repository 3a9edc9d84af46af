package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"github.com/GETSUNWOO/futures-encho/internal/logger"
)

// Kind 错误分类
type Kind int

const (
	KindFatal Kind = iota
	KindTransient
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	default:
		return "fatal"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Transient 标记为可重试（网络/超时类）错误。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindTransient, err: err}
}

// Transientf 便捷构造。
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Validation 标记为校验类错误，永不重试。
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindValidation, err: err}
}

// Classify 判定错误类别。显式标记优先，其次识别常见网络错误与超时。
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	var op *net.OpError
	if errors.As(err, &op) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "network") || strings.Contains(msg, "timeout") {
		return KindTransient
	}
	return KindFatal
}

// IsTransient 是否属于网络/超时类错误。
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsValidation 是否属于校验类错误。
func IsValidation(err error) bool { return Classify(err) == KindValidation }

// Policy 指数退避重试策略：delay = min(base*multiplier^attempt, max) * U[0.5,1]（开启抖动时）。
type Policy struct {
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	// 测试注入
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// LLM AI 调用预设
func LLM() Policy {
	return Policy{Name: "llm", MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: true}
}

// MarketData 行情拉取预设
func MarketData() Policy {
	return Policy{Name: "market", MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true}
}

// Database 数据库操作预设（固定间隔）
func Database() Policy {
	return Policy{Name: "db", MaxRetries: 1, BaseDelay: 500 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 1}
}

// None 不重试
func None() Policy {
	return Policy{Name: "none"}
}

// Delay 返回第 attempt 次（从 0 开始）重试前的等待时长。
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 || maxDelay < p.BaseDelay {
		maxDelay = p.BaseDelay
	}
	factor := p.Multiplier
	if factor < 1 {
		factor = 1
	}
	b := &backoff.Backoff{Min: p.BaseDelay, Max: maxDelay, Factor: factor}
	d := b.ForAttempt(float64(attempt))
	if !p.Jitter {
		return d
	}
	r := rand.Float64
	if p.rand != nil {
		r = p.rand
	}
	return time.Duration(float64(d) * (0.5 + r()*0.5))
}

// Do 执行 fn，遇到可重试错误且仍有次数时按退避等待后重试；其他错误立即返回。
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	name := p.Name
	if name == "" {
		name = "op"
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Infof("[retry] %s 第 %d 次尝试成功", name, attempt+1)
			}
			return nil
		}
		kind := Classify(err)
		if kind != KindTransient {
			if attempt > 0 {
				logger.Warnf("[retry] %s 第 %d 次尝试失败(%s)，不再重试: %v", name, attempt+1, kind, err)
			}
			return err
		}
		if attempt >= p.MaxRetries {
			logger.Errorf("[retry] %s 共 %d 次尝试均失败: %v", name, attempt+1, err)
			return err
		}
		wait := p.Delay(attempt)
		logger.Warnf("[retry] %s 第 %d 次尝试失败，%v 后重试: %v", name, attempt+1, wait.Round(time.Millisecond), err)
		if serr := sleep(ctx, wait); serr != nil {
			return fmt.Errorf("%w (重试等待被取消: %v)", err, serr)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
