package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/retry"
)

var (
	// ErrNotReady 启动就绪检查未通过，禁止进入实盘。
	ErrNotReady = errors.New("必需任务未全部成功，调度器未就绪")
	// ErrJobRunning 任务正在执行（single-flight）。
	ErrJobRunning = errors.New("任务正在执行")
	ErrUnknownJob = errors.New("未注册的任务")
	ErrNotRunning = errors.New("调度器未运行")
)

// Result 任务执行结果。Success=false 且 error 为空时视为软失败。
type Result struct {
	Success bool
	Message string
}

// Job 周期任务定义。
type Job struct {
	Name         string
	Interval     time.Duration
	Required     bool
	MisfireGrace time.Duration
	Retry        retry.Policy
	Run          func(ctx context.Context) (Result, error)
}

// JobLogger 任务诊断日志落库。
type JobLogger interface {
	AppendJobLog(ctx context.Context, entry database.JobLogEntry) error
}

// JobStats 单个任务的执行统计。
type JobStats struct {
	Name         string        `json:"name"`
	Required     bool          `json:"required"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	Attempts     int           `json:"attempts"`
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	Skipped      int           `json:"skipped"`
	Misfires     int           `json:"misfires"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastSuccess  time.Time     `json:"last_success,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
}

// SuccessRate 成功执行占比。
func (s JobStats) SuccessRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(total)
}

// Status 调度器快照。
type Status struct {
	Running bool                `json:"running"`
	Ready   bool                `json:"ready"`
	Jobs    map[string]JobStats `json:"jobs"`
}

// StartupReport 就绪检查结果。
type StartupReport struct {
	Total     int
	Succeeded int
	Failed    []JobFailure
	Duration  time.Duration
}

// JobFailure 未通过就绪检查的任务。
type JobFailure struct {
	Name string
	Err  string
}

// OK 所有必需任务均成功。
func (r StartupReport) OK() bool {
	return r.Total == r.Succeeded && len(r.Failed) == 0
}

func (r StartupReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d 个必需任务成功", r.Succeeded, r.Total)
	if len(r.Failed) > 0 {
		parts := make([]string, 0, len(r.Failed))
		for _, f := range r.Failed {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Name, f.Err))
		}
		sort.Strings(parts)
		b.WriteString("，失败: ")
		b.WriteString(strings.Join(parts, "; "))
	}
	return b.String()
}

type jobState struct {
	job      Job
	interval time.Duration
	running  atomic.Bool
	reset    chan time.Duration
	stats    JobStats

	retryPending bool
}

func (j Job) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job name 必填")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s interval 必须大于 0", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("job %s 缺少 Run", j.Name)
	}
	return nil
}
