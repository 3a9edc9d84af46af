package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/metrics"
	"github.com/GETSUNWOO/futures-encho/internal/retry"
)

// Options 调度器参数。
type Options struct {
	Workers             int
	StartupTimeout      time.Duration
	StartupBackoff      []time.Duration
	TransientRetryDelay time.Duration
	StatsResetInterval  time.Duration
	StatusLogInterval   time.Duration
	DefaultMisfireGrace time.Duration
	JobLogger           JobLogger
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 600 * time.Second
	}
	if o.StartupBackoff == nil {
		o.StartupBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 10 * time.Second}
	}
	if o.TransientRetryDelay <= 0 {
		o.TransientRetryDelay = 5 * time.Minute
	}
	if o.DefaultMisfireGrace <= 0 {
		o.DefaultMisfireGrace = 300 * time.Second
	}
}

// Scheduler 周期任务调度：每个任务 single-flight，启动时严格就绪检查。
type Scheduler struct {
	opts Options

	mu      sync.Mutex
	jobs    map[string]*jobState
	order   []string
	started bool
	running bool
	ready   bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	jobCtx     context.Context
	wg         sync.WaitGroup
	slots      chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New 创建调度器。
func New(opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		opts:  opts,
		jobs:  make(map[string]*jobState),
		slots: make(chan struct{}, opts.Workers),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Register 注册任务，启动后不可再注册。
func (s *Scheduler) Register(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if job.MisfireGrace <= 0 {
		job.MisfireGrace = s.opts.DefaultMisfireGrace
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("调度器已启动，无法注册 %s", job.Name)
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("任务 %s 重复注册", job.Name)
	}
	s.jobs[job.Name] = &jobState{
		job:      job,
		interval: job.Interval,
		reset:    make(chan time.Duration, 1),
		stats:    JobStats{Name: job.Name, Required: job.Required, Interval: job.Interval},
	}
	s.order = append(s.order, job.Name)
	return nil
}

// Start 依次执行必需任务（失败按退避重试），全部成功后才启动周期定时器。
// 任一必需任务最终失败或超过 StartupTimeout 时返回 ErrNotReady，且不启动任何定时器。
func (s *Scheduler) Start(ctx context.Context) (StartupReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return StartupReport{}, fmt.Errorf("调度器已启动")
	}
	s.started = true
	s.loopCtx, s.loopCancel = context.WithCancel(ctx)
	s.jobCtx = context.WithoutCancel(ctx)
	var required []*jobState
	for _, name := range s.order {
		if st := s.jobs[name]; st.job.Required {
			required = append(required, st)
		}
	}
	s.mu.Unlock()

	report := s.runStartupGate(required)
	if !report.OK() {
		logger.Errorf("[scheduler] 就绪检查失败：%s，拒绝进入交易", report)
		s.loopCancel()
		s.wg.Wait()
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		metrics.Ready.Set(0)
		return report, fmt.Errorf("%w: %s", ErrNotReady, report)
	}
	logger.Infof("[scheduler] 就绪检查通过：%s，耗时 %v", report, report.Duration.Round(time.Millisecond))

	s.mu.Lock()
	s.ready = true
	s.running = true
	states := make([]*jobState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.jobs[name])
	}
	s.mu.Unlock()
	metrics.Ready.Set(1)

	for _, st := range states {
		s.wg.Add(1)
		go s.loop(st)
		if !st.job.Required {
			s.dispatch(st, s.now(), "startup")
		}
	}
	if s.opts.StatsResetInterval > 0 {
		s.wg.Add(1)
		go s.every(s.opts.StatsResetInterval, func() {
			s.ResetStats()
			logger.Infof("[scheduler] 周期统计已重置")
		})
	}
	if s.opts.StatusLogInterval > 0 {
		s.wg.Add(1)
		go s.every(s.opts.StatusLogInterval, s.logStatus)
	}
	return report, nil
}

func (s *Scheduler) runStartupGate(required []*jobState) StartupReport {
	begin := s.now()
	report := StartupReport{Total: len(required)}
	gateCtx, cancel := context.WithTimeout(s.loopCtx, s.opts.StartupTimeout)
	defer cancel()

	for i, st := range required {
		if err := gateCtx.Err(); err != nil {
			for _, rest := range required[i:] {
				report.Failed = append(report.Failed, JobFailure{Name: rest.job.Name, Err: "启动超时，未执行"})
			}
			break
		}
		if err := s.runWithStartupBackoff(gateCtx, st); err != nil {
			report.Failed = append(report.Failed, JobFailure{Name: st.job.Name, Err: err.Error()})
			continue
		}
		report.Succeeded++
	}
	report.Duration = s.now().Sub(begin)
	return report
}

func (s *Scheduler) runWithStartupBackoff(ctx context.Context, st *jobState) error {
	attempts := len(s.opts.StartupBackoff) + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if !st.running.CompareAndSwap(false, true) {
			return ErrJobRunning
		}
		lastErr = s.executeGated(ctx, st)
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		wait := s.opts.StartupBackoff[i]
		logger.Warnf("[scheduler] 必需任务 %s 第 %d/%d 次失败，%v 后重试: %v", st.job.Name, i+1, attempts, wait, lastErr)
		if err := s.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%v (启动超时: %w)", lastErr, err)
		}
	}
	return lastErr
}

// executeGated 在独立 goroutine 中执行启动任务，截止时间一到即判定失败，不等待不理会 ctx 的任务。
// 超时后任务继续在后台运行直至返回，其 running 标记在返回前保持占用。
func (s *Scheduler) executeGated(ctx context.Context, st *jobState) error {
	done := make(chan error, 1)
	go func() { done <- s.execute(ctx, st, "startup") }()
	select {
	case err := <-done:
		if err == nil && ctx.Err() != nil {
			return fmt.Errorf("启动超时后才完成: %w", ctx.Err())
		}
		return err
	case <-ctx.Done():
		logger.Warnf("[scheduler] 必需任务 %s 超过启动时限仍未返回", st.job.Name)
		return fmt.Errorf("启动超时，任务仍在执行: %w", ctx.Err())
	}
}

// Stop 停止定时器并等待执行中的任务结束。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.loopCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	s.running = false
	s.started = false
	s.ready = false
	s.mu.Unlock()
	metrics.Ready.Set(0)
	logger.Infof("[scheduler] 已停止")
}

// Ready 就绪检查是否已通过。
func (s *Scheduler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Trigger 立即执行一次任务，不影响周期计划。force=false 时若任务在一个周期内成功过则跳过。
func (s *Scheduler) Trigger(name string, force bool) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	running := s.running
	var lastSuccess time.Time
	var interval time.Duration
	if ok {
		lastSuccess = st.stats.LastSuccess
		interval = st.interval
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !running {
		return ErrNotRunning
	}
	if !force && !lastSuccess.IsZero() && s.now().Sub(lastSuccess) < interval {
		logger.Debugf("[scheduler] %s 最近已成功，跳过非强制触发", name)
		return nil
	}
	if !st.running.CompareAndSwap(false, true) {
		s.recordSkip(st)
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	logger.Infof("[scheduler] 手动触发 %s", name)
	s.spawn(st, time.Time{}, "trigger")
	return nil
}

// UpdateInterval 调整任务周期，从下一次开始生效。
func (s *Scheduler) UpdateInterval(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("interval 必须大于 0")
	}
	s.mu.Lock()
	st, ok := s.jobs[name]
	if ok {
		st.interval = d
		st.stats.Interval = d
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	select {
	case <-st.reset:
	default:
	}
	st.reset <- d
	return nil
}

// Status 返回统计快照。
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Status{Running: s.running, Ready: s.ready, Jobs: make(map[string]JobStats, len(s.jobs))}
	for name, st := range s.jobs {
		stats := st.stats
		stats.Running = st.running.Load()
		out.Jobs[name] = stats
	}
	return out
}

// ResetStats 清零计数，保留最近执行时间。
func (s *Scheduler) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.jobs {
		st.stats.Attempts = 0
		st.stats.Successes = 0
		st.stats.Failures = 0
		st.stats.Skipped = 0
		st.stats.Misfires = 0
	}
}

func (s *Scheduler) loop(st *jobState) {
	defer s.wg.Done()
	s.mu.Lock()
	interval := st.interval
	s.mu.Unlock()
	next := s.now().Add(interval)
	s.setNextRun(st, next)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case d := <-st.reset:
			interval = d
			next = s.now().Add(d)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
			s.setNextRun(st, next)
		case <-timer.C:
			scheduled := next
			s.dispatch(st, scheduled, "timer")
			now := s.now()
			next = scheduled.Add(interval)
			if !next.After(now) {
				next = now.Add(interval)
			}
			timer.Reset(next.Sub(now))
			s.setNextRun(st, next)
		}
	}
}

func (s *Scheduler) every(d time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// dispatch 定时触发：任务仍在执行则直接跳过，不排队。
func (s *Scheduler) dispatch(st *jobState, scheduled time.Time, source string) {
	if !st.running.CompareAndSwap(false, true) {
		s.recordSkip(st)
		logger.Debugf("[scheduler] %s 仍在执行，跳过本次 %s 触发", st.job.Name, source)
		return
	}
	s.spawn(st, scheduled, source)
}

// spawn 在工作池中执行已占位的任务。scheduled 非零时做 misfire 检查。
func (s *Scheduler) spawn(st *jobState, scheduled time.Time, source string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.slots <- struct{}{}:
		case <-s.loopCtx.Done():
			st.running.Store(false)
			return
		}
		defer func() { <-s.slots }()

		if !scheduled.IsZero() {
			if late := s.now().Sub(scheduled); late > st.job.MisfireGrace {
				st.running.Store(false)
				s.mu.Lock()
				st.stats.Misfires++
				s.mu.Unlock()
				metrics.JobRuns.WithLabelValues(st.job.Name, "misfire").Inc()
				logger.Warnf("[scheduler] %s 延迟 %v 超过容忍窗口 %v，跳过", st.job.Name, late.Round(time.Second), st.job.MisfireGrace)
				return
			}
		}
		err := s.execute(s.jobCtx, st, source)
		if err != nil && source != "retry" && retry.IsTransient(err) {
			s.scheduleTransientRetry(st)
		}
	}()
}

func (s *Scheduler) scheduleTransientRetry(st *jobState) {
	s.mu.Lock()
	if st.retryPending {
		s.mu.Unlock()
		return
	}
	st.retryPending = true
	s.mu.Unlock()
	delay := s.opts.TransientRetryDelay
	logger.Warnf("[scheduler] %s 网络/超时类失败，%v 后重试一次", st.job.Name, delay)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.sleep(s.loopCtx, delay)
		s.mu.Lock()
		st.retryPending = false
		s.mu.Unlock()
		if err != nil {
			return
		}
		s.dispatch(st, time.Time{}, "retry")
	}()
}

// execute 执行一次任务（调用方已占住 running 标记），返回最终错误。
func (s *Scheduler) execute(ctx context.Context, st *jobState, source string) (err error) {
	defer st.running.Store(false)
	name := st.job.Name
	start := s.now()
	attempts := 0
	err = st.job.Retry.Do(ctx, func(ctx context.Context) (runErr error) {
		attempts++
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("任务 panic: %v", r)
			}
		}()
		res, runErr := st.job.Run(ctx)
		if runErr != nil {
			return runErr
		}
		if !res.Success {
			msg := res.Message
			if msg == "" {
				msg = "任务返回失败"
			}
			return errors.New(msg)
		}
		return nil
	})
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	st.stats.Attempts += attempts
	st.stats.LastRun = start
	st.stats.LastDuration = elapsed
	if err == nil {
		st.stats.Successes++
		st.stats.LastSuccess = start
		st.stats.LastError = ""
	} else {
		st.stats.Failures++
		st.stats.LastError = err.Error()
	}
	s.mu.Unlock()

	metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	entry := database.JobLogEntry{Job: name, Timestamp: start}
	if err == nil {
		metrics.JobRuns.WithLabelValues(name, "success").Inc()
		logger.Infof("[scheduler] %s 完成(%s)，耗时 %v", name, source, elapsed.Round(time.Millisecond))
		entry.Level = "info"
		entry.Message = fmt.Sprintf("%s 成功，耗时 %dms", source, elapsed.Milliseconds())
	} else {
		metrics.JobRuns.WithLabelValues(name, "failure").Inc()
		logger.Errorf("[scheduler] %s 失败(%s, %s): %v", name, source, retry.Classify(err), err)
		entry.Level = "error"
		entry.Message = fmt.Sprintf("%s 失败(%s): %v", source, retry.Classify(err), err)
	}
	s.appendLog(entry)
	return err
}

func (s *Scheduler) appendLog(entry database.JobLogEntry) {
	if s.opts.JobLogger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.JobLogger.AppendJobLog(ctx, entry); err != nil {
		logger.Warnf("[scheduler] 写入任务日志失败: %v", err)
	}
}

func (s *Scheduler) recordSkip(st *jobState) {
	s.mu.Lock()
	st.stats.Skipped++
	s.mu.Unlock()
	metrics.JobRuns.WithLabelValues(st.job.Name, "skipped").Inc()
}

func (s *Scheduler) setNextRun(st *jobState, t time.Time) {
	s.mu.Lock()
	st.stats.NextRun = t
	s.mu.Unlock()
}

func (s *Scheduler) logStatus() {
	status := s.Status()
	logger.Infof("[scheduler] 状态: running=%v ready=%v\n%s", status.Running, status.Ready, RenderStatusTable(status))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("01-02 15:04:05")
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
