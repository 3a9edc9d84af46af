// Package web 状态与运维接口：存活/就绪探针、运行快照、手动触发任务、Prometheus 指标。
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/metrics"
	"github.com/GETSUNWOO/futures-encho/internal/scheduler"
)

// JobControl 调度器中接口层需要的部分。
type JobControl interface {
	Ready() bool
	Status() scheduler.Status
	Trigger(name string, force bool) error
}

// StatusProvider 交易侧快照（持仓、账户、最近一次决策）。
type StatusProvider interface {
	StatusSnapshot(ctx context.Context) any
}

// DecisionLister 最近的决策记录，可为空。
type DecisionLister interface {
	RecentDecisions(ctx context.Context, limit int) ([]database.DecisionRecord, error)
}

type Server struct {
	addr      string
	jobs      JobControl
	status    StatusProvider
	decisions DecisionLister
	startedAt time.Time
	engine    *gin.Engine
}

func NewServer(addr string, jobs JobControl, status StatusProvider, decisions DecisionLister) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:      addr,
		jobs:      jobs,
		status:    status,
		decisions: decisions,
		startedAt: time.Now(),
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/livez", s.handleLive)
	r.GET("/readyz", s.handleReady)
	r.GET("/status", s.handleStatus)
	r.GET("/decisions", s.handleDecisions)
	r.POST("/jobs/:name/trigger", s.handleTrigger)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.engine = r
	return s
}

// Handler 供测试直接调用。
func (s *Server) Handler() http.Handler { return s.engine }

// Run 监听直到 ctx 结束，随后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Infof("[http] 监听 %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("[http] 关闭失败: %v", err)
	}
	return nil
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime_s": int64(time.Since(s.startedAt).Seconds())})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.jobs.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"uptime_s":  int64(time.Since(s.startedAt).Seconds()),
		"scheduler": s.jobs.Status(),
	}
	if s.status != nil {
		resp["trading"] = s.status.StatusSnapshot(c.Request.Context())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDecisions(c *gin.Context) {
	if s.decisions == nil {
		c.JSON(http.StatusOK, gin.H{"decisions": []database.DecisionRecord{}})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 200 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 需在 1-200"})
		return
	}
	recs, err := s.decisions.RecentDecisions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs})
}

func (s *Server) handleTrigger(c *gin.Context) {
	name := c.Param("name")
	force := true
	switch c.Query("force") {
	case "0", "false":
		force = false
	}
	err := s.jobs.Trigger(name, force)
	switch {
	case err == nil:
		logger.Infof("[http] 手动触发 %s (force=%v)", name, force)
		c.JSON(http.StatusAccepted, gin.H{"job": name, "triggered": true})
	case errors.Is(err, scheduler.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
