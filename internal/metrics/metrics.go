package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "encho", Name: "job_runs_total", Help: "Job executions by outcome"},
		[]string{"job", "outcome"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "encho",
			Name:      "job_duration_seconds",
			Help:      "Job execution duration",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job"},
	)
	Ready = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "encho", Name: "ready", Help: "1 once the startup readiness gate has passed"},
	)
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "encho", Name: "decisions_total", Help: "Decisions by source and direction"},
		[]string{"source", "direction"},
	)
	SizingRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "encho", Name: "sizing_rejections_total", Help: "Sizer rejections by code"},
		[]string{"code"},
	)
	PositionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "encho", Name: "positions_opened_total", Help: "Positions opened by side"},
		[]string{"side"},
	)
	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "encho", Name: "positions_closed_total", Help: "Positions closed by reason and side"},
		[]string{"reason", "side"},
	)
	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "encho", Name: "realized_pnl_usd", Help: "Realized P/L since start"},
	)
	PriceUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "encho", Name: "price_updates_total", Help: "Price reads by source"},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(JobRuns, JobDuration, Ready, Decisions, SizingRejections, PositionsOpened, PositionsClosed, RealizedPnL, PriceUpdates)
}

// Handler /metrics 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
