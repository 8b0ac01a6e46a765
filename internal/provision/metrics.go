package provision

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 部署流水线指标，nil 时所有方法为空操作
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	StageDuration *prometheus.HistogramVec
	StageRetries  *prometheus.CounterVec
	StageFailures *prometheus.CounterVec
}

// NewMetrics 在 reg 上注册指标
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total deployment runs by result",
			},
			[]string{"result"},
		),
		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployments_active",
				Help:      "Deployment runs currently in progress",
			},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Stage execution duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"stage", "result"},
		),
		StageRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_retries_total",
				Help:      "Stage re-executions after remediation",
			},
			[]string{"stage"},
		),
		StageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Terminal stage failures",
			},
			[]string{"stage"},
		),
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

func (m *Metrics) runFinished(success bool) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	result := "failed"
	if success {
		result = "succeeded"
	}
	m.RunsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) stageFinished(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "succeeded"
	if err != nil {
		result = "failed"
		m.StageFailures.WithLabelValues(stage).Inc()
	}
	m.StageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

func (m *Metrics) stageRetried(stage string) {
	if m == nil {
		return
	}
	m.StageRetries.WithLabelValues(stage).Inc()
}
