package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 预测流水线指标
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	rowsPredicted prometheus.Counter
	runDuration   prometheus.Histogram
	requests      *prometheus.CounterVec
	wsClients     prometheus.Gauge
}

// NewMetrics 创建指标收集器，每个实例使用独立的注册表
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "salesforecast_runs_total",
			Help: "Prediction runs by final status",
		}, []string{"status"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "salesforecast_failures_total",
			Help: "Failed prediction runs by pipeline stage",
		}, []string{"stage"}),
		rowsPredicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "salesforecast_rows_predicted_total",
			Help: "Rows that received a prediction",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "salesforecast_run_duration_seconds",
			Help:    "Duration of a full query-to-result run",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "salesforecast_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "salesforecast_ws_clients",
			Help: "Connected websocket clients",
		}),
	}
}

// ObserveSuccess 记录成功的运行
func (m *Metrics) ObserveSuccess(rows int, d time.Duration) {
	m.runs.WithLabelValues("ok").Inc()
	m.rowsPredicted.Add(float64(rows))
	m.runDuration.Observe(d.Seconds())
}

// ObserveFailure 记录失败的运行及其阶段
func (m *Metrics) ObserveFailure(stage string, d time.Duration) {
	m.runs.WithLabelValues("failed").Inc()
	m.failures.WithLabelValues(stage).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveRequest(route, code string) {
	m.requests.WithLabelValues(route, code).Inc()
}

func (m *Metrics) setClients(n int) {
	m.wsClients.Set(float64(n))
}

// Handler 返回 /metrics 的处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
