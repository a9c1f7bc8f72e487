package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fittrack/ml"
)

// Metrics 服务指标
type Metrics struct {
	// counters
	CounterRequests      *prometheus.CounterVec
	CounterPredictions   *prometheus.CounterVec
	CounterRegistrations prometheus.Counter
	CounterPanics        prometheus.Counter

	// gauges
	GaugeInFlight   prometheus.Gauge
	GaugeModelState prometheus.Gauge
	GaugeWSClients  prometheus.Gauge

	// histograms
	HistTrainingDuration     prometheus.Histogram
	HistogramRequestDuration *prometheus.HistogramVec
}

// SetupPrometheus 创建注册表并加入运行时和进程指标
func SetupPrometheus() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewTestMetrics 创建使用独立注册表的指标
func NewTestMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewMetrics("fittrack", "test", reg), reg
}

// NewMetrics 创建并注册指标
func NewMetrics(namespace, subsystem string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CounterRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "The total number of incoming requests",
		}, []string{"method", "status"}),
		CounterPredictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "predictions_total",
			Help:      "Calorie predictions served, by cache result",
		}, []string{"cache"}),
		CounterRegistrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "registrations_total",
			Help:      "The total number of registered users",
		}),
		CounterPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handle_request_panic",
			Help:      "The total number of serve request panics",
		}),
		GaugeInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_requests",
			Help:      "Current number of requests served",
		}),
		GaugeModelState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "model_state",
			Help:      "0 untrained, 1 trained, 2 unavailable",
		}),
		GaugeWSClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "leaderboard_ws_clients",
			Help:      "Connected leaderboard websocket clients",
		}),
		HistTrainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "training_duration_seconds",
			Help:      "Duration of model training in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		HistogramRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Histogram of response time for requests in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "method", "status_code"}),
	}
}

// ObservePrediction 实现 ml.PredictionObserver
func (m *Metrics) ObservePrediction(cached bool) {
	if cached {
		m.CounterPredictions.WithLabelValues("hit").Inc()
		return
	}
	m.CounterPredictions.WithLabelValues("miss").Inc()
}

// ObserveRegistration 实现 tracker.RegistrationObserver
func (m *Metrics) ObserveRegistration() {
	m.CounterRegistrations.Inc()
}

// ObserveTraining 记录一次训练的耗时和结果状态
func (m *Metrics) ObserveTraining(result ml.TrainResult, state ml.State) {
	m.HistTrainingDuration.Observe(result.Duration.Seconds())
	m.GaugeModelState.Set(float64(state))
}

// ObserveRequest 记录一次HTTP请求
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	code := statusText(status)
	m.CounterRequests.WithLabelValues(method, code).Inc()
	m.HistogramRequestDuration.WithLabelValues(route, method, code).Observe(elapsed.Seconds())
}

func statusText(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
