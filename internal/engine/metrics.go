package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полное время обработки запроса шины (политика, адаптер, аудит)
	RequestDuration *prometheus.HistogramVec

	// Traffic: запросы по каналу и итоговому статусу
	TotalRequests *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker KB-адаптера (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Saturation: занятые слоты обработчиков шины
	HandlersBusy prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_request_duration_seconds",
			Help:    "Histogram of bus request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"subject", "status"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_requests_total",
			Help: "Total number of processed bus requests.",
		}, []string{"subject", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: policy_deny, policy_unavailable, validation, adapter, audit, publish

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_circuit_breaker_state",
			Help: "Current state of the KB connector circuit breaker (0=closed, 1=open).",
		}, []string{"kb_id"}),

		HandlersBusy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mesh_bus_handlers_busy",
			Help: "Bus handlers currently running.",
		}),
	}
}

// BreakerObserver: колбэк для connectors.NewReliabilityWrapper
func (m *Metrics) BreakerObserver(kbID string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerState.WithLabelValues(kbID).Set(v)
}
