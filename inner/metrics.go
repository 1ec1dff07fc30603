package inner

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

// Metrics owns the process's Prometheus registry and the per-operation
// collectors. It implements records.Observer.
type Metrics struct {
	logger *slog.Logger

	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

func NewMetrics(logger *slog.Logger) (m *Metrics, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()

	if err = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return
	}

	if err = reg.Register(collectors.NewGoCollector()); err != nil {
		return
	}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deferdb",
		Name:      "operations_total",
		Help:      "Number of settled operations by operation and outcome.",
	}, []string{"operation", "outcome"})
	if err = reg.Register(operations); err != nil {
		return
	}

	operationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deferdb",
		Name:      "operation_duration_seconds",
		Help:      "Time from issuing an operation until its future settled.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"operation"})
	if err = reg.Register(operationDuration); err != nil {
		return
	}

	return &Metrics{
		logger:            logger,
		registry:          reg,
		operations:        operations,
		operationDuration: operationDuration,
	}, nil
}

func (m *Metrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) AttachMetrics(sm *http.ServeMux) {
	sm.Handle("/metrics", m.handler())
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorLog:          slog.NewLogLogger(m.logger.Handler(), slog.LevelError),
		},
	)
}
