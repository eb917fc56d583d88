package rabbitmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker's prometheus collectors.
type Metrics struct {
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
	Reconnects      prometheus.Counter
	Connected       prometheus.Gauge
	Subscriptions   prometheus.Gauge
	Deliveries      *prometheus.CounterVec
	ConsumerErrors  *prometheus.CounterVec
	RebindDuration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmate_worker_connect_attempts_total",
			Help: "Total number of broker dial attempts",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmate_worker_connect_failures_total",
			Help: "Total number of failed broker dial attempts",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmate_worker_reconnects_total",
			Help: "Total number of recoveries started after unexpected connection loss",
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mmate_worker_connected",
			Help: "1 while a broker channel is live",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mmate_worker_subscriptions",
			Help: "Number of registered subscriptions",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_worker_deliveries_total",
			Help: "Total number of deliveries dispatched to consumers",
		}, []string{"exchange"}),
		ConsumerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_worker_consumer_errors_total",
			Help: "Total number of consumer callbacks that failed",
		}, []string{"exchange"}),
		RebindDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mmate_worker_rebind_duration_seconds",
			Help:    "Time taken to rebind all exchanges after a reconnect",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
