// Package metrics exposes the service's Prometheus collectors. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "notification_service"

// Collector is a prometheus.Collector for the consume, fan-out and
// connection paths.
type Collector struct {
	messagesConsumed     *prometheus.CounterVec
	handleDuration       prometheus.Histogram
	notificationsCreated *prometheus.CounterVec
	deliveries           prometheus.Counter
	activeConnections    prometheus.Gauge
	connectionsClosed    *prometheus.CounterVec
	consumerState        prometheus.Gauge
	reconnects           prometheus.Counter
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		messagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_consumed_total",
				Help:      "Broker messages settled, by disposition.",
			}, []string{"disposition"},
		),
		handleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "message_handle_seconds",
				Help:      "Time from receipt to settlement of a broker message.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		notificationsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_created_total",
				Help:      "Notifications persisted, by type.",
			}, []string{"type"},
		),
		deliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_total",
				Help:      "Users a notification was pushed to over a live connection.",
			},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_connections",
				Help:      "The number of active real-time connections.",
			},
		),
		connectionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "connections_closed_total",
				Help:      "Real-time connections closed, by reason.",
			}, []string{"reason"},
		),
		consumerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "consumer_state",
				Help:      "Broker consumer state: 0 disconnected, 1 connecting, 2 consuming, 3 reconnecting, 4 failed.",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broker_reconnects_total",
				Help:      "Broker sessions lost and reconnected.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.messagesConsumed.Describe(ch)
	c.handleDuration.Describe(ch)
	c.notificationsCreated.Describe(ch)
	c.deliveries.Describe(ch)
	c.activeConnections.Describe(ch)
	c.connectionsClosed.Describe(ch)
	c.consumerState.Describe(ch)
	c.reconnects.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.messagesConsumed.Collect(ch)
	c.handleDuration.Collect(ch)
	c.notificationsCreated.Collect(ch)
	c.deliveries.Collect(ch)
	c.activeConnections.Collect(ch)
	c.connectionsClosed.Collect(ch)
	c.consumerState.Collect(ch)
	c.reconnects.Collect(ch)
}

func (c *Collector) MessageSettled(disposition string, took time.Duration) {
	if c == nil {
		return
	}
	c.messagesConsumed.WithLabelValues(disposition).Inc()
	c.handleDuration.Observe(took.Seconds())
}

func (c *Collector) NotificationCreated(notificationType string) {
	if c == nil {
		return
	}
	c.notificationsCreated.WithLabelValues(notificationType).Inc()
}

func (c *Collector) Delivered(users int) {
	if c == nil {
		return
	}
	c.deliveries.Add(float64(users))
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.activeConnections.Inc()
}

func (c *Collector) ConnectionClosed(reason string) {
	if c == nil {
		return
	}
	c.activeConnections.Dec()
	c.connectionsClosed.WithLabelValues(reason).Inc()
}

func (c *Collector) ConsumerState(state int) {
	if c == nil {
		return
	}
	c.consumerState.Set(float64(state))
}

func (c *Collector) BrokerReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}
