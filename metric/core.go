package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics shared across channel
// protocols (not specific to any one channel implementation).
type Metrics struct {
	// Channel lifecycle metrics
	ChannelState     *prometheus.GaugeVec
	MessagesPosted   *prometheus.CounterVec
	MessagesRecv     *prometheus.CounterVec
	ProcessDuration  *prometheus.HistogramVec
	ErrorsTotal      *prometheus.CounterVec
	StreamClients    *prometheus.GaugeVec

	// NATS metrics (channel/nats)
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ChannelState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tll",
				Subsystem: "channel",
				Name:      "state",
				Help:      "Channel state (0=Closed,1=Opening,2=Active,3=Closing,4=Error,5=Destroy)",
			},
			[]string{"channel", "protocol"},
		),

		MessagesPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tll",
				Subsystem: "channel",
				Name:      "posted_total",
				Help:      "Total number of messages posted to a channel",
			},
			[]string{"channel", "protocol"},
		),

		MessagesRecv: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tll",
				Subsystem: "channel",
				Name:      "received_total",
				Help:      "Total number of messages delivered by a channel's Process",
			},
			[]string{"channel", "protocol"},
		),

		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tll",
				Subsystem: "channel",
				Name:      "process_duration_seconds",
				Help:      "Time spent in a single Process call",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel", "protocol"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tll",
				Subsystem: "channel",
				Name:      "errors_total",
				Help:      "Total number of errors raised by a channel",
			},
			[]string{"channel", "protocol"},
		),

		StreamClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tll",
				Subsystem: "stream",
				Name:      "clients",
				Help:      "Number of active stream replay clients",
			},
			[]string{"channel"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tll",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tll",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tll",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tll",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordChannelState updates the channel state gauge.
func (c *Metrics) RecordChannelState(channel, protocol string, state int) {
	c.ChannelState.WithLabelValues(channel, protocol).Set(float64(state))
}

// RecordPosted increments the posted-message counter.
func (c *Metrics) RecordPosted(channel, protocol string) {
	c.MessagesPosted.WithLabelValues(channel, protocol).Inc()
}

// RecordReceived increments the received-message counter.
func (c *Metrics) RecordReceived(channel, protocol string) {
	c.MessagesRecv.WithLabelValues(channel, protocol).Inc()
}

// RecordProcessDuration records how long a Process call took.
func (c *Metrics) RecordProcessDuration(channel, protocol string, duration time.Duration) {
	c.ProcessDuration.WithLabelValues(channel, protocol).Observe(duration.Seconds())
}

// RecordError increments the channel error counter.
func (c *Metrics) RecordError(channel, protocol string) {
	c.ErrorsTotal.WithLabelValues(channel, protocol).Inc()
}

// RecordStreamClients sets the active stream-client gauge.
func (c *Metrics) RecordStreamClients(channel string, n int) {
	c.StreamClients.WithLabelValues(channel).Set(float64(n))
}

// RecordNATSStatus updates NATS connection status.
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time.
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments the reconnection counter.
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates the circuit breaker status gauge.
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
