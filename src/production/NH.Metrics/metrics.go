package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "neurohome"

	ResultOK             = "ok"
	ResultInvalid        = "invalid_payload"
	ResultStorageFailure = "storage_failure"
	ResultUnknownDevice  = "unknown_device"
	ResultError          = "error"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	messagesReceived  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	routeErrors       *prometheus.CounterVec
	ingestResults     *prometheus.CounterVec
	ingestDuration    prometheus.Histogram
	eventsForwarded   prometheus.Counter
	fanoutDelivered   *prometheus.CounterVec
	fanoutDropped     prometheus.Counter
	connections       prometheus.Gauge
	subscriptions     prometheus.Gauge
	controlResults    *prometheus.CounterVec
	transportState    prometheus.Gauge
	reconnectAttempts prometheus.Counter
	devicesOnline     prometheus.Gauge
	sinkErrors        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil registerer
// yields a nil *Metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_received_total",
			Help:      "Inbound MQTT messages by topic kind",
		}, []string{"kind"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped before handling, by reason",
		}, []string{"reason"}),
		routeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "errors_total",
			Help:      "Messages whose handler failed or panicked, by kind",
		}, []string{"kind"}),
		ingestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_total",
			Help:      "Sensor readings by ingest result",
		}, []string{"result"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Time to ingest one sensor reading",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_forwarded_total",
			Help:      "Device events forwarded to subscribers",
		}),
		fanoutDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "frames_queued_total",
			Help:      "Frames queued for subscribers, by event",
		}, []string{"event"}),
		fanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a subscriber outbox was full",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Open real-time connections",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscriptions",
			Help:      "Connection to device subscriptions",
		}),
		controlResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Control commands by result",
		}, []string{"result"}),
		transportState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connect_failures_total",
			Help:      "Failed broker connection attempts",
		}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "devices_online",
			Help:      "Devices currently marked online",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Storage write failures by sink",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.messagesReceived,
		m.messagesDropped,
		m.routeErrors,
		m.ingestResults,
		m.ingestDuration,
		m.eventsForwarded,
		m.fanoutDelivered,
		m.fanoutDropped,
		m.connections,
		m.subscriptions,
		m.controlResults,
		m.transportState,
		m.reconnectAttempts,
		m.devicesOnline,
		m.sinkErrors,
	)
	return m
}

func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RouteError(kind string) {
	if m == nil {
		return
	}
	m.routeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) IngestResult(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ingestResults.WithLabelValues(result).Inc()
	m.ingestDuration.Observe(took.Seconds())
}

func (m *Metrics) EventForwarded() {
	if m == nil {
		return
	}
	m.eventsForwarded.Inc()
}

func (m *Metrics) FramesQueued(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.fanoutDelivered.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.fanoutDropped.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) ControlResult(result string) {
	if m == nil {
		return
	}
	m.controlResults.WithLabelValues(result).Inc()
}

// TransportState records the numeric value of the connection state
func (m *Metrics) TransportState(state int) {
	if m == nil {
		return
	}
	m.transportState.Set(float64(state))
}

func (m *Metrics) ConnectFailure() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) SetDevicesOnline(n int) {
	if m == nil {
		return
	}
	m.devicesOnline.Set(float64(n))
}

func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}
