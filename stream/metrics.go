package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamhub/metric"
)

// Metrics holds Prometheus instrumentation for the streaming hub. A nil
// *Metrics is safe to pass anywhere a Metrics is accepted; all call sites
// guard on nil so metrics are strictly optional.
type Metrics struct {
	sessionsOpen  prometheus.Gauge
	sessionsTotal prometheus.Counter
	eventsWritten prometheus.Counter
	writeErrors   *prometheus.CounterVec

	replayEvents    prometheus.Counter
	replayPartial   prometheus.Counter
	roomMembers     *prometheus.GaugeVec
	roomBroadcasts  prometheus.Counter
	remotePublished prometheus.Counter
	remoteReceived  prometheus.Counter
	remoteErrors    *prometheus.CounterVec
}

// NewMetrics creates and registers hub metrics. A nil registry yields nil
// metrics, matching the optional-observability convention used throughout.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamhub",
			Subsystem: "sessions",
			Name:      "open",
			Help:      "Current number of registered sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Total number of sessions accepted",
		}),
		eventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "events",
			Name:      "written_total",
			Help:      "Total number of events delivered to transports",
		}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "events",
			Name:      "write_errors_total",
			Help:      "Total write failures by reason",
		}, []string{"reason"}),
		replayEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "replay",
			Name:      "events_total",
			Help:      "Total number of events redelivered during reconnection",
		}),
		replayPartial: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "replay",
			Name:      "partial_total",
			Help:      "Total reconnections where eviction left a gap in replay",
		}),
		roomMembers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamhub",
			Subsystem: "rooms",
			Name:      "members",
			Help:      "Current member count per room",
		}, []string{"room"}),
		roomBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "rooms",
			Name:      "broadcasts_total",
			Help:      "Total broadcast operations",
		}),
		remotePublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "remote",
			Name:      "published_total",
			Help:      "Total envelopes published to the distributed adapter",
		}),
		remoteReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "remote",
			Name:      "received_total",
			Help:      "Total envelopes received from the distributed adapter",
		}),
		remoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "remote",
			Name:      "errors_total",
			Help:      "Total adapter failures by kind",
		}, []string{"kind"}),
	}

	registrations := []func() error{
		func() error { return registry.RegisterGauge("stream", "sessions_open", m.sessionsOpen) },
		func() error { return registry.RegisterCounter("stream", "sessions_opened_total", m.sessionsTotal) },
		func() error { return registry.RegisterCounter("stream", "events_written_total", m.eventsWritten) },
		func() error { return registry.RegisterCounterVec("stream", "events_write_errors_total", m.writeErrors) },
		func() error { return registry.RegisterCounter("stream", "replay_events_total", m.replayEvents) },
		func() error { return registry.RegisterCounter("stream", "replay_partial_total", m.replayPartial) },
		func() error { return registry.RegisterGaugeVec("stream", "rooms_members", m.roomMembers) },
		func() error { return registry.RegisterCounter("stream", "rooms_broadcasts_total", m.roomBroadcasts) },
		func() error { return registry.RegisterCounter("stream", "remote_published_total", m.remotePublished) },
		func() error { return registry.RegisterCounter("stream", "remote_received_total", m.remoteReceived) },
		func() error { return registry.RegisterCounterVec("stream", "remote_errors_total", m.remoteErrors) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
