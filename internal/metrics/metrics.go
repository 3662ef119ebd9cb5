// Package metrics exposes a Router's Prometheus-format counters and
// gauges via github.com/VictoriaMetrics/metrics, using the same
// lazily-created, label-parameterized metrics.Set pattern the rest of the
// pack's production servers use for their request counters.
package metrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Router holds every metric one Router instance reports. One Router gets
// its own Set so that multiple Routers in the same process (tests, or a
// multi-listener deployment) don't collide on metric names.
type Router struct {
	set *metrics.Set

	ConnectionsActive *metrics.Gauge
	ConnectionsTotal  *metrics.Counter
	StrikesTotal      *metrics.Counter

	packetsRecv func(control string) *metrics.Counter
	packetsSent func(control string) *metrics.Counter
	drops       func(reason string) *metrics.Counter
}

// NewRouter constructs a Router metrics bundle under a fresh Set.
func NewRouter() *Router {
	set := metrics.NewSet()
	m := &Router{
		set:              set,
		ConnectionsTotal: set.NewCounter(`trip_router_connections_total`),
		StrikesTotal:     set.NewCounter(`trip_router_strikes_total`),
	}
	m.ConnectionsActive = set.NewGauge(`trip_router_connections_active`, nil)

	m.packetsRecv = func(control string) *metrics.Counter {
		return set.GetOrCreateCounter(`trip_router_packets_recv_total{control="` + control + `"}`)
	}
	m.packetsSent = func(control string) *metrics.Counter {
		return set.GetOrCreateCounter(`trip_router_packets_sent_total{control="` + control + `"}`)
	}
	m.drops = func(reason string) *metrics.Counter {
		return set.GetOrCreateCounter(`trip_router_drops_total{reason="` + reason + `"}`)
	}

	// Pre-create every label value so a fresh Router reports zero instead
	// of being absent from scrapes before the first packet of each kind.
	for _, c := range controlTypes {
		m.packetsRecv(c)
		m.packetsSent(c)
	}
	for _, r := range dropReasons {
		m.drops(r)
	}
	return m
}

var controlTypes = []string{
	"stream", "open", "challenge", "response", "forward", "ping",
	"renew", "renew_confirm", "notify", "notify_confirm",
	"kill", "kill_confirm", "reject", "unknown",
}

var dropReasons = []string{
	"malformed_packet", "auth_failure", "replay", "state_violation",
	"router_busy", "protocol_violation",
}

// RecordRecv increments the receive counter for a packet control type name
// (lowercase, as used by pkg/wire, e.g. "stream", "open", "ping").
func (m *Router) RecordRecv(control string) {
	m.packetsRecv(control).Inc()
}

// RecordSent increments the send counter for a packet control type name.
func (m *Router) RecordSent(control string) {
	m.packetsSent(control).Inc()
}

// RecordDrop increments the drop counter for a firewall decision reason:
// one of "malformed_packet", "auth_failure", "replay", "state_violation",
// "router_busy", "protocol_violation".
func (m *Router) RecordDrop(reason string) {
	m.drops(reason).Inc()
}

// WritePrometheus writes every metric in m's Set in Prometheus exposition
// format, for the Router's optional health/metrics HTTP endpoint.
func (m *Router) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
