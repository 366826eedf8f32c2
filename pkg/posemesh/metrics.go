package posemesh

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors on an isolated registry,
// so embedding this module into a larger process never collides with that
// process's own default registry.
type Metrics struct {
	Registry *prometheus.Registry

	CommandsTotal  *prometheus.CounterVec
	EventsTotal    *prometheus.CounterVec
	DHTQueryTotal  *prometheus.CounterVec
	GossipRecvTotal *prometheus.CounterVec
	NodesKnown     prometheus.Gauge
	RelayListening prometheus.Gauge
}

// NewMetrics builds a Metrics instance and registers all collectors on a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posemesh_commands_total",
				Help: "Commands processed by the engine, by kind and result.",
			},
			[]string{"kind", "result"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posemesh_events_total",
				Help: "Events emitted to callers, by kind.",
			},
			[]string{"kind"},
		),
		DHTQueryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posemesh_dht_query_total",
				Help: "Completed DHT closest-peers queries, by result.",
			},
			[]string{"result"},
		),
		GossipRecvTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posemesh_gossip_received_total",
				Help: "Gossip messages received, by topic.",
			},
			[]string{"topic"},
		),
		NodesKnown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "posemesh_nodes_known",
				Help: "Number of distinct Node descriptors currently in the directory.",
			},
		),
		RelayListening: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "posemesh_relay_listening",
				Help: "1 if the engine currently holds a relay circuit listen, else 0.",
			},
		),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.EventsTotal,
		m.DHTQueryTotal,
		m.GossipRecvTotal,
		m.NodesKnown,
		m.RelayListening,
	)
	return m
}
