package proto

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the engine's Prometheus collectors. Ambient observability
// the source expressed as in-process counters; this is the idiomatic Go
// analogue (not named by spec.md, carried per SPEC_FULL.md's ambient
// stack section).
type Metrics struct {
	MuxOccupancy      *prometheus.GaugeVec
	MuxEvictions      *prometheus.CounterVec
	WaitListDrains    *prometheus.CounterVec
	ReassemblyDone    *prometheus.CounterVec
	TCPTerminations   prometheus.Counter
	CnxTrackExpired   prometheus.Counter
	NetmatchLoadFails prometheus.Counter
	IPChecksumInvalid prometheus.Counter
}

// NewMetrics builds a Metrics set and registers it with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MuxOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dissect",
			Name:      "mux_occupancy",
			Help:      "Live sub-parsers currently held by a mux cache.",
		}, []string{"mux"}),
		MuxEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dissect",
			Name:      "mux_evictions_total",
			Help:      "Sub-parsers evicted from a mux cache, by mux.",
		}, []string{"mux"}),
		WaitListDrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dissect",
			Name:      "waitlist_forced_drains_total",
			Help:      "Wait-list flushes forced by a timeout rather than contiguous delivery.",
		}, []string{"waitlist"}),
		ReassemblyDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dissect",
			Name:      "ip_reassembly_completed_total",
			Help:      "IPv4 fragment reassemblies completed.",
		}, []string{"result"}),
		TCPTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dissect",
			Name:      "tcp_terminations_total",
			Help:      "TCP sub-parsers torn down due to dual FIN+ACK termination detection.",
		}),
		CnxTrackExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dissect",
			Name:      "cnxtrack_expired_total",
			Help:      "Connection-tracker expectations that expired unused.",
		}),
		NetmatchLoadFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dissect",
			Name:      "netmatch_plugin_load_failures_total",
			Help:      "Netmatch filter plugin loads that failed.",
		}),
		IPChecksumInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dissect",
			Name:      "ip_checksum_invalid_total",
			Help:      "IPv4 headers observed with an invalid checksum.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MuxOccupancy, m.MuxEvictions, m.WaitListDrains, m.ReassemblyDone,
			m.TCPTerminations, m.CnxTrackExpired, m.NetmatchLoadFails, m.IPChecksumInvalid,
		)
	}
	return m
}
