package proto

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/riftpath/dissect/memview"
)

// IP protocol numbers IPProto can dispatch on, mirroring original_source
// ip.c's static ip_subproto registrations for TCP/UDP/ICMP
// (proto_of_ip_protocol in the original). NewEngine registers only
// IPProtoTCP; UDP and ICMP have no proto wired in by default.
const (
	IPProtoICMP = 1
	IPProtoTCP  = 6
	IPProtoUDP  = 17
)

// Engine is the top-level protocol tree root: one IPv4 demultiplexer with
// a TCP sub-proto wired in, ready to receive decoded IPv4 datagrams from
// a capture source. It plays the role original_source's single static
// "eth parser -> ip parser -> ..." chain plays, minus the link layer
// (left to the capture package, which already knows how to peel off
// whatever framing gopacket decoded).
type Engine struct {
	Clock   Clock
	Log     *zap.SugaredLogger
	Metrics *Metrics

	IP  *IPProto
	TCP *TCPProto
}

// NewEngine builds an Engine with IPv4 demultiplexing wired to TCP by
// default. Callers add further IP sub-protos (UDP, ICMP, ...) and TCP
// port bindings via IP.RegisterSubProto / TCP.PortMuxer.AddPort.
func NewEngine(clock Clock, log *zap.SugaredLogger, reg prometheus.Registerer) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = RealClock
	}

	metrics := NewMetrics(reg)
	ip := NewIPProto(clock, log, metrics)
	tcp := NewTCPProto(clock, log, metrics)
	ip.RegisterSubProto(IPProtoTCP, tcp)

	return &Engine{Clock: clock, Log: log, Metrics: metrics, IP: ip, TCP: tcp}
}

// ParseIPv4 feeds one captured IPv4 datagram (with any link-layer framing
// already stripped) into the engine, delivering every frame it touches
// -- successfully parsed or not -- to okfn.
func (e *Engine) ParseIPv4(payload memview.MemView, capLen, wireLen int, now time.Time, okfn OkFn) Status {
	return e.IP.Parse(nil, Way0, payload, capLen, wireLen, now, okfn)
}

// Sweep evicts idle state across every mux and wait-list the engine
// owns, standing in for the source's periodic garbage-collection pass
// over proto_infos and mux_subparsers (orig §4.1). okfn receives any
// payload a force-drained wait-list flushes past a stale gap; pass a
// no-op if the caller only cares about eviction bookkeeping.
func (e *Engine) Sweep(now time.Time, okfn OkFn) {
	e.IP.mux.EvictIdle(now)
	e.IP.SweepReassembly(now, okfn)
	e.TCP.EvictIdle(now, tcpReorderingTimeout)
	e.TCP.SweepWaitLists(now, okfn)
	e.TCP.CnxTrack.ExpireOlderThan(now)
}
