// Package proto implements the protocol demultiplexing and stream
// reassembly engine: a tree of parsers in which every node is both a leaf,
// decoding one protocol header, and a mux, routing what remains of the
// payload to a child keyed by a protocol-specific flow key.
package proto

import (
	"net"
	"time"

	"github.com/riftpath/dissect/memview"
)

// Status is the three-way outcome of a single Parse call. It is a typed
// result rather than an error because PROTO_TOO_SHORT is a routine,
// expected outcome (the caller may be able to get a fuller frame from a
// coarser-grained consumer), not a failure.
type Status int

const (
	// StatusOK indicates a full or partial success: everything the parser
	// could make sense of has been dispatched, and the caller should not
	// retry this payload with a different proto.
	StatusOK Status = iota

	// StatusParseErr indicates the payload was rejected as malformed for
	// this proto. The caller should treat the sub-parser's association
	// with this proto as invalid and let the next packet search again.
	StatusParseErr

	// StatusTooShort indicates the parser needs more captured bytes than
	// it was given. The caller may be able to retry with a longer
	// capture length from a less aggressive truncation policy.
	StatusTooShort
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusParseErr:
		return "PARSE_ERR"
	case StatusTooShort:
		return "TOO_SHORT"
	default:
		return "UNKNOWN"
	}
}

// OkFn is invoked once per frame that contributed to a parse, successful or
// not, so that any code tracking raw capture statistics (e.g. "N frames
// seen for this flow") stays accurate even when an upper-layer parser never
// runs. Matches the source's proto_okfn_t contract (orig §4, §7).
type OkFn func(info Info, payload memview.MemView, now time.Time)

// Info is the header every proto-specific info struct embeds. It threads
// the parse chain from child back to parent without the child owning its
// parent (orig §9 "cyclic references... favor an arena index or weak
// handle").
type Info struct {
	Name       string
	Parent     *Info
	HeadLen    int
	PayloadLen int

	// FlowKey is the parent's canonical flow identity, threaded down so a
	// child proto can fold it into its own sub-parser key without needing
	// a typed reference back to the parent's concrete info struct (orig
	// §9: no owning back-edge from child to parent).
	FlowKey string

	// LoopbackAddrs is set by an address-bearing proto (e.g. IPv4) when
	// a packet's source and destination addresses are identical, so a
	// port-bearing child (TCP) can fall back to numeric port comparison
	// to pick a stable "way", matching original_source tcp.c's loopback
	// way-correction in tcp_parse.
	LoopbackAddrs bool

	// SrcAddr/DstAddr and SrcPort/DstPort are filled in by whichever
	// proto in the chain owns that addressing concept (IPv4 sets the
	// addresses, TCP sets the ports), so a leaf content emitter several
	// levels down the tree (e.g. an HTTP parser producing a NetTraffic
	// for display) can label its output without a typed reference to
	// IPInfo or TCPInfo.
	SrcAddr, DstAddr net.IP
	SrcPort, DstPort uint16

	// Seq/Ack are the TCP sequence and acknowledgement numbers of the
	// segment currently being delivered, set by TCPProto so a
	// stream-oriented child several levels down can correlate a request
	// with its reply the way original_source's HTTP/FTP layers do: the
	// ack on the first segment of a request equals the seq on the first
	// segment of its reply.
	Seq, Ack uint32
}

func NewInfo(name string, parent *Info, headLen, payloadLen int) Info {
	return Info{Name: name, Parent: parent, HeadLen: headLen, PayloadLen: payloadLen}
}

// Way reports which side of a canonicalized flow key a packet belongs to:
// 0 if the packet travels in the key's natural (addr[0]->addr[1]) order, 1
// if it was "hashed the other way".
type Way uint8

const (
	Way0 Way = 0
	Way1 Way = 1
)

func (w Way) Other() Way {
	if w == Way0 {
		return Way1
	}
	return Way0
}

// Parser is a live, stateful instance of a Proto attached to one flow. It
// is the node in the parser tree that orig §4.9 describes as "dynamic
// dispatch by opcode... a tagged union or an interface, never ad hoc
// function-pointer switches".
type Parser interface {
	// Parse consumes payload belonging to one packet of the flow this
	// parser was created for. way indicates which direction the packet
	// travels in (for parsers that are direction-sensitive, such as TCP).
	// now is the packet's capture timestamp, used for idle-timeout
	// bookkeeping. okfn is invoked for the frame regardless of outcome.
	Parse(parent *Info, way Way, payload memview.MemView, capLen, wireLen int, now time.Time, okfn OkFn) Status
}

// Proto is the factory side of a protocol: the thing registered with a mux
// so that a fresh Parser can be spawned for a newly observed flow.
type Proto interface {
	Name() string
	NewParser() Parser
}

// ParserFunc adapts a plain function to Parser, used by tests and by small
// leaf protos that keep no state across packets.
type ParserFunc func(parent *Info, way Way, payload memview.MemView, capLen, wireLen int, now time.Time, okfn OkFn) Status

func (f ParserFunc) Parse(parent *Info, way Way, payload memview.MemView, capLen, wireLen int, now time.Time, okfn OkFn) Status {
	return f(parent, way, payload, capLen, wireLen, now, okfn)
}
