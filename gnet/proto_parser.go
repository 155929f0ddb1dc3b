package gnet

import (
	"time"

	"github.com/google/uuid"

	"github.com/riftpath/dissect/memview"
	"github.com/riftpath/dissect/proto"
)

// AcceptDecision is the outcome of offering a TCPParserFactory a prefix of
// a byte stream: it either recognizes the start of its protocol, needs
// more bytes before it can tell, or rejects the prefix outright.
type AcceptDecision int

const (
	NeedMoreData AcceptDecision = iota
	Accept
	Reject
)

// TCPParser incrementally parses one occurrence of a stream-oriented
// protocol message (an HTTP request, an FTP/SMTP command line, ...) out
// of a byte stream delivered in contiguous, in-order chunks.
type TCPParser interface {
	Name() string

	// Parse consumes as much of input as it can use. If parsing
	// completes, result is non-nil and unused holds any bytes read past
	// the end of this message (to be replayed as the start of the next
	// one). isEnd reports that the stream has no further bytes coming;
	// a parser that needs more input it will never get should treat
	// isEnd as EOF rather than block forever.
	Parse(input memview.MemView, isEnd bool) (result ParsedNetworkContent, unused memview.MemView, totalBytesConsumed int64, err error)
}

// TCPParserFactory recognizes the start of one stream-oriented protocol
// message and spawns a TCPParser to consume it.
type TCPParserFactory interface {
	Name() string
	Accepts(input memview.MemView, isEnd bool) (decision AcceptDecision, discardFront int64)
	CreateParser(id TCPBidiID, seq, ack uint32) TCPParser
}

// TCPParserFactorySelector picks whichever registered factory recognizes
// the current byte stream prefix, trying each in turn.
type TCPParserFactorySelector interface {
	Select(input memview.MemView, isEnd bool) (fact TCPParserFactory, decision AcceptDecision, discardFront int64)
}

type factorySelector struct {
	factories []TCPParserFactory
}

// NewTCPParserFactorySelector builds a selector that offers each
// registered factory the stream prefix in order, accepting the first
// one that claims it. If none accepts but at least one wants more data,
// the selector asks for more data; otherwise it rejects outright.
func NewTCPParserFactorySelector(factories ...TCPParserFactory) TCPParserFactorySelector {
	return &factorySelector{factories: factories}
}

func (s *factorySelector) Select(input memview.MemView, isEnd bool) (TCPParserFactory, AcceptDecision, int64) {
	wantsMore := false
	minDiscard := int64(-1)
	for _, f := range s.factories {
		switch decision, discard := f.Accepts(input, isEnd); decision {
		case Accept:
			return f, Accept, discard
		case NeedMoreData:
			wantsMore = true
			if minDiscard < 0 || discard < minDiscard {
				minDiscard = discard
			}
		}
	}
	if wantsMore {
		return nil, NeedMoreData, minDiscard
	}
	return nil, Reject, input.Len()
}

// directionState tracks one side of a bidirectional byte stream's
// in-progress message parsing, mirroring the teacher's tcpFlow (orig
// pcap/pcap_stream.go) but driven by proto.WaitList's contiguous
// delivery instead of gopacket/reassembly's ScatterGather.
type directionState struct {
	currentParser TCPParser

	// unusedAccept holds bytes that were offered to the selector but
	// not yet claimed, kept so they're not lost if the stream ends
	// before enough data arrives to decide.
	unusedAccept memview.MemView
}

// StreamProto adapts a byte-stream-oriented protocol (one recognized by
// trying TCPParserFactory instances against a contiguous run of bytes)
// into a proto.Proto, so it can sit as a TCP sub-parser the engine
// dispatches into via proto.TCPProto's per-direction wait-lists.
type StreamProto struct {
	ProtoName string
	Selector  TCPParserFactorySelector

	// OnContent, if set, is called with every completed message before
	// Emit, given the parent proto.Info (addresses/ports) alongside the
	// parsed content. Used by protos whose content can predict a future
	// connection (FTP's PORT/PASV) to register an expectation without
	// this adapter needing to know anything about proto.CnxTrack.
	OnContent func(parent *proto.Info, content ParsedNetworkContent, now time.Time)

	Emit func(NetTraffic)
}

var _ proto.Proto = (*StreamProto)(nil)

func (p *StreamProto) Name() string { return p.ProtoName }

func (p *StreamProto) NewParser() proto.Parser {
	return &streamParser{proto: p, connID: uuid.New()}
}

type streamParser struct {
	proto  *StreamProto
	connID uuid.UUID
	dirs   [2]directionState
}

var _ proto.Parser = (*streamParser)(nil)

// Parse feeds one contiguous, in-order chunk of a TCP stream direction
// into this connection's parser state. It is called once per delivery
// from proto.TCPProto's per-direction WaitList, so way consistently
// identifies one side of the connection across calls.
func (sp *streamParser) Parse(parent *proto.Info, way proto.Way, payload memview.MemView, capLen, wireLen int, now time.Time, okfn proto.OkFn) proto.Status {
	okfn(*parent, payload, now)

	dir := &sp.dirs[way]
	input := dir.unusedAccept
	input.Append(payload)
	dir.unusedAccept = memview.Empty()

	isEnd := false
	status := proto.StatusOK

	for input.Len() > 0 {
		if dir.currentParser == nil {
			fact, decision, discardFront := sp.proto.Selector.Select(input, isEnd)
			if discardFront > 0 {
				input = input.SubView(discardFront, input.Len())
			}
			switch decision {
			case Accept:
				dir.currentParser = fact.CreateParser(TCPBidiID(sp.connID), parent.Seq, parent.Ack)
			case NeedMoreData:
				dir.unusedAccept = input
				return status
			default: // Reject
				return proto.StatusParseErr
			}
		}

		content, unused, _, err := dir.currentParser.Parse(input, isEnd)
		if err != nil {
			dir.currentParser = nil
			status = proto.StatusParseErr
			break
		}
		if content == nil {
			// Parser wants more bytes than we have right now; buffer what
			// we've accumulated so far and wait for the next delivery.
			dir.unusedAccept = input
			return status
		}

		if sp.proto.OnContent != nil {
			sp.proto.OnContent(parent, content, now)
		}

		if sp.proto.Emit != nil {
			sp.proto.Emit(NetTraffic{
				LayerType:       sp.proto.ProtoName,
				SrcIP:           parent.SrcAddr,
				SrcPort:         int(parent.SrcPort),
				DstIP:           parent.DstAddr,
				DstPort:         int(parent.DstPort),
				Content:         content,
				ObservationTime: now,
				FinalPacketTime: now,
			})
		}
		dir.currentParser = nil
		input = unused
	}

	return status
}
