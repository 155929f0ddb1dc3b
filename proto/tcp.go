package proto

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riftpath/dissect/memview"
)

const (
	// TCPHashSize mirrors original_source tcp.c's TCP_HASH_SIZE, the
	// table's expected-occupancy hint.
	TCPHashSize = 67

	// Wait-list tuning taken verbatim from original_source tcp.c's
	// tcp_init: pkt_wl_config_ctor(&tcp_wl_config, "TCP-reordering",
	// 100000, 20, 100000, 3, true).
	tcpWaitListMaxPayloadBytes = 100000
	tcpWaitListMaxWaiting      = 20
	tcpReorderingTimeout       = 3 * time.Second

	tcpHeaderMinLen = 20

	cnxTrackDefaultTTL = 60 * time.Second
)

type srvState uint8

const (
	srvUnset srvState = iota
	srvUnsure
	srvCertain
)

// TCPInfo is the proto-info header attached to every TCP segment, the Go
// analogue of original_source tcp.c's struct tcp_proto_info.
type TCPInfo struct {
	Info
	SrcPort, DstPort uint16
	Syn, Ack, Fin, Rst, Urg, Psh bool
	Window                       uint16
	AckNum, SeqNum               uint32
	UrgPtr                       uint16
	ToSrv                        bool
	Options                      TCPOptions
}

// TCPOptions records the recognized TCP option kinds seen in one segment's
// header, mirroring original_source tcp.c's parse_next_option (kinds 0/1
// decoded inline, 2 and 3 decoded into MSS/WSF, everything else recorded
// by kind only).
type TCPOptions struct {
	Kinds  []uint8
	MSS    uint16
	HasMSS bool
	WSF    uint8
	HasWSF bool
}

// parseNextOption consumes one TCP option from data, returning the number
// of bytes consumed. A negative return indicates a malformed option list.
func parseNextOption(opts *TCPOptions, data []byte) int {
	if len(data) == 0 {
		return -1
	}
	kind := data[0]
	opts.Kinds = append(opts.Kinds, kind)

	switch kind {
	case 0: // end of option list
		return len(data)
	case 1: // no-op
		return 1
	}

	if len(data) < 2 {
		return -1
	}
	length := int(data[1])
	if length < 2 || length > len(data) {
		return -1
	}

	switch kind {
	case 2: // MSS
		if length != 4 {
			return -1
		}
		opts.HasMSS = true
		opts.MSS = uint16(data[2])<<8 | uint16(data[3])
	case 3: // window scale factor
		if length != 3 {
			return -1
		}
		opts.HasWSF = true
		opts.WSF = data[2]
	}
	return length
}

// tcpSubParser overloads a mux sub-parser with the dual per-direction
// wait-lists and bitfields original_source tcp.c's struct tcp_subparser
// tracks. Its mutex is held across wait-list insertion, draining, and
// bookkeeping, released before the caller drops its own reference (orig
// §5 concurrency model).
type tcpSubParser struct {
	mu sync.Mutex

	connID   uuid.UUID
	lastUsed time.Time

	finSeqNum [2]uint32
	maxAckNum [2]uint32
	finSet    [2]bool
	ackSet    [2]bool
	synSet    [2]bool
	wlSet     [2]bool

	wl [2]*WaitList

	srvWay Way
	srvSet srvState

	proto     Proto
	parser    Parser
	requestor Proto

	terminated bool
	reset      bool // saw RST
}

// TCPProto is the TCP demultiplexer: reassembles each direction's byte
// stream in sequence-number order, infers client/server roles, detects
// connection termination, and dispatches to whichever proto the
// connection tracker or port muxer table selects.
type TCPProto struct {
	log     *zap.SugaredLogger
	metrics *Metrics
	clock   Clock

	CnxTrack  *CnxTrack
	PortMuxer *PortMuxerTable

	// OnTerminate, if set, is invoked once when a connection's dual
	// FIN+ACK termination condition is detected, or it is reset.
	OnTerminate func(connID uuid.UUID, reset bool)

	mu         sync.Mutex
	subparsers map[string]*tcpSubParser
}

func NewTCPProto(clock Clock, log *zap.SugaredLogger, metrics *Metrics) *TCPProto {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = RealClock
	}
	return &TCPProto{
		log:        log,
		metrics:    metrics,
		clock:      clock,
		CnxTrack:   NewCnxTrack(cnxTrackDefaultTTL, log, metrics),
		PortMuxer:  NewPortMuxerTable(),
		subparsers: make(map[string]*tcpSubParser),
	}
}

func (p *TCPProto) Name() string { return "TCP" }

// NewParser satisfies Proto by handing back the TCPProto singleton itself:
// TCPProto already demultiplexes every connection internally by tcpKey (its
// subparsers map), so IPProto's mux can reuse the same *TCPProto as the
// Parser for every IPv4 host-pair slot that registers protocol 6, instead
// of spawning a fresh instance per slot.
func (p *TCPProto) NewParser() Parser { return p }

// tcpKey canonicalizes a connection's key within its enclosing IP flow:
// the ports are ordered the same way regardless of which physical packet
// direction produced them, using the IP layer's "way" bit as the
// tie-breaker -- exactly original_source tcp.c's use of port_key_init
// with the IP-derived way, so both directions of one connection hash to
// the same subparser.
func tcpKey(flowKey string, srcPort, dstPort uint16, ipWay Way) string {
	portLo, portHi := srcPort, dstPort
	if ipWay == Way1 {
		portLo, portHi = dstPort, srcPort
	}
	return fmt.Sprintf("%s|%d|%d", flowKey, portLo, portHi)
}

func comesFromClient(srcPort, dstPort uint16, syn, ack bool) bool {
	if syn && !ack {
		return true // bare SYN: sender is the client
	}
	if syn && ack {
		return false // SYN-ACK: sender is the server
	}
	// No handshake flags observed (e.g. we joined mid-stream): fall back
	// to the conventional well-known-port heuristic.
	return srcPort > dstPort
}

// Parse decodes one TCP segment and feeds it through per-direction
// reordering, termination detection, and sub-proto dispatch. Like
// original_source tcp.c's tcp_parse, it always reports StatusOK once
// header validation passes -- failures downstream fall back to an
// info-only delivery rather than propagating as an error (orig §7).
func (p *TCPProto) Parse(parent *Info, way Way, payload memview.MemView, capLen, wireLen int, now time.Time, okfn OkFn) Status {
	if wireLen < tcpHeaderMinLen {
		return StatusParseErr
	}
	if int(payload.Len()) < tcpHeaderMinLen {
		return StatusTooShort
	}

	hdr := payload.SubView(0, tcpHeaderMinLen)
	sport := hdr.GetUint16(0)
	dport := hdr.GetUint16(2)
	seq := hdr.GetUint32(4)
	ack := hdr.GetUint32(8)
	offsetByte := hdr.GetByte(12)
	hdrLen := int(offsetByte>>4) * 4
	flags := hdr.GetByte(13)

	if hdrLen < tcpHeaderMinLen || hdrLen > wireLen {
		return StatusParseErr
	}
	if hdrLen > int(payload.Len()) {
		return StatusTooShort
	}

	info := TCPInfo{
		Info:    NewInfo("TCP", parent, hdrLen, wireLen-hdrLen),
		SrcPort: sport, DstPort: dport,
		Syn: flags&0x02 != 0, Ack: flags&0x10 != 0, Fin: flags&0x01 != 0,
		Rst: flags&0x04 != 0, Urg: flags&0x20 != 0, Psh: flags&0x08 != 0,
		Window: hdr.GetUint16(14), UrgPtr: hdr.GetUint16(18),
		AckNum: ack, SeqNum: seq,
	}
	if parent != nil {
		info.Info.FlowKey = parent.FlowKey
		info.Info.SrcAddr = parent.SrcAddr
		info.Info.DstAddr = parent.DstAddr
	}
	info.Info.SrcPort = sport
	info.Info.DstPort = dport
	info.Info.Seq = seq
	info.Info.Ack = ack

	optBytes := make([]byte, 0, hdrLen-tcpHeaderMinLen)
	if hdrLen > tcpHeaderMinLen {
		optView := payload.SubView(tcpHeaderMinLen, int64(hdrLen))
		for i := int64(0); i < optView.Len(); i++ {
			optBytes = append(optBytes, optView.GetByte(i))
		}
	}
	for rem := optBytes; len(rem) > 0; {
		n := parseNextOption(&info.Options, rem)
		if n < 0 {
			return StatusParseErr
		}
		rem = rem[n:]
	}

	// Patch way if source and destination addresses are identical
	// (loopback): fall back to comparing ports, matching
	// original_source tcp.c's tcp_parse loopback correction.
	if parent != nil && parent.LoopbackAddrs {
		if sport < dport {
			way = Way0
		} else {
			way = Way1
		}
	}

	key := tcpKey(info.Info.FlowKey, sport, dport, way)
	sub := p.lookupOrCreate(key, &info, way, now)
	if sub == nil {
		okfn(info.Info, payload.SubView(int64(hdrLen), payload.Len()), now)
		return StatusOK
	}

	sub.mu.Lock()

	sub.lastUsed = now
	p.setWLList(sub, &info, way)

	if info.Ack && (!sub.ackSet[way] || CompareTCPSeq(info.AckNum, sub.maxAckNum[way]) > 0) {
		sub.ackSet[way] = true
		sub.maxAckNum[way] = info.AckNum
	}
	if info.Fin {
		sub.finSet[way] = true
		sub.finSeqNum[way] = info.SeqNum + uint32(info.Info.PayloadLen)
	}
	if info.Syn {
		sub.synSet[way] = true
	}
	if info.Rst {
		sub.reset = true
	}

	if sub.srvSet == srvUnset || (sub.srvSet == srvUnsure && info.Syn) {
		if comesFromClient(sport, dport, info.Syn, info.Ack) {
			sub.srvWay = way.Other()
		} else {
			sub.srvWay = way
		}
		if info.Syn {
			sub.srvSet = srvCertain
		} else {
			sub.srvSet = srvUnsure
		}
	}
	info.ToSrv = sub.srvWay != way

	body := payload.SubView(int64(hdrLen), payload.Len())
	packetLen := uint32(wireLen - hdrLen)
	offset := info.SeqNum
	consumed := packetLen
	if info.Syn {
		consumed++
	}
	if info.Fin {
		consumed++
	}
	nextOffset := offset + consumed

	status := StatusOK
	if sub.wl[way].IsRetransmit(offset) {
		okfn(info.Info, memview.Empty(), now)
	} else {
		sub.wl[way].Add(offset, nextOffset, way, info.Info, body, now)
		sub.wl[way].TryDrain(func(dway Way, dinfo Info, dpayload memview.MemView, dnow time.Time) {
			if sub.parser != nil {
				if sub.parser.Parse(&dinfo, dway, dpayload, int(dpayload.Len()), int(dpayload.Len()), dnow, okfn) == StatusParseErr {
					status = StatusParseErr
				}
			} else {
				okfn(dinfo, dpayload, dnow)
			}
		})
	}

	other := way.Other()
	sub.wl[other].TryDrain(func(dway Way, dinfo Info, dpayload memview.MemView, dnow time.Time) {
		if sub.parser != nil {
			if sub.parser.Parse(&dinfo, dway, dpayload, int(dpayload.Len()), int(dpayload.Len()), dnow, okfn) == StatusParseErr {
				status = StatusParseErr
			}
		} else {
			okfn(dinfo, dpayload, dnow)
		}
	})

	term := p.isTerminated(sub)
	if term && !sub.terminated {
		sub.terminated = true
		if p.metrics != nil {
			p.metrics.TCPTerminations.Inc()
		}
		if p.OnTerminate != nil {
			p.OnTerminate(sub.connID, sub.reset)
		}
	} else if status == StatusParseErr {
		p.log.Debugw("no suitable sub-parser for TCP payload, deref it", "key", key)
		sub.proto = nil
		sub.parser = nil
		sub.requestor = nil
	}
	sub.mu.Unlock()

	if term {
		p.mu.Lock()
		delete(p.subparsers, key)
		p.mu.Unlock()
	}

	if status == StatusOK {
		return StatusOK
	}
	okfn(info.Info, body, now)
	return StatusOK
}

// isTerminated implements original_source tcp.c's tcp_subparser_term:
// both directions must have sent a FIN, and each FIN's sequence number
// must already be acked from the other direction. Caller must hold
// sub.mu.
func (p *TCPProto) isTerminated(sub *tcpSubParser) bool {
	way0Done := sub.finSet[0] && sub.ackSet[1] && CompareTCPSeq(sub.maxAckNum[1], sub.finSeqNum[0]) > 0
	way1Done := sub.finSet[1] && sub.ackSet[0] && CompareTCPSeq(sub.maxAckNum[0], sub.finSeqNum[1]) > 0
	return way0Done && way1Done
}

// setWLList pins each direction's wait-list watermark the first time it's
// observed, either from that direction's own first sequence number or
// from the other direction's first ack number -- original_source tcp.c's
// set_wl_list.
func (p *TCPProto) setWLList(sub *tcpSubParser, info *TCPInfo, way Way) {
	if !sub.wlSet[way] {
		sub.wl[way].SetNextOffset(info.SeqNum)
		sub.wlSet[way] = true
	}
	other := way.Other()
	if !sub.wlSet[other] && info.Ack {
		sub.wl[other].SetNextOffset(info.AckNum)
		sub.wlSet[other] = true
	}
}

// SweepWaitLists force-drains any per-direction reordering wait-list
// that has sat idle past its own timeout, delivering whatever was queued
// through the connection's child parser (or info-only, if none is
// registered yet) instead of leaving it stuck behind a missing segment
// forever (orig §4.2).
func (p *TCPProto) SweepWaitLists(now time.Time, okfn OkFn) {
	p.mu.Lock()
	subs := make([]*tcpSubParser, 0, len(p.subparsers))
	for _, sub := range p.subparsers {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		parser := sub.parser
		wls := sub.wl
		sub.mu.Unlock()

		for _, wl := range wls {
			wl.ForceDrain(now, nil, func(dway Way, dinfo Info, dpayload memview.MemView, dnow time.Time) {
				if parser != nil {
					parser.Parse(&dinfo, dway, dpayload, int(dpayload.Len()), int(dpayload.Len()), dnow, okfn)
				} else {
					okfn(dinfo, dpayload, dnow)
				}
			})
		}
	}
}

// lookupSubProto mirrors original_source tcp.c's lookup_subproto: try the
// connection tracker's predictions first, then the static port table.
func (p *TCPProto) lookupSubProto(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16, now time.Time) (Proto, Proto) {
	if proto, requestor, ok := p.CnxTrack.Lookup(6, srcAddr, srcPort, dstAddr, dstPort, now); ok {
		return proto, requestor
	}
	if proto := p.PortMuxer.Find(srcPort, dstPort); proto != nil {
		return proto, nil
	}
	return nil, nil
}

// lookupOrCreate implements original_source tcp.c's
// lookup_or_create_tcp_subparser: find (or spawn) the subparser for this
// connection, and if it has no child parser yet, try to select one.
func (p *TCPProto) lookupOrCreate(key string, info *TCPInfo, way Way, now time.Time) *tcpSubParser {
	p.mu.Lock()
	sub, ok := p.subparsers[key]
	if !ok {
		sub = &tcpSubParser{
			connID: uuid.New(),
			wl: [2]*WaitList{
				NewWaitList("TCP-reordering", CompareTCPSeq, tcpWaitListMaxWaiting, tcpReorderingTimeout, p.log, p.metrics),
				NewWaitList("TCP-reordering", CompareTCPSeq, tcpWaitListMaxWaiting, tcpReorderingTimeout, p.log, p.metrics),
			},
		}
		p.subparsers[key] = sub
	}
	p.mu.Unlock()

	if sub.parser != nil {
		return sub
	}

	subProto, requestor := p.lookupSubProto(info.Info.SrcAddr.String(), info.SrcPort, info.Info.DstAddr.String(), info.DstPort, now)
	if subProto != nil {
		sub.mu.Lock()
		sub.proto = subProto
		sub.requestor = requestor
		sub.parser = subProto.NewParser()
		sub.mu.Unlock()
	}
	return sub
}

// EvictIdle tears down connections that have sat idle past timeout
// without reaching the dual-FIN termination condition -- the mux-level
// idle sweep that applies to TCP the same way it applies to every other
// mux cache in the engine (orig §4.1, §5), covering captures that start
// mid-flow or never see a clean close (orig §9 Open Question 2).
func (p *TCPProto) EvictIdle(now time.Time, timeout time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for key, sub := range p.subparsers {
		sub.mu.Lock()
		idle := now.Sub(sub.lastUsed) > timeout
		sub.mu.Unlock()
		if idle {
			delete(p.subparsers, key)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debugw("evicted idle TCP sub-parsers", "count", evicted)
		if p.metrics != nil {
			p.metrics.MuxEvictions.WithLabelValues("TCP").Add(float64(evicted))
		}
	}
	return evicted
}
