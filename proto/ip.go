package proto

import (
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/riftpath/dissect/memview"
)

const (
	// IPTimeout is the idle-eviction deadline for an IPv4 sub-parser and
	// its fragment reassembly slots, matching original_source ip.c's
	// IP_TIMEOUT (60*60 seconds).
	IPTimeout = 60 * 60 * time.Second
	// IPHashSize is the IPv4 mux's MaxEntries; mirrors original_source
	// ip.c's IP_HASH_SIZE. Once the mux holds this many sub-parsers,
	// LookupOrCreate evicts the oldest one to make room for a new flow.
	IPHashSize = 10000

	// numReassemblySlots is the number of concurrent fragmented datagrams
	// one IP sub-parser tracks at once (original_source ip.c's
	// "reassembly[4]" array).
	numReassemblySlots = 4

	ipv4HeaderMinLen = 20
)

// IPKey canonicalizes a flow by (protocol, addr pair), matching
// original_source ip.c's struct ip_key / ip_key_ctor.
type IPKey struct {
	Protocol uint8
	AddrLo   [4]byte
	AddrHi   [4]byte
}

func NewIPKey(protocol uint8, src, dst [4]byte) (IPKey, Way) {
	lo, hi, way := CanonicalizeBytes(src[:], dst[:])
	var k IPKey
	k.Protocol = protocol
	copy(k.AddrLo[:], lo)
	copy(k.AddrHi[:], hi)
	return k, way
}

func (k IPKey) string() string {
	return string([]byte{k.Protocol, k.AddrLo[0], k.AddrLo[1], k.AddrLo[2], k.AddrLo[3],
		k.AddrHi[0], k.AddrHi[1], k.AddrHi[2], k.AddrHi[3]})
}

// IPInfo is the proto-info header attached to every IPv4 datagram, the Go
// analogue of original_source ip.c's struct ip_proto_info.
type IPInfo struct {
	Info
	Version uint8
	Src     net.IP
	Dst     net.IP
	Way     Way
	Proto   uint8
	TTL     uint8
}

type ipReassembly struct {
	inUse      bool
	id         uint16
	gotLast    bool
	endOffset  uint32
	wl         *WaitList
	subWay     Way
	subParser  Parser
	subInfo    *Info
}

// ipSubParser overloads a mux sub-parser with up to 4 concurrent IPv4
// fragment-reassembly slots, exactly as original_source ip.c's struct
// ip_subparser does.
type ipSubParser struct {
	reassembly [numReassemblySlots]ipReassembly
	nextSlot   int // round-robin eviction target, mirrors ip.c's static `target`
}

// IPSubProto records a registered L4 proto, keyed by IP protocol number,
// the Go analogue of original_source ip.c's ip_subprotos list.
type IPSubProto struct {
	Protocol uint8
	Proto    Proto
}

// IPProto is the IPv4 demultiplexer: decodes the IPv4 header, reassembles
// fragments, and dispatches the reassembled (or unfragmented) payload to
// whichever L4 proto is registered for the datagram's protocol number.
type IPProto struct {
	mux       *Mux
	log       *zap.SugaredLogger
	metrics   *Metrics
	clock     Clock
	subprotos []IPSubProto

	subparsers map[string]*ipSubParser
}

func NewIPProto(clock Clock, log *zap.SugaredLogger, metrics *Metrics) *IPProto {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = RealClock
	}
	return &IPProto{
		mux:        NewMux("IPv4", IPTimeout, IPHashSize, clock, log, metrics),
		log:        log,
		metrics:    metrics,
		clock:      clock,
		subparsers: make(map[string]*ipSubParser),
	}
}

func (p *IPProto) Name() string { return "IPv4" }

// RegisterSubProto registers proto as the handler for IPv4 protocol number
// protocol, mirroring original_source ip.c's ip_subproto_ctor. Supplements
// spec.md's distillation (orig §4 SUPPLEMENTED FEATURES): junkie lets any
// L4 proto (TCP, UDP, ICMP, ...) register itself instead of IP hardcoding
// one.
func (p *IPProto) RegisterSubProto(protocol uint8, proto Proto) {
	p.log.Debugw("registering IP sub-proto", "protocol", protocol, "proto", proto.Name())
	p.subprotos = append(p.subprotos, IPSubProto{Protocol: protocol, Proto: proto})
}

func (p *IPProto) DeregisterSubProto(protocol uint8) {
	out := p.subprotos[:0]
	for _, sp := range p.subprotos {
		if sp.Protocol != protocol {
			out = append(out, sp)
		}
	}
	p.subprotos = out
}

func (p *IPProto) lookupSubProto(protocol uint8) Proto {
	for _, sp := range p.subprotos {
		if sp.Protocol == protocol {
			return sp.Proto
		}
	}
	return nil
}

func isFragment(flagsAndOffset uint16) bool {
	moreFragments := flagsAndOffset&0x2000 != 0
	fragOffset := flagsAndOffset & 0x1fff
	return moreFragments || fragOffset != 0
}

func fragmentOffsetBytes(flagsAndOffset uint16) uint32 {
	return uint32(flagsAndOffset&0x1fff) * 8
}

// Parse decodes one IPv4 datagram. It always reports StatusOK to its
// caller once header validation passes: an unparseable or unclaimed
// payload still falls back to an info-only delivery, matching
// original_source ip.c's ip_parse "goto fallback; return PROTO_OK" shape
// (orig §7 "payload delivery is best effort").
func (p *IPProto) Parse(parent *Info, way Way, payload memview.MemView, capLen, wireLen int, now time.Time, okfn OkFn) Status {
	if int(payload.Len()) < ipv4HeaderMinLen {
		return StatusTooShort
	}

	hdr := payload.SubView(0, ipv4HeaderMinLen)
	verIHL := hdr.GetByte(0)
	version := verIHL >> 4
	ihl := int(verIHL&0x0f) * 4

	totLen := int(hdr.GetUint16(2))
	if totLen > wireLen {
		return StatusParseErr
	}
	if version != 4 {
		return StatusParseErr
	}
	if ihl > totLen || ihl < ipv4HeaderMinLen {
		return StatusParseErr
	}
	if ihl > int(payload.Len()) {
		return StatusTooShort
	}

	id := hdr.GetUint16(4)
	flagsFrag := hdr.GetUint16(6)
	ttl := hdr.GetByte(8)
	protocol := hdr.GetByte(9)
	var src, dst [4]byte
	srcBytes := payload.SubView(12, 16)
	dstBytes := payload.SubView(16, 20)
	for i := 0; i < 4; i++ {
		src[i] = srcBytes.GetByte(int64(i))
		dst[i] = dstBytes.GetByte(int64(i))
	}

	key, _ := NewIPKey(protocol, src, dst)
	info := IPInfo{
		Info:    NewInfo("IPv4", parent, ihl, totLen-ihl),
		Version: version,
		Src:     net.IP(src[:]),
		Dst:     net.IP(dst[:]),
		Proto:   protocol,
		TTL:     ttl,
	}
	info.Info.FlowKey = key.string()
	info.Info.LoopbackAddrs = src == dst
	info.Info.SrcAddr = info.Src
	info.Info.DstAddr = info.Dst

	headerView := payload.SubView(0, int64(ihl))
	if p.metrics != nil {
		headerBytes := make([]byte, ihl)
		for i := 0; i < ihl; i++ {
			headerBytes[i] = headerView.GetByte(int64(i))
		}
		if !checksumValid(headerBytes) {
			p.metrics.IPChecksumInvalid.Inc()
		}
	}
	okfn(info.Info, headerView, now)

	body := payload.SubView(int64(ihl), payload.Len())
	bodyWireLen := wireLen - ihl

	subProto := p.lookupSubProto(protocol)
	if subProto == nil {
		p.fallback(&info.Info, way, body, bodyWireLen, now, okfn)
		return StatusOK
	}

	subKey, subWay := NewIPKey(protocol, src, dst)
	info.Way = subWay
	sp, _ := p.mux.LookupOrCreate(subKey.string(), subProto, nil, now)

	if !isFragment(flagsFrag) {
		sp.Parser.Parse(&info.Info, subWay, body, int(body.Len()), bodyWireLen, now, okfn)
		p.mux.Unref(subKey.string())
		return StatusOK
	}

	ipsp := p.subparserFor(subKey.string())
	offset := fragmentOffsetBytes(flagsFrag)
	reassembly := p.reassemblyLookup(ipsp, id, now)
	reassembly.subWay = subWay
	reassembly.subParser = sp.Parser
	reassembly.subInfo = &info.Info

	fragLen := uint32(bodyWireLen)
	end := offset + fragLen
	moreFragments := flagsFrag&0x2000 != 0
	if !moreFragments {
		reassembly.gotLast = true
		reassembly.endOffset = end
	}
	reassembly.wl.Add(offset, end, subWay, info.Info, body, now)

	if reassembly.gotLast && reassembly.wl.IsComplete(0, reassembly.endOffset) {
		p.reassemble(reassembly, &info.Info, way, now, okfn)
	}

	p.mux.Unref(subKey.string())
	return StatusOK
}

// SweepReassembly force-drains any fragment-reassembly slot whose
// wait-list has sat idle past its own timeout, delivering whatever
// fragments were queued info-only (or through the registered sub-proto,
// if one ever claimed the slot) and freeing the slot -- a datagram
// missing its last fragment, or whose last fragment never closes a gap,
// otherwise pins a slot until a 4th distinct id round-robins it out
// (orig §4.2, scenario S5).
func (p *IPProto) SweepReassembly(now time.Time, okfn OkFn) {
	for _, sp := range p.subparsers {
		for i := range sp.reassembly {
			r := &sp.reassembly[i]
			if !r.inUse || !r.wl.IsStale(now) {
				continue
			}
			r.wl.ForceDrain(now, nil, func(dway Way, dinfo Info, dpayload memview.MemView, dnow time.Time) {
				if r.subParser != nil {
					r.subParser.Parse(&dinfo, dway, dpayload, int(dpayload.Len()), int(dpayload.Len()), dnow, okfn)
				} else {
					okfn(dinfo, dpayload, dnow)
				}
			})
			if p.metrics != nil {
				p.metrics.ReassemblyDone.WithLabelValues("timeout").Inc()
			}
			*r = ipReassembly{}
		}
	}
}

func (p *IPProto) fallback(parent *Info, way Way, body memview.MemView, wireLen int, now time.Time, okfn OkFn) {
	okfn(*parent, body, now)
}

func (p *IPProto) subparserFor(key string) *ipSubParser {
	sp, ok := p.subparsers[key]
	if !ok {
		sp = &ipSubParser{}
		p.subparsers[key] = sp
	}
	return sp
}

// reassemblyLookup implements original_source ip.c's ip_reassembly_lookup:
// reuse the slot already tracking this fragmentation id; otherwise use a
// free slot; otherwise round-robin evict the next slot in rotation.
func (p *IPProto) reassemblyLookup(sp *ipSubParser, id uint16, now time.Time) *ipReassembly {
	lastUnused := -1
	for i := range sp.reassembly {
		r := &sp.reassembly[i]
		if r.inUse {
			if r.id == id {
				return r
			}
			continue
		}
		lastUnused = i
	}

	idx := lastUnused
	if idx == -1 {
		idx = sp.nextSlot
		sp.nextSlot = (sp.nextSlot + 1) % numReassemblySlots
	}

	r := &sp.reassembly[idx]
	*r = ipReassembly{
		inUse: true,
		id:    id,
		wl:    NewWaitList("IP-reassembly", CompareUint32, 5, 100*time.Second, p.log, p.metrics),
	}
	return r
}

func (p *IPProto) reassemble(r *ipReassembly, parent *Info, way Way, now time.Time, okfn OkFn) {
	if !r.wl.IsComplete(0, r.endOffset) {
		return
	}
	payload := r.wl.Reassemble(0, r.endOffset)
	if r.subParser != nil {
		r.subParser.Parse(r.subInfo, r.subWay, payload, int(payload.Len()), int(r.endOffset), now, okfn)
	}
	if p.metrics != nil {
		p.metrics.ReassemblyDone.WithLabelValues("ok").Inc()
	}
	*r = ipReassembly{}
}

// checksumValid verifies the IPv4 header checksum, a validation the
// distilled spec doesn't mention but original_source's wire-format
// parsing performs implicitly via the kernel/NIC. Parse only counts
// failures via IPChecksumInvalid rather than rejecting the datagram: a
// capture source that hasn't offloaded checksum verification (or a
// synthetic/replayed capture with recomputed checksums) shouldn't lose
// payload delivery over it.
func checksumValid(hdr []byte) bool {
	if len(hdr) < ipv4HeaderMinLen {
		return false
	}
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return sum&0xffff == 0xffff
}
