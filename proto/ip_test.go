package proto

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/riftpath/dissect/memview"
)

// recordingParser remembers every payload delivered to it.
type recordingParser struct {
	calls []string
}

func (p *recordingParser) Parse(parent *Info, way Way, payload memview.MemView, capLen, wireLen int, now time.Time, okfn OkFn) Status {
	p.calls = append(p.calls, payload.String())
	return StatusOK
}

type recordingProto struct {
	name   string
	parser *recordingParser
}

func (p *recordingProto) Name() string { return p.name }
func (p *recordingProto) NewParser() Parser {
	if p.parser == nil {
		p.parser = &recordingParser{}
	}
	return p.parser
}

// buildIPv4 constructs a minimal IPv4 datagram (no options) carrying
// payload, with the given fragmentation fields.
func buildIPv4(t *testing.T, id uint16, flagsAndFrag uint16, protocol byte, src, dst [4]byte, payload []byte) []byte {
	t.Helper()
	totalLen := 20 + len(payload)
	buf := make([]byte, totalLen)
	buf[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], flagsAndFrag)
	buf[8] = 64 // TTL
	buf[9] = protocol
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	copy(buf[20:], payload)
	return buf
}

func TestIPProtoUnfragmentedDelivery(t *testing.T) {
	ip := NewIPProto(nil, nil, nil)
	rp := &recordingProto{name: "TCP"}
	ip.RegisterSubProto(6, rp)

	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}
	datagram := buildIPv4(t, 1, 0, 6, src, dst, []byte("hello"))

	status := ip.Parse(nil, Way0, memview.New(datagram), len(datagram), len(datagram), time.Unix(0, 0), func(Info, memview.MemView, time.Time) {})

	if status != StatusOK {
		t.Fatalf("status = %v, want StatusOK", status)
	}
	if rp.parser == nil || len(rp.parser.calls) != 1 || rp.parser.calls[0] != "hello" {
		t.Fatalf("expected sub-proto to receive the unfragmented payload, got %+v", rp.parser)
	}
}

func TestIPProtoNoRegisteredSubProtoFallsBackToOkFn(t *testing.T) {
	ip := NewIPProto(nil, nil, nil)

	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}
	datagram := buildIPv4(t, 1, 0, 17, src, dst, []byte("udp payload"))

	var seen string
	okfn := func(info Info, payload memview.MemView, now time.Time) {
		seen = payload.String()
	}
	status := ip.Parse(nil, Way0, memview.New(datagram), len(datagram), len(datagram), time.Unix(0, 0), okfn)

	if status != StatusOK {
		t.Fatalf("status = %v, want StatusOK", status)
	}
	if seen != "udp payload" {
		t.Fatalf("expected fallback delivery via okfn, got %q", seen)
	}
}

func TestIPProtoRejectsBadVersion(t *testing.T) {
	ip := NewIPProto(nil, nil, nil)
	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}
	datagram := buildIPv4(t, 1, 0, 6, src, dst, []byte("x"))
	datagram[0] = 0x55 // version 5

	status := ip.Parse(nil, Way0, memview.New(datagram), len(datagram), len(datagram), time.Unix(0, 0), func(Info, memview.MemView, time.Time) {})
	if status != StatusParseErr {
		t.Fatalf("status = %v, want StatusParseErr", status)
	}
}

func TestIPProtoTooShortHeader(t *testing.T) {
	ip := NewIPProto(nil, nil, nil)
	status := ip.Parse(nil, Way0, memview.New([]byte{0x45, 0x00, 0x00}), 3, 3, time.Unix(0, 0), func(Info, memview.MemView, time.Time) {})
	if status != StatusTooShort {
		t.Fatalf("status = %v, want StatusTooShort", status)
	}
}

func TestIPProtoFragmentReassembly(t *testing.T) {
	ip := NewIPProto(nil, nil, nil)
	rp := &recordingProto{name: "TCP"}
	ip.RegisterSubProto(6, rp)

	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}
	full := []byte("0123456789abcdef") // 16 bytes, two 8-byte fragments

	// First fragment: more-fragments bit set (0x2000), offset 0.
	frag1 := buildIPv4(t, 42, 0x2000, 6, src, dst, full[:8])
	// Second fragment: no more-fragments, offset field = 8/8 = 1.
	frag2 := buildIPv4(t, 42, 1, 6, src, dst, full[8:])

	now := time.Unix(0, 0)
	okfn := func(Info, memview.MemView, time.Time) {}

	st1 := ip.Parse(nil, Way0, memview.New(frag1), len(frag1), len(frag1), now, okfn)
	if st1 != StatusOK {
		t.Fatalf("frag1 status = %v, want StatusOK", st1)
	}
	if rp.parser != nil && len(rp.parser.calls) != 0 {
		t.Fatalf("expected no delivery before reassembly completes, got %+v", rp.parser.calls)
	}

	st2 := ip.Parse(nil, Way0, memview.New(frag2), len(frag2), len(frag2), now, okfn)
	if st2 != StatusOK {
		t.Fatalf("frag2 status = %v, want StatusOK", st2)
	}
	if rp.parser == nil || len(rp.parser.calls) != 1 || rp.parser.calls[0] != string(full) {
		t.Fatalf("expected reassembled payload %q, got %+v", full, rp.parser)
	}
}

func TestIPProtoSweepReassemblyForceDrainsStaleFragment(t *testing.T) {
	ip := NewIPProto(nil, nil, nil)
	rp := &recordingProto{name: "TCP"}
	ip.RegisterSubProto(6, rp)

	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}

	// A lone MF=1 fragment with no follow-up: gotLast is never set, so the
	// live Parse path never reassembles it and the slot would otherwise sit
	// forever.
	frag := buildIPv4(t, 99, 0x2000, 6, src, dst, []byte("partial1"))

	start := time.Unix(0, 0)
	okfn := func(Info, memview.MemView, time.Time) {}
	if st := ip.Parse(nil, Way0, memview.New(frag), len(frag), len(frag), start, okfn); st != StatusOK {
		t.Fatalf("status = %v, want StatusOK", st)
	}
	if rp.parser != nil && len(rp.parser.calls) != 0 {
		t.Fatalf("expected no delivery before the sweep forces it, got %+v", rp.parser.calls)
	}

	// Before the reassembly timeout elapses, the sweep should leave the
	// slot alone.
	ip.SweepReassembly(start.Add(1*time.Second), okfn)
	found := false
	for _, sp := range ip.subparsers {
		for _, r := range sp.reassembly {
			if r.inUse {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("expected the reassembly slot to still be in use before its timeout elapses")
	}

	// The slot has a registered sub-proto, so the forced drain delivers
	// through it rather than info-only via okfn.
	ip.SweepReassembly(start.Add(200*time.Second), okfn)
	if rp.parser == nil || len(rp.parser.calls) != 1 || rp.parser.calls[0] != "partial1" {
		t.Fatalf("expected the stale fragment delivered through the registered sub-proto, got %+v", rp.parser)
	}
	for _, sp := range ip.subparsers {
		for _, r := range sp.reassembly {
			if r.inUse {
				t.Fatal("expected the reassembly slot to be freed after the forced drain")
			}
		}
	}
}

func TestChecksumValid(t *testing.T) {
	hdr := buildIPv4(t, 1, 0, 6, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, nil)[:20]

	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	binary.BigEndian.PutUint16(hdr[10:12], ^uint16(sum))

	if !checksumValid(hdr) {
		t.Fatal("expected a correctly computed checksum to validate")
	}

	hdr[10] ^= 0xff
	if checksumValid(hdr) {
		t.Fatal("expected a corrupted checksum to be rejected")
	}
}

func TestIsFragmentAndFragmentOffsetBytes(t *testing.T) {
	if isFragment(0) {
		t.Fatal("flags=0, offset=0 should not be a fragment")
	}
	if !isFragment(0x2000) {
		t.Fatal("more-fragments bit set should mark a fragment")
	}
	if !isFragment(5) {
		t.Fatal("nonzero fragment offset should mark a fragment")
	}
	if got := fragmentOffsetBytes(5); got != 40 {
		t.Fatalf("fragmentOffsetBytes(5) = %d, want 40", got)
	}
}
