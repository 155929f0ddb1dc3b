package proto

import "bytes"

// CanonicalizeBytes orders the pair (a, b) by byte-lexicographic comparison
// and reports which side came first. This is the "way" bit described
// throughout orig §3/§4: two hosts talking to each other hash to the same
// sub-parser regardless of which one happens to be the packet's source,
// and the bit records which literal ordering was observed so per-direction
// bookkeeping (wait-lists, ack/fin tracking) can still tell the two sides
// apart. Mirrors original_source ip.c's ip_key_ctor byte-compare-and-swap.
func CanonicalizeBytes(a, b []byte) (lo, hi []byte, way Way) {
	if bytes.Compare(a, b) <= 0 {
		return a, b, Way0
	}
	return b, a, Way1
}

// CanonicalizeUint16 is the TCP/UDP analogue of CanonicalizeBytes: port
// pairs canonicalize numerically rather than lexicographically over bytes,
// matching original_source tcp.c's port_key_init usage pattern (ports are
// compared as plain integers, not as their big-endian byte encoding).
func CanonicalizeUint16(a, b uint16) (lo, hi uint16, way Way) {
	if a <= b {
		return a, b, Way0
	}
	return b, a, Way1
}
