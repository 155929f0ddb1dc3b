package proto

import (
	"sync"

	"golang.org/x/exp/slices"
)

// PortBinding is one (name, port range, proto) entry in a PortMuxerTable.
type PortBinding struct {
	Name    string
	PortMin uint16
	PortMax uint16
	Proto   Proto
}

// PortMuxerTable is TCP's (or UDP's) ordered list of port-range-to-proto
// bindings, with mutation methods standing in for the source's Scheme
// extension functions (original_source tcp.c's tcp-ports/tcp-add-port/
// tcp-del-port, orig §4.6 and §6). The binding itself (a Scheme REPL) is
// out of scope; the table and its API are not.
type PortMuxerTable struct {
	mu       sync.RWMutex
	bindings []PortBinding
}

func NewPortMuxerTable() *PortMuxerTable {
	return &PortMuxerTable{}
}

// AddPort registers proto for [portMin, portMax], the Go analogue of
// (tcp-add-port "proto" port [port-max]). Bindings stay in insertion
// order -- Find's first-match scan relies on it to break ties between
// overlapping ranges the way port_muxer_list does, so this must never
// sort the slice.
func (t *PortMuxerTable) AddPort(name string, portMin, portMax uint16, proto Proto) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings = append(t.bindings, PortBinding{Name: name, PortMin: portMin, PortMax: portMax, Proto: proto})
}

// DelPort removes a binding matching name and the exact range, the
// analogue of (tcp-del-port "proto" port [port-max]).
func (t *PortMuxerTable) DelPort(name string, portMin, portMax uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := slices.IndexFunc(t.bindings, func(b PortBinding) bool {
		return b.Name == name && b.PortMin == portMin && b.PortMax == portMax
	})
	if idx >= 0 {
		t.bindings = slices.Delete(t.bindings, idx, idx+1)
	}
}

// Find returns the first registered proto whose range contains either
// port, matching original_source tcp.c's port_muxer_find (either endpoint
// of the connection may be the "well known" side).
func (t *PortMuxerTable) Find(portA, portB uint16) Proto {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.bindings {
		if (portA >= b.PortMin && portA <= b.PortMax) || (portB >= b.PortMin && portB <= b.PortMax) {
			return b.Proto
		}
	}
	return nil
}

// Bindings returns a snapshot of the live port-range table, the read path
// behind (tcp-ports).
func (t *PortMuxerTable) Bindings() []PortBinding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PortBinding, len(t.bindings))
	copy(out, t.bindings)
	return out
}
