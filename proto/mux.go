package proto

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SubParser is one entry in a Mux: a live Parser bound to a flow key, plus
// the bookkeeping the mux needs to evict it when the flow goes idle.
// Mirrors the teacher's mux_subparser (orig §4.1, original_source ip.c's
// "struct ip_subparser" embedding of a mux_subparser).
type SubParser struct {
	Key      string
	Proto    Proto
	Parser   Parser
	Refcount int
	LastUsed time.Time

	// Requestor is the proto that asked for this sub-parser to be spawned
	// for a specific flow ahead of any traffic being seen on it -- the
	// connection-tracker's "predicted" flow (orig §4.5).
	Requestor Proto
}

// Mux is a bounded hash of SubParsers keyed by a canonical flow key,
// evicting entries that have been idle past Timeout. Grounded on
// original_source ip.c/tcp.c's IP_HASH_SIZE/TCP_HASH_SIZE mux tables and
// the teacher's pcap/pcap_stream.go mutex-guarded flow bookkeeping style.
type Mux struct {
	Name       string
	Timeout    time.Duration
	MaxEntries int
	Clock      Clock
	Log        *zap.SugaredLogger
	Metrics    *Metrics

	mu    sync.Mutex
	table map[string]*SubParser
}

func NewMux(name string, timeout time.Duration, maxEntries int, clock Clock, log *zap.SugaredLogger, metrics *Metrics) *Mux {
	if clock == nil {
		clock = RealClock
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Mux{
		Name:       name,
		Timeout:    timeout,
		MaxEntries: maxEntries,
		Clock:      clock,
		Log:        log,
		Metrics:    metrics,
		table:      make(map[string]*SubParser),
	}
}

// Lookup returns the sub-parser for key, if any, without creating one.
func (m *Mux) Lookup(key string) (*SubParser, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.table[key]
	return sp, ok
}

// LookupOrCreate returns the sub-parser for key, spawning one from proto
// (which may be nil, mirroring the source's "child-less" pass-through
// sub-parser used when no proto claims the flow, orig §4.1) if none
// exists. created reports whether a new entry was spawned.
func (m *Mux) LookupOrCreate(key string, proto Proto, requestor Proto, now time.Time) (sp *SubParser, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sp, ok := m.table[key]; ok {
		sp.LastUsed = now
		sp.Refcount++
		return sp, false
	}

	if m.MaxEntries > 0 && len(m.table) >= m.MaxEntries {
		m.evictOneLocked(now)
	}

	sp = &SubParser{
		Key:       key,
		Proto:     proto,
		Requestor: requestor,
		Refcount:  1,
		LastUsed:  now,
	}
	if proto != nil {
		sp.Parser = proto.NewParser()
	}
	m.table[key] = sp
	if m.Metrics != nil {
		m.Metrics.MuxOccupancy.WithLabelValues(m.Name).Set(float64(len(m.table)))
	}
	return sp, true
}

// Unref decrements a sub-parser's refcount. The mux does not delete on
// zero refcount by itself (a flow with no active callers may still get
// more traffic); deletion only happens via idle eviction or Delete.
func (m *Mux) Unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sp, ok := m.table[key]; ok {
		sp.Refcount--
	}
}

// Delete forcibly removes key, e.g. on TCP termination detection (orig
// §4.4 "dual FIN observed and each FIN has been acked").
func (m *Mux) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.table, key)
	if m.Metrics != nil {
		m.Metrics.MuxOccupancy.WithLabelValues(m.Name).Set(float64(len(m.table)))
	}
}

// ResetProto nulls out a sub-parser's child parser so the next lookup
// re-selects a proto, per original_source tcp.c's
// tcp_mux_subparser_reset_proto (recovery from a parse error).
func (m *Mux) ResetProto(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sp, ok := m.table[key]; ok {
		sp.Proto = nil
		sp.Parser = nil
		sp.Requestor = nil
	}
}

// SpawnParser assigns proto to a sub-parser that currently has none,
// mirroring tcp_mux_subparser_spawn_parser.
func (m *Mux) SpawnParser(key string, proto Proto, requestor Proto) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.table[key]
	if !ok || sp.Proto != nil {
		return
	}
	sp.Proto = proto
	sp.Requestor = requestor
	sp.Parser = proto.NewParser()
}

// Len reports the number of live sub-parsers.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

// EvictIdle removes every sub-parser whose LastUsed is older than
// Timeout, the idle-eviction sweep referenced by orig §4.1 and
// original_source's IP_TIMEOUT/TCP "reordering timeout" deadlines.
func (m *Mux) EvictIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for k, sp := range m.table {
		if now.Sub(sp.LastUsed) > m.Timeout {
			delete(m.table, k)
			evicted++
		}
	}
	if evicted > 0 {
		m.Log.Debugw("evicted idle sub-parsers", "mux", m.Name, "count", evicted)
		if m.Metrics != nil {
			m.Metrics.MuxEvictions.WithLabelValues(m.Name).Add(float64(evicted))
			m.Metrics.MuxOccupancy.WithLabelValues(m.Name).Set(float64(len(m.table)))
		}
	}
	return evicted
}

// evictOneLocked makes room for a new entry when MaxEntries is reached by
// dropping the single oldest entry -- least-recently-used, same intent as
// the idle sweep but triggered by capacity pressure instead of a timer.
func (m *Mux) evictOneLocked(now time.Time) {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, sp := range m.table {
		if first || sp.LastUsed.Before(oldestTime) {
			oldestKey = k
			oldestTime = sp.LastUsed
			first = false
		}
	}
	if !first {
		delete(m.table, oldestKey)
		if m.Metrics != nil {
			m.Metrics.MuxEvictions.WithLabelValues(m.Name).Inc()
		}
	}
}
