package proto

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CnxTrackKey identifies a predicted, not-yet-observed flow: protocol plus
// both endpoints' address and port. Populated by a control-channel proto
// (e.g. FTP's PORT/PASV command) ahead of the data connection actually
// appearing on the wire (orig §4.5).
type CnxTrackKey struct {
	Protocol uint8
	AddrA    string
	PortA    uint16
	AddrB    string
	PortB    uint16
}

func (k CnxTrackKey) string() string {
	return fmt.Sprintf("%d|%s:%d|%s:%d", k.Protocol, k.AddrA, k.PortA, k.AddrB, k.PortB)
}

// halfString identifies only the AddrA/PortA endpoint, used for
// expectations where the other endpoint isn't known yet -- FTP passive
// mode advertises the server's data address/port but the client's source
// port for that connection is whatever the OS hands it.
func (k CnxTrackKey) halfString() string {
	return fmt.Sprintf("%d|%s:%d", k.Protocol, k.AddrA, k.PortA)
}

type cnxTrackEntry struct {
	proto     Proto
	requestor Proto
	expiresAt time.Time
}

// CnxTrack is the short-TTL expectation table: "the next connection
// matching this 4-tuple should be handed to this proto, because this
// requestor predicted it." Entries expire unused after TTL, matching the
// source's intent that an expectation not acted on quickly is stale (orig
// §4.5).
type CnxTrack struct {
	TTL     time.Duration
	Log     *zap.SugaredLogger
	Metrics *Metrics

	mu          sync.Mutex
	entries     map[string]cnxTrackEntry
	halfEntries map[string]cnxTrackEntry
}

func NewCnxTrack(ttl time.Duration, log *zap.SugaredLogger, metrics *Metrics) *CnxTrack {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CnxTrack{
		TTL:         ttl,
		Log:         log,
		Metrics:     metrics,
		entries:     make(map[string]cnxTrackEntry),
		halfEntries: make(map[string]cnxTrackEntry),
	}
}

// Expect registers a prediction that the flow identified by key will carry
// proto, requested by requestor (the control-channel proto instance that
// observed e.g. a PASV reply). A key with AddrB/PortB left zero is a
// half-known expectation -- only AddrA/PortA is matched, the other
// endpoint accepted as whatever it turns out to be. FTP PASV replies only
// ever give the server's data address; the client's ephemeral source port
// for that connection isn't predictable, so it can't be part of the key.
func (c *CnxTrack) Expect(key CnxTrackKey, proto Proto, requestor Proto, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cnxTrackEntry{proto: proto, requestor: requestor, expiresAt: now.Add(c.TTL)}
	if key.AddrB == "" && key.PortB == 0 {
		c.halfEntries[key.halfString()] = entry
		return
	}
	c.entries[key.string()] = entry
}

// Lookup consumes (one-shot) any expectation matching the observed
// endpoints, trying both orderings of the full pair (the data connection's
// packets may arrive with either side as "source") before falling back to
// a half-known match against either endpoint alone. Mirrors
// original_source tcp.c's lookup_subproto calling cnxtrack_ip_lookup
// before falling back to the port muxer table.
func (c *CnxTrack) Lookup(protocol uint8, addrA string, portA uint16, addrB string, portB uint16, now time.Time) (proto Proto, requestor Proto, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range []CnxTrackKey{
		{Protocol: protocol, AddrA: addrA, PortA: portA, AddrB: addrB, PortB: portB},
		{Protocol: protocol, AddrA: addrB, PortA: portB, AddrB: addrA, PortB: portA},
	} {
		if e, ok := c.take(c.entries, key.string(), now); ok {
			return e.proto, e.requestor, true
		}
	}
	for _, half := range []CnxTrackKey{
		{Protocol: protocol, AddrA: addrA, PortA: portA},
		{Protocol: protocol, AddrA: addrB, PortA: portB},
	} {
		if e, ok := c.take(c.halfEntries, half.halfString(), now); ok {
			return e.proto, e.requestor, true
		}
	}
	return nil, nil, false
}

func (c *CnxTrack) take(m map[string]cnxTrackEntry, k string, now time.Time) (cnxTrackEntry, bool) {
	e, ok := m[k]
	if !ok {
		return cnxTrackEntry{}, false
	}
	delete(m, k)
	if now.After(e.expiresAt) {
		if c.Metrics != nil {
			c.Metrics.CnxTrackExpired.Inc()
		}
		return cnxTrackEntry{}, false
	}
	return e, true
}

// ExpireOlderThan removes expectations that were never consumed, so a
// control-channel proto that predicted a connection which never happened
// doesn't leak memory forever.
func (c *CnxTrack) ExpireOlderThan(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			expired++
		}
	}
	for k, e := range c.halfEntries {
		if now.After(e.expiresAt) {
			delete(c.halfEntries, k)
			expired++
		}
	}
	if expired > 0 && c.Metrics != nil {
		c.Metrics.CnxTrackExpired.Add(float64(expired))
	}
	return expired
}
