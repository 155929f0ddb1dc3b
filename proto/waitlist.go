package proto

import (
	"sync"
	"time"

	"github.com/riftpath/dissect/memview"
	"go.uber.org/zap"
)

// OffsetCmp compares two stream offsets, returning <0, 0, >0 as a<b, a==b,
// a>b. TCP sub-parsers use a modulo-2^32 aware comparison
// (original_source tcp.c's tcp_seqnum_cmp); the IP reassembler uses plain
// numeric comparison, since a single datagram's fragment offsets never
// approach wraparound.
type OffsetCmp func(a, b uint32) int

// CompareUint32 is the plain, non-wrapping comparator used by the IP
// reassembler.
func CompareUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// CompareTCPSeq implements original_source tcp.c's tcp_seqnum_cmp: subtract
// modulo 2^32 and treat the result as signed, so a sequence number that has
// wrapped around still compares as "after" the numbers just before the
// wrap.
func CompareTCPSeq(a, b uint32) int {
	diff := a - b
	switch {
	case diff == 0:
		return 0
	case diff < 0x80000000:
		return 1
	default:
		return -1
	}
}

type fragment struct {
	offset    uint32
	end       uint32
	way       Way
	info      Info
	payload   memview.MemView
	timestamp time.Time
}

// WaitList buffers out-of-order fragments of a byte stream and releases
// them to a Parser in contiguous order, tracking a "next expected offset"
// watermark. It is a synchronous, directly-called data structure (orig §9:
// "no internal suspension points; never model it as a producer/consumer
// queue"), not a goroutine-backed pipeline.
type WaitList struct {
	Name       string
	Cmp        OffsetCmp
	MaxWaiting int
	Timeout    time.Duration
	Log        *zap.SugaredLogger
	Metrics    *Metrics

	mu            sync.Mutex
	nextOffset    uint32
	nextOffsetSet bool
	frags         []fragment
}

func NewWaitList(name string, cmp OffsetCmp, maxWaiting int, timeout time.Duration, log *zap.SugaredLogger, metrics *Metrics) *WaitList {
	if cmp == nil {
		cmp = CompareUint32
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WaitList{Name: name, Cmp: cmp, MaxWaiting: maxWaiting, Timeout: timeout, Log: log, Metrics: metrics}
}

// SetNextOffset pins the watermark the first time it is called; later
// calls are no-ops. Mirrors original_source tcp.c's set_wl_list, which
// only assigns wl.next_offset "on the first packet" for each direction.
func (wl *WaitList) SetNextOffset(offset uint32) {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	if !wl.nextOffsetSet {
		wl.nextOffset = offset
		wl.nextOffsetSet = true
	}
}

func (wl *WaitList) NextOffset() uint32 {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.nextOffset
}

// IsRetransmit reports whether offset starts strictly before the current
// watermark -- a segment (or part of one) we have already delivered.
func (wl *WaitList) IsRetransmit(offset uint32) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.nextOffsetSet && wl.Cmp(offset, wl.nextOffset) < 0
}

// Add queues a fragment for later delivery. Fragments are kept sorted by
// offset; a fragment that duplicates one already queued is dropped. If no
// watermark has been set yet, the fragment's own offset becomes the
// watermark.
func (wl *WaitList) Add(offset, end uint32, way Way, info Info, payload memview.MemView, now time.Time) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	if !wl.nextOffsetSet {
		wl.nextOffset = offset
		wl.nextOffsetSet = true
	}

	f := fragment{offset: offset, end: end, way: way, info: info, payload: payload, timestamp: now}

	i := 0
	for ; i < len(wl.frags); i++ {
		c := wl.Cmp(wl.frags[i].offset, offset)
		if c == 0 {
			// Exact duplicate start offset: keep the longer of the two and
			// drop the rest, instead of queuing both.
			if wl.Cmp(end, wl.frags[i].end) > 0 {
				wl.frags[i] = f
			}
			return
		}
		if c > 0 {
			break
		}
	}
	wl.frags = append(wl.frags, fragment{})
	copy(wl.frags[i+1:], wl.frags[i:])
	wl.frags[i] = f

	if wl.MaxWaiting > 0 && len(wl.frags) > wl.MaxWaiting {
		// Drop the fragment furthest from the watermark rather than grow
		// unbounded -- same intent as the source's bounded wait-list
		// configuration (original_source tcp.c's pkt_wl_config_ctor
		// max-waiting-packets argument).
		wl.frags = wl.frags[:wl.MaxWaiting]
	}
}

// TryDrain delivers every fragment that is now contiguous with the
// watermark, in order, via deliver. It stops at the first gap.
func (wl *WaitList) TryDrain(deliver func(way Way, info Info, payload memview.MemView, now time.Time)) {
	wl.mu.Lock()
	for len(wl.frags) > 0 {
		f := wl.frags[0]
		if wl.Cmp(f.offset, wl.nextOffset) > 0 {
			break // gap: stop until more data arrives or a timeout forces it
		}
		wl.frags = wl.frags[1:]
		if wl.Cmp(f.end, wl.nextOffset) <= 0 {
			// Fully covered by data we've already advanced past (an
			// overlapping retransmit); acknowledge but don't redeliver.
			continue
		}
		payload := f.payload
		if wl.Cmp(f.offset, wl.nextOffset) < 0 {
			// Partially covered by data already delivered: trim the
			// already-seen prefix so we don't redeliver it (invariant 2,
			// "duplicates elided").
			skip := wl.nextOffset - f.offset
			payload = payload.SubView(int64(skip), payload.Len())
		}
		wl.nextOffset = f.end
		wl.mu.Unlock()
		deliver(f.way, f.info, payload, f.timestamp)
		wl.mu.Lock()
	}
	wl.mu.Unlock()
}

// ForceDrain skips past a gap that has sat unresolved longer than Timeout,
// delivering a DroppedBytes-style callback for the skipped span before
// resuming normal contiguous delivery. This is the wait-list's
// forced-flush behavior (orig §4.2).
func (wl *WaitList) ForceDrain(now time.Time, onGapSkipped func(skipped uint32), deliver func(way Way, info Info, payload memview.MemView, now time.Time)) {
	wl.mu.Lock()
	if len(wl.frags) == 0 || now.Sub(wl.frags[0].timestamp) <= wl.Timeout {
		wl.mu.Unlock()
		return
	}
	skipped := wl.frags[0].offset - wl.nextOffset
	wl.nextOffset = wl.frags[0].offset
	wl.mu.Unlock()

	if onGapSkipped != nil && skipped > 0 {
		onGapSkipped(skipped)
	}
	if wl.Metrics != nil {
		wl.Metrics.WaitListDrains.WithLabelValues(wl.Name).Inc()
	}
	wl.Log.Debugw("wait-list forced drain past gap", "waitlist", wl.Name, "skipped_bytes", skipped)
	wl.TryDrain(deliver)
}

// IsStale reports whether the oldest queued fragment has sat unresolved
// longer than Timeout -- the same condition ForceDrain uses to decide
// whether to act, exposed so a periodic sweep can tell which wait-lists
// are worth force-draining without forcing one on every tick.
func (wl *WaitList) IsStale(now time.Time) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return len(wl.frags) > 0 && now.Sub(wl.frags[0].timestamp) > wl.Timeout
}

// Pending reports the number of fragments currently queued.
func (wl *WaitList) Pending() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return len(wl.frags)
}

// IsComplete reports whether the queued fragments, taken together with the
// watermark, cover [start, end) with no gaps -- the one-shot check the IP
// reassembler uses before calling Reassemble (original_source ip.c's
// pkt_wait_list_is_complete).
func (wl *WaitList) IsComplete(start, end uint32) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	cursor := start
	for _, f := range wl.frags {
		if wl.Cmp(f.offset, cursor) > 0 {
			return false
		}
		if wl.Cmp(f.end, cursor) > 0 {
			cursor = f.end
		}
		if wl.Cmp(cursor, end) >= 0 {
			return true
		}
	}
	return wl.Cmp(cursor, end) >= 0
}

// Reassemble concatenates the queued fragments covering [start, end) into a
// single contiguous MemView, for protocols (IP) that must deliver one
// complete payload rather than a byte stream. Callers must have already
// confirmed IsComplete(start, end).
func (wl *WaitList) Reassemble(start, end uint32) memview.MemView {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	out := memview.Empty()
	cursor := start
	for _, f := range wl.frags {
		if wl.Cmp(f.end, cursor) <= 0 {
			continue
		}
		if wl.Cmp(f.offset, cursor) > 0 {
			break // shouldn't happen if IsComplete was checked first
		}
		skip := cursor - f.offset
		view := f.payload.SubView(int64(skip), f.payload.Len())
		remaining := end - cursor
		if uint32(view.Len()) > remaining {
			view = view.SubView(0, int64(remaining))
		}
		out.Append(view)
		cursor += uint32(view.Len())
		if wl.Cmp(cursor, end) >= 0 {
			break
		}
	}
	return out
}
