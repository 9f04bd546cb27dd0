package ipv4

import (
	"sort"
	"sync"
	"time"

	"github.com/finswire/fins"
)

// fragKey identifies one in-progress reassembly per RFC 791 §3.2: the
// 4-tuple of source, destination, protocol and identification field.
type fragKey struct {
	src, dst [4]byte
	proto    fins.IPProto
	id       uint16
}

type fragRange struct{ start, end int }

type fragEntry struct {
	ranges   []fragRange
	data     []byte
	totalLen int // -1 until the fragment with MF=0 has been seen
	deadline time.Time
	proto    fins.IPProto
	src, dst [4]byte
	ttl      uint8
	id       uint16
}

func (e *fragEntry) insert(payload []byte, offset int, moreFragments bool) {
	end := offset + len(payload)
	if end > len(e.data) {
		grown := make([]byte, end)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[offset:end], payload)
	e.ranges = mergeRanges(e.ranges, fragRange{offset, end})
	if !moreFragments {
		e.totalLen = end
	}
}

func (e *fragEntry) complete() bool {
	return e.totalLen >= 0 && len(e.ranges) == 1 && e.ranges[0].start == 0 && e.ranges[0].end == e.totalLen
}

func mergeRanges(ranges []fragRange, next fragRange) []fragRange {
	ranges = append(ranges, next)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	merged := ranges[:0]
	for _, r := range ranges {
		if len(merged) > 0 && r.start <= merged[len(merged)-1].end {
			if r.end > merged[len(merged)-1].end {
				merged[len(merged)-1].end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Reassembler holds in-progress IPv4 reassembly sets, owned exclusively by
// the IPv4 module's own goroutine per SPEC_FULL.md's shared-resource policy
// ("The IPv4 reassembly set is owned by the IPv4 thread; no other thread
// touches it") — the mutex here guards against the reaper ticking from the
// same module's background goroutine, not cross-module access.
type Reassembler struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[fragKey]*fragEntry
}

// NewReassembler returns a Reassembler whose entries expire after timeout
// (the spec's default is 30 seconds) if reassembly never completes.
func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{timeout: timeout, entries: make(map[fragKey]*fragEntry)}
}

// Insert folds one fragment into its reassembly set and reports whether the
// set is now complete. When complete, it returns the reassembled payload and
// removes the entry; the caller is responsible for constructing a delivery
// frame from the returned bytes plus the header fields recorded on first
// insert.
func (r *Reassembler) Insert(src, dst [4]byte, proto fins.IPProto, id uint16, ttl uint8, payload []byte, fragOffsetBytes int, moreFragments bool, now time.Time) (assembled []byte, complete bool) {
	key := fragKey{src: src, dst: dst, proto: proto, id: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &fragEntry{totalLen: -1, deadline: now.Add(r.timeout), src: src, dst: dst, proto: proto, ttl: ttl, id: id}
		r.entries[key] = e
	}
	e.insert(payload, fragOffsetBytes, moreFragments)
	if !e.complete() {
		return nil, false
	}
	delete(r.entries, key)
	return e.data, true
}

// Reap removes and returns every entry whose deadline has passed as of now,
// so the caller can emit a "reassembly time exceeded" ICMP message toward
// each entry's source.
func (r *Reassembler) Reap(now time.Time) []fragEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []fragEntry
	for k, e := range r.entries {
		if now.After(e.deadline) {
			expired = append(expired, *e)
			delete(r.entries, k)
		}
	}
	return expired
}
