package h2

import (
	"sync"
)

// streamTable is the Connection's stream_id -> Stream map plus the
// next-stream-id counter and remaining-streams budget (spec.md §4.2).
// Guarded by a single RWMutex the way the teacher guards streamsActive
// with streamsActiveMu.
type streamTable struct {
	mu sync.RWMutex

	nextID    uint32 // next odd client stream id to hand out
	remaining int64  // remainingStreams budget; allocate fails at 0

	byID map[uint32]*Stream
}

func newStreamTable() *streamTable {
	return &streamTable{
		nextID:    1,
		remaining: int64(DefaultPeerSettings().MaxConcurrentStreams),
		byID:      make(map[uint32]*Stream),
	}
}

func (t *streamTable) setRemaining(n int64) {
	t.mu.Lock()
	t.remaining = n
	t.mu.Unlock()
}

func (t *streamTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// allocate reserves the next odd stream id and inserts a fresh Stream,
// failing if remainingStreams has been exhausted (spec.md §4.2). Matches
// the teacher's `lastStreamId += 2` counter, generalized to the
// RFC-mandated "client ids are odd, monotonically increasing" invariant.
func (t *streamTable) allocate(sendWindow, recvWindow int64, maxHeaderSize uint32, maxBodySize int64) (*Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.remaining <= 0 {
		return nil, ErrNoStreamsAvailable
	}

	id := t.nextID
	t.nextID += 2
	t.remaining--

	s := newStream(id, sendWindow, recvWindow, maxHeaderSize, maxBodySize)
	t.byID[id] = s
	return s, nil
}

func (t *streamTable) get(id uint32) (*Stream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	return s, ok
}

// maxOpenID returns the highest stream id currently in the table, or 0 if
// empty — the correct computation for shutdown()'s GOAWAY last-id,
// replacing the teacher source's non-terminating loop (spec.md §9 open
// question 3 / SPEC_FULL.md §9.3).
func (t *streamTable) maxOpenID() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var max uint32
	for id := range t.byID {
		if id > max {
			max = id
		}
	}
	return max
}

// allIDs returns a snapshot of every open stream id. Failing out every
// in-flight request on a connection error or close iterates all() instead.
func (t *streamTable) allIDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint32, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	return ids
}

func (t *streamTable) all() []*Stream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Stream, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

// release removes id from the table and restores the remainingStreams
// budget (spec.md §4.2: "release is idempotent-guarded by assertion;
// callers must check existence first"). Returns false if id was already
// absent, so double-release is observable to the caller rather than a
// silent no-op.
func (t *streamTable) release(id uint32) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	t.remaining++
	return s, true
}

func (t *streamTable) remainingBudget() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remaining
}
