package jobs

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Tracker records which job ids this process has claimed (inflight) and which
// of those are sitting decoded in the intermediate queue (pending). It keeps a
// worker from re-queueing or re-claiming work it already owns.
type Tracker struct {
	mu       sync.Mutex
	pending  *roaring64.Bitmap
	inflight *roaring64.Bitmap
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending:  roaring64.New(),
		inflight: roaring64.New(),
	}
}

// Claim marks id as inflight. It returns false if the id was already inflight.
func (t *Tracker) Claim(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight.CheckedAdd(uint64(id))
}

// Enqueue marks id as pending in the decoded queue.
// It returns false if the id is already pending.
func (t *Tracker) Enqueue(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.CheckedAdd(uint64(id))
}

// Dequeue clears the pending mark set by Enqueue.
func (t *Tracker) Dequeue(id int64) {
	t.mu.Lock()
	t.pending.Remove(uint64(id))
	t.mu.Unlock()
}

// Finish clears both marks for id.
func (t *Tracker) Finish(id int64) {
	t.mu.Lock()
	t.pending.Remove(uint64(id))
	t.inflight.Remove(uint64(id))
	t.mu.Unlock()
}

// IsInflight reports whether id is owned by this process.
func (t *Tracker) IsInflight(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight.Contains(uint64(id))
}

// Inflight returns the ids owned by this process in ascending order.
func (t *Tracker) Inflight() []int64 {
	t.mu.Lock()
	raw := t.inflight.ToArray()
	t.mu.Unlock()
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out
}

// Counts returns the number of pending and inflight ids.
func (t *Tracker) Counts() (pending, inflight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.pending.GetCardinality()), int(t.inflight.GetCardinality())
}
