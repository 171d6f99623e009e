package orchestrator

import (
	"sync"

	"github.com/ringdesk/ringdesk/pkg/types"
)

// defaultRingCapacity bounds the number of unflushed turns held in memory
// while the tenant store is unreachable.
const defaultRingCapacity = 64

// turnRing buffers conversation turns until the per-tenant store accepts
// them. The audio loop never blocks on a store write: turns are pushed here
// and a background flusher drains them. When full, the oldest turn is
// dropped — losing an old transcript line beats stalling a live call.
type turnRing struct {
	mu       sync.Mutex
	buf      []types.Turn
	capacity int
	dropped  int
}

func newTurnRing(capacity int) *turnRing {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &turnRing{capacity: capacity}
}

// Push appends t, truncating its content to the storage cap and evicting the
// oldest entry when full.
func (r *turnRing) Push(t types.Turn) {
	if len(t.Content) > types.MaxTurnContent {
		t.Content = t.Content[:types.MaxTurnContent]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.capacity {
		r.buf = r.buf[1:]
		r.dropped++
	}
	r.buf = append(r.buf, t)
}

// Drain removes and returns all buffered turns in order.
func (r *turnRing) Drain() []types.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.buf
	r.buf = nil
	return out
}

// Requeue puts turns back at the front after a failed flush, subject to the
// capacity cap (newest entries win).
func (r *turnRing) Requeue(turns []types.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	combined := append(turns, r.buf...)
	if over := len(combined) - r.capacity; over > 0 {
		combined = combined[over:]
		r.dropped += over
	}
	r.buf = combined
}

// Len returns the number of buffered turns.
func (r *turnRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Dropped returns how many turns were evicted unflushed.
func (r *turnRing) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
