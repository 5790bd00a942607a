// Package extring implements the external datagram ring: a bounded
// slot ring letting non-real-time callers (background FSM steps, the
// mailbox dispatcher) inject datagrams into the next cycle's real-time
// frame without the RT send path allocating or blocking.
package extring

import (
	"errors"
	"sync"

	"github.com/samsamfire/goethercat/frame"
)

var (
	ErrRingFull  = errors.New("extring: ring is full")
	ErrNothingToCommit = errors.New("extring: no staged datagram to commit")
)

// Ring is a fixed-capacity slot ring of pre-allocated datagram pointers,
// written by non-RT callers (Stage/Commit) and drained once per cycle by
// the RT path (Inject). Its two-cursor discipline — a staging cursor
// (idxFSM) distinct from the commit cursor the RT side advances (idxRT) —
// is the slot-ring generalization of internal/fifo.Fifo's AltBegin/AltRead/
// AltFinish byte-cursor pair.
type Ring struct {
	mu   sync.Mutex
	slots []*frame.Datagram

	// idxRT is the next slot the RT path will Inject from.
	idxRT int
	// idxFSM is the next slot a non-RT caller will Stage into.
	idxFSM int
	// count is the number of committed (ready-to-inject), not-yet-injected
	// slots currently held.
	count int

	staged    *frame.Datagram
	stagedSet bool
}

// NewRing constructs a Ring with capacity pre-allocated slots.
func NewRing(capacity int) *Ring {
	return &Ring{slots: make([]*frame.Datagram, capacity)}
}

func (r *Ring) Capacity() int { return len(r.slots) }

// Stage hands dg to the ring as the next candidate for injection but does
// not yet make it visible to Inject; call Commit to do that. Staging
// without committing lets a caller abandon a partially-prepared datagram
// (e.g. an aborted mailbox write) without disturbing the ring.
func (r *Ring) Stage(dg *frame.Datagram) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count >= len(r.slots) {
		return ErrRingFull
	}
	r.staged = dg
	r.stagedSet = true
	return nil
}

// Commit makes the most recently staged datagram visible to Inject. It is
// idempotent: staging then committing twice without an intervening Stage
// is a no-op returning ErrNothingToCommit on the second call.
func (r *Ring) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stagedSet {
		return ErrNothingToCommit
	}
	if r.count >= len(r.slots) {
		return ErrRingFull
	}
	r.slots[r.idxFSM] = r.staged
	r.idxFSM = (r.idxFSM + 1) % len(r.slots)
	r.count++
	r.staged = nil
	r.stagedSet = false
	return nil
}

// Abandon discards a staged-but-uncommitted datagram.
func (r *Ring) Abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = nil
	r.stagedSet = false
}

// Inject removes and returns the oldest committed datagram, for the RT send
// path to fold into the current cycle's frame. It returns nil if the ring
// is empty. Inject never allocates.
func (r *Ring) Inject() *frame.Datagram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	dg := r.slots[r.idxRT]
	r.slots[r.idxRT] = nil
	r.idxRT = (r.idxRT + 1) % len(r.slots)
	r.count--
	return dg
}

// Len reports the number of committed, not-yet-injected datagrams.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
