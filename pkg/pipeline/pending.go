package pipeline

import (
	"errors"
	"sync"
)

// ErrPendingFull is returned when the pending set is at capacity.
var ErrPendingFull = errors.New("pending set is full")

var errStopped = errors.New("pipeline is stopped")

// pendingSet is a bounded deduplicating FIFO of session ids. The
// channel is the queue; the members map is the dedup index. An id stays
// a member from Add until Done, which covers the whole time a worker
// holds it, so re-adding a session that is queued or being processed is
// a no-op. That membership window is what guarantees at most one worker
// per session.
type pendingSet struct {
	mu      sync.Mutex
	members map[string]bool
	ch      chan string
	closed  bool
}

func newPendingSet(max int) *pendingSet {
	return &pendingSet{
		members: make(map[string]bool),
		ch:      make(chan string, max),
	}
}

// Add queues an id. Returns (false, nil) for an id already pending,
// ErrPendingFull at capacity, and errStopped after Close.
func (p *pendingSet) Add(id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, errStopped
	}
	if p.members[id] {
		return false, nil
	}
	if len(p.members) >= cap(p.ch) {
		return false, ErrPendingFull
	}
	p.members[id] = true
	// Channel occupancy is at most len(members), which was just checked
	// against the channel capacity under the same lock, so this send
	// cannot block.
	p.ch <- id
	return true, nil
}

// Done releases an id so it can be queued again. Called by the worker
// after it finishes with the session, not when it dequeues.
func (p *pendingSet) Done(id string) {
	p.mu.Lock()
	delete(p.members, id)
	p.mu.Unlock()
}

// Close rejects further Adds, discards queued ids and closes the
// channel so blocked receivers wake up. Ids held by workers remain
// members until their Done; that is harmless on a closed set.
func (p *pendingSet) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for {
		select {
		case id := <-p.ch:
			delete(p.members, id)
		default:
			close(p.ch)
			return
		}
	}
}

// Len counts ids queued or in flight.
func (p *pendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}
