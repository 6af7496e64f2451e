package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionBusy is returned when a correspondent already has one message
// generating and another waiting: the queue has depth one, further messages
// are rejected rather than piled up.
var ErrSessionBusy = errors.New("engine: correspondent session busy")

// sessionTable serializes message processing per correspondent while the
// generation call is in flight. Ownership of a slot passes to the single
// queued waiter on release, so messages commit in arrival order.
type sessionTable struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	busy   bool
	waiter chan struct{}
}

func newSessionTable() *sessionTable {
	return &sessionTable{slots: make(map[string]*slot)}
}

// acquire claims the correspondent's slot, queueing behind an in-flight
// message if necessary. It returns a release function on success. It fails
// with ErrSessionBusy when a message is already queued, or with the context
// error if ctx ends while waiting.
func (t *sessionTable) acquire(ctx context.Context, correspondentID string) (func(), error) {
	t.mu.Lock()
	sl, ok := t.slots[correspondentID]
	if !ok {
		sl = &slot{}
		t.slots[correspondentID] = sl
	}

	if !sl.busy {
		sl.busy = true
		t.mu.Unlock()
		return func() { t.release(correspondentID, sl) }, nil
	}
	if sl.waiter != nil {
		t.mu.Unlock()
		return nil, ErrSessionBusy
	}

	grant := make(chan struct{})
	sl.waiter = grant
	t.mu.Unlock()

	select {
	case <-grant:
		return func() { t.release(correspondentID, sl) }, nil
	case <-ctx.Done():
		t.mu.Lock()
		if sl.waiter == grant {
			sl.waiter = nil
			t.mu.Unlock()
			return nil, ctx.Err()
		}
		t.mu.Unlock()
		// The grant raced the cancellation: the slot is ours now and must
		// be released or the correspondent would deadlock.
		<-grant
		t.release(correspondentID, sl)
		return nil, ctx.Err()
	}
}

// release hands the slot to the queued waiter if there is one, otherwise
// frees it.
func (t *sessionTable) release(correspondentID string, sl *slot) {
	t.mu.Lock()
	if sl.waiter != nil {
		grant := sl.waiter
		sl.waiter = nil
		t.mu.Unlock()
		close(grant)
		return
	}
	sl.busy = false
	if t.slots[correspondentID] == sl {
		delete(t.slots, correspondentID)
	}
	t.mu.Unlock()
}
