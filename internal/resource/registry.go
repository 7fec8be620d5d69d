// Package resource implements the local state of the single named,
// exclusive resource a node owns: its holder and its FIFO wait queue.
package resource

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mcastellin/ringkeeper/internal/nodeerr"
	"github.com/mcastellin/ringkeeper/internal/peer"
)

// GrantNotifier is called, outside the registry's lock, whenever the head
// of the queue is granted the resource after a release.
type GrantNotifier func(resourceName string, grantee peer.Addr)

// Registry holds the local record for one named resource. It is created
// once at node startup and never destroyed.
type Registry struct {
	Name string

	log    *zap.Logger
	notify GrantNotifier

	mu     sync.Mutex
	holder peer.Addr
	queue  []peer.Addr
}

// New creates a Registry for the resource named name. notify is invoked
// (without the registry lock held) whenever a release promotes a new
// holder from the queue.
func New(name string, log *zap.Logger, notify GrantNotifier) *Registry {
	return &Registry{Name: name, log: log, notify: notify}
}

// Snapshot is a consistent view of holder and queue for /status and tests.
type Snapshot struct {
	Holder peer.Addr
	Queue  []peer.Addr
}

// State returns a snapshot of the current holder and queue.
func (r *Registry) State() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := make([]peer.Addr, len(r.queue))
	copy(q, r.queue)
	return Snapshot{Holder: r.holder, Queue: q}
}

// AcquireResult is the local outcome of an acquire attempt.
type AcquireResult int

const (
	// Granted means the requester is now the holder.
	Granted AcquireResult = iota
	// Queued means the requester was appended to the wait queue.
	Queued
)

// AcquireLocal applies the local acquire rule:
//
//	if holder == None and queue is empty -> grant immediately
//	else if requester already holds       -> error, reentrancy forbidden
//	else append to queue (if not already present) and report queued
//
// The returned address is the requester's wait-for edge: itself when
// granted, the current holder when queued (who must release before the
// requester can be promoted).
func (r *Registry) AcquireLocal(requester peer.Addr) (AcquireResult, peer.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder == requester {
		return Granted, requester, nodeerr.New(nodeerr.KindDoubleAcquire,
			requester.String()+" already holds "+r.Name)
	}

	if r.holder.IsZero() && len(r.queue) == 0 {
		r.holder = requester
		return Granted, requester, nil
	}

	for _, w := range r.queue {
		if w == requester {
			return Queued, r.holder, nil
		}
	}
	r.queue = append(r.queue, requester)
	return Queued, r.holder, nil
}

// ReleaseLocal applies the local release rule: the caller must be the
// current holder, or this is an error (not a no-op). On success, the head
// of the queue (if any) becomes the new holder and notify is invoked for
// it after the lock is released.
func (r *Registry) ReleaseLocal(requester peer.Addr) error {
	r.mu.Lock()
	if r.holder != requester {
		r.mu.Unlock()
		return nodeerr.New(nodeerr.KindNotHolder,
			requester.String()+" does not hold "+r.Name)
	}

	var newHolder peer.Addr
	if len(r.queue) > 0 {
		newHolder = r.queue[0]
		r.queue = r.queue[1:]
	}
	r.holder = newHolder
	r.mu.Unlock()

	if !newHolder.IsZero() && r.notify != nil {
		r.notify(r.Name, newHolder)
	}
	return nil
}

// DropWaiter removes addr from the queue without granting it anything,
// used when the owning node's own queued acquire of this resource times
// out, so it does not retain a slot in its own queue.
func (r *Registry) DropWaiter(addr peer.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.queue[:0]
	for _, w := range r.queue {
		if w != addr {
			out = append(out, w)
		}
	}
	r.queue = out
}

// ClearForDeparture releases any local hold and empties the queue when
// this node leaves the ring gracefully. Waiters are abandoned: no grant is
// ever delivered to them (best-effort, matching the spec's rejection
// contract for a departing holder).
func (r *Registry) ClearForDeparture() (abandoned []peer.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	abandoned = r.queue
	r.queue = nil
	r.holder = peer.Zero
	if len(abandoned) > 0 {
		r.log.Warn("clearing resource queue on departure, waiters abandoned",
			zap.String("resource", r.Name), zap.Int("waiters", len(abandoned)))
	}
	return abandoned
}
