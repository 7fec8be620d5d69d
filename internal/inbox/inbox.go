// Package inbox records which peers this node has recently received an
// RPC from, and lets the control surface's /waitForMessage test hook
// block until a message from a given peer arrives. Adapted from the
// teacher's generic pub/sub Topic into a single-purpose arrival log.
package inbox

import (
	"context"
	"time"

	"github.com/mcastellin/ringkeeper/internal/peer"
)

const defaultPollInterval = 50 * time.Millisecond

// arrival is one recorded inbound RPC.
type arrival struct {
	from peer.Addr
	at   time.Time
}

// Inbox buffers recent arrivals and lets callers subscribe to wait for
// one from a specific peer, the same buffered-log-plus-polling-loop shape
// as the teacher's EventStore/Topic, minus the multi-topic machinery this
// node doesn't need (there is only ever one inbox per node).
type Inbox struct {
	store *log
}

// New creates an empty Inbox.
func New() *Inbox {
	return &Inbox{store: newLog()}
}

// Record marks that an RPC was received from from, pushing an arrival
// event. Handlers call this on receipt, before dispatching to the node,
// so /waitForMessage observes arrival rather than processing completion.
func (b *Inbox) Record(from peer.Addr) {
	b.store.push(arrival{from: from, at: time.Now()})
}

// WaitFor blocks until an arrival from the given peer is recorded after
// the call began, or until ctx is done. It returns nil on success, or
// ctx.Err() on cancellation/timeout.
func (b *Inbox) WaitFor(ctx context.Context, from peer.Addr) error {
	since := time.Now()
	if b.store.hasArrivalSince(since, from) {
		return nil
	}

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.store.hasArrivalSince(since, from) {
				return nil
			}
		}
	}
}
