// Package ring maintains a node's view of the logical ring: its
// successor, second successor and predecessor, and the join, leave and
// repair operations that keep the ring self-healing across single-node
// failures.
package ring

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mcastellin/ringkeeper/internal/nodeerr"
	"github.com/mcastellin/ringkeeper/internal/peer"
)

// Transport is the subset of RPC calls the ring manager needs to issue
// against peers while mutating topology. Implemented by internal/rpcwire.
type Transport interface {
	GetNext(target peer.Addr) (peer.Addr, error)
	SetNext(target peer.Addr, next peer.Addr) error
	SetPrev(target peer.Addr, prev peer.Addr) error
	SetNextNext(target peer.Addr, nextnext peer.Addr) error
	NotifyRepair(target peer.Addr, failed peer.Addr) error
}

// Manager holds one node's ring pointers. All pointer reads and writes
// are serialized by mu, which is never held across an RPC call.
type Manager struct {
	self peer.Addr
	tx   Transport
	log  *zap.Logger

	mu       sync.Mutex
	next     peer.Addr
	nextnext peer.Addr
	prev     peer.Addr
}

// New creates a singleton ring manager for self.
func New(self peer.Addr, tx Transport, log *zap.Logger) *Manager {
	return &Manager{self: self, tx: tx, log: log}
}

// Pointers is a consistent snapshot of the three ring pointers, used by
// /status and by tests.
type Pointers struct {
	Next     peer.Addr
	NextNext peer.Addr
	Prev     peer.Addr
}

// Snapshot returns the current pointer values.
func (m *Manager) Snapshot() Pointers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Pointers{Next: m.next, NextNext: m.nextnext, Prev: m.prev}
}

// Next returns the current successor.
func (m *Manager) Next() peer.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// NextNext returns the current second successor.
func (m *Manager) NextNext() peer.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextnext
}

// Prev returns the current predecessor.
func (m *Manager) Prev() peer.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prev
}

// Singleton reports whether this node currently believes it has no ring
// neighbors at all.
func (m *Manager) Singleton() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next.IsZero() && m.nextnext.IsZero() && m.prev.IsZero()
}

// SetNext overwrites the successor pointer. Idempotent: the receiver always
// overwrites with the carried value, per the last-writer-wins rule for
// pointer updates arriving out of order.
func (m *Manager) SetNext(addr peer.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = addr
}

// SetNextNext overwrites the second-successor pointer.
func (m *Manager) SetNextNext(addr peer.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextnext = addr
}

// SetPrev overwrites the predecessor pointer.
func (m *Manager) SetPrev(addr peer.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prev = addr
}

// JoinTo splices self in as target's new successor.
//
//	this.next = old_target_next; this.prev = target
//	target.next = this; target.nextnext = this.next
//	(old target.next).prev = this
func (m *Manager) JoinTo(target peer.Addr) error {
	oldTargetNext, err := m.tx.GetNext(target)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.next = oldTargetNext
	m.prev = target
	m.mu.Unlock()

	if err := m.tx.SetNext(target, m.self); err != nil {
		return err
	}
	if err := m.tx.SetNextNext(target, oldTargetNext); err != nil {
		return err
	}
	if !oldTargetNext.IsZero() && oldTargetNext != target {
		if err := m.tx.SetPrev(oldTargetNext, m.self); err != nil {
			return err
		}
	}

	m.log.Info("joined ring",
		zap.String("target", target.String()),
		zap.String("next", oldTargetNext.String()))
	return nil
}

// Leave performs a graceful departure, stitching prev and next together:
//
//	prev.next = this.next; prev.nextnext = this.next.next
//	next.prev = this.prev
//
// and clears the node's own pointers, making it a singleton again.
func (m *Manager) Leave() error {
	m.mu.Lock()
	next, nextnext, prev := m.next, m.nextnext, m.prev
	m.mu.Unlock()

	if !prev.IsZero() {
		if err := m.tx.SetNext(prev, next); err != nil {
			return err
		}
		if err := m.tx.SetNextNext(prev, nextnext); err != nil {
			return err
		}
	}
	if !next.IsZero() {
		if err := m.tx.SetPrev(next, prev); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.next, m.nextnext, m.prev = peer.Zero, peer.Zero, peer.Zero
	m.mu.Unlock()

	m.log.Info("left ring")
	return nil
}

// Reset zeroes the three ring pointers locally, with no RPC to any
// neighbor. It exists for a node coming back from the dead: Kill() never
// clears its pointers, so a revived node must wipe its own stale view of
// the topology rather than running Leave()'s graceful-departure protocol,
// which would fire real pointer-update RPCs at neighbors that may have
// long since repaired around it.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.next, m.nextnext, m.prev = peer.Zero, peer.Zero, peer.Zero
	m.mu.Unlock()
}

// Repair is invoked when an outbound RPC to next fails. It promotes
// nextnext to next, asks the new next for its own successor to restore
// nextnext, and asks the new next to adopt this node as prev. If the new
// next is also unreachable the ring has collapsed and this node becomes a
// singleton.
func (m *Manager) Repair(failed peer.Addr) error {
	m.mu.Lock()
	promoted := m.nextnext
	m.mu.Unlock()

	if promoted.IsZero() || promoted == failed {
		m.mu.Lock()
		m.next, m.nextnext, m.prev = peer.Zero, peer.Zero, peer.Zero
		m.mu.Unlock()
		m.log.Error("ring collapsed during repair", zap.String("failed", failed.String()))
		return nodeerr.New(nodeerr.KindRingCollapsed,
			"successor "+failed.String()+" unreachable and no second successor known")
	}

	newNextNext, err := m.tx.GetNext(promoted)
	if err != nil {
		m.mu.Lock()
		m.next, m.nextnext, m.prev = peer.Zero, peer.Zero, peer.Zero
		m.mu.Unlock()
		m.log.Error("ring collapsed: promoted successor also unreachable",
			zap.String("failed", failed.String()), zap.String("promoted", promoted.String()))
		return nodeerr.New(nodeerr.KindRingCollapsed,
			"promoted successor "+promoted.String()+" also unreachable")
	}

	m.mu.Lock()
	m.next = promoted
	m.nextnext = newNextNext
	m.mu.Unlock()

	if err := m.tx.NotifyRepair(promoted, failed); err != nil {
		m.log.Warn("failed to notify new successor of repair",
			zap.String("promoted", promoted.String()), zap.Error(err))
	}
	if err := m.tx.SetPrev(promoted, m.self); err != nil {
		m.log.Warn("failed to update new successor's prev pointer",
			zap.String("promoted", promoted.String()), zap.Error(err))
	}

	m.log.Info("repaired ring",
		zap.String("failed", failed.String()), zap.String("promoted", promoted.String()))
	return nil
}
