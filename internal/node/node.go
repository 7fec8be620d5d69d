// Package node is the capability object that owns one node's ring
// manager, resource registry, detection engine and RPC client, and is
// the only thing that calls across all three subsystems. It implements
// rpcwire.Handlers and the operations the control surface drives.
package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/ringkeeper/internal/detect"
	"github.com/mcastellin/ringkeeper/internal/inbox"
	"github.com/mcastellin/ringkeeper/internal/nodeerr"
	"github.com/mcastellin/ringkeeper/internal/peer"
	"github.com/mcastellin/ringkeeper/internal/resource"
	"github.com/mcastellin/ringkeeper/internal/ring"
)

// AcquireTimeout bounds how long a blocking local acquire waits for an
// asynchronous grant before giving up (spec: "A timeout on an acquire is
// fatal for that acquire").
const AcquireTimeout = 5 * time.Second

// Client is the subset of rpcwire.Client this package calls directly,
// beyond what it hands to ring.Manager and detect.Engine as their own
// narrower Transport interfaces.
type Client interface {
	ring.Transport
	detect.Transport
	GetPrev(target peer.Addr) (peer.Addr, error)
	Acquire(target peer.Addr, resource string, requester peer.Addr) (result string, owner peer.Addr, err error)
	Release(target peer.Addr, resource string, requester peer.Addr) error
	Grant(target peer.Addr, resource string, grantee peer.Addr) error
	SetDelay(d time.Duration)
	CloseAll()
}

// pendingAcquire is the completion handle a blocked local acquire parks
// on, modeled on the teacher's EnqueueRequest{RespCh} pattern: the
// eventual grant() delivery fulfills it instead of the caller polling.
type pendingAcquire struct {
	done chan struct{}
}

// Node is one node's entire local state: ring position, owned resource,
// detection activity, and the liveness/delay knobs the control surface
// toggles. There is exactly one per process.
type Node struct {
	Self     peer.Addr
	Resource *resource.Registry

	ring   *ring.Manager
	detect *detect.Engine
	client Client
	inbox  *inbox.Inbox
	log    *zap.Logger

	mu         sync.Mutex
	alive      bool
	onDeadlock func(peer.Addr)

	pendingMu sync.Mutex
	pending   map[string]*pendingAcquire
}

// New wires a Node's subsystems together. resourceName is the name this
// node owns locally for its lifetime.
func New(self peer.Addr, resourceName string, client Client, log *zap.Logger) *Node {
	n := &Node{
		Self:    self,
		client:  client,
		inbox:   inbox.New(),
		log:     log,
		alive:   true,
		pending: map[string]*pendingAcquire{},
	}
	n.ring = ring.New(self, client, log)
	n.Resource = resource.New(resourceName, log, n.onLocalGrant)
	n.detect = detect.New(self, client, n.onDeadlockVerdict, log)
	return n
}

func (n *Node) checkAlive() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.alive {
		return nodeerr.New(nodeerr.KindNodeDead, n.Self.String()+" is not alive")
	}
	return nil
}

// Alive reports the current liveness flag.
func (n *Node) Alive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alive
}

// Kill sets alive = false. The node keeps its in-memory state but
// refuses RPCs and the ring, resource and detection control commands;
// Revive, /health, /status, /delay and /waitForMessage still answer.
func (n *Node) Kill() error {
	n.mu.Lock()
	if !n.alive {
		n.mu.Unlock()
		return nodeerr.New(nodeerr.KindNodeDead, n.Self.String()+" already dead")
	}
	n.alive = false
	n.mu.Unlock()
	n.log.Warn("node killed")
	return nil
}

// Revive sets alive = true and resets the node to a ring singleton, per
// spec.md's /revive contract.
func (n *Node) Revive() error {
	n.mu.Lock()
	if n.alive {
		n.mu.Unlock()
		return nodeerr.New(nodeerr.KindAlreadyAlive, n.Self.String()+" already alive")
	}
	n.alive = true
	n.mu.Unlock()

	n.ring.Reset() // local-only: Kill() never cleared these, and they may be stale
	n.log.Info("node revived")
	return nil
}

// SetDelay forwards to the RPC client's artificial outbound delay.
func (n *Node) SetDelay(d time.Duration) {
	n.client.SetDelay(d)
}

// Status is a consistent snapshot across all three subsystems, for the
// control surface's /status handler.
type Status struct {
	Alive    bool
	Ring     ring.Pointers
	Resource resource.Snapshot
	Detect   detect.State
}

// Snapshot gathers one Status without holding any subsystem lock across
// another subsystem's read.
func (n *Node) Snapshot() Status {
	return Status{
		Alive:    n.Alive(),
		Ring:     n.ring.Snapshot(),
		Resource: n.Resource.State(),
		Detect:   n.detect.Snapshot(),
	}
}

// JoinRing joins the ring at target.
func (n *Node) JoinRing(target peer.Addr) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	return n.ring.JoinTo(target)
}

// LeaveRing performs a graceful departure, releasing any local hold and
// abandoning queued waiters (spec.md §9).
func (n *Node) LeaveRing() error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	n.Resource.ClearForDeparture()
	return n.ring.Leave()
}

// StartDetection initiates a Chandy-Misra-Haas detection round from this
// node.
func (n *Node) StartDetection() error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	return n.detect.StartDetection()
}

// SetActive forces this node's detection flag active.
func (n *Node) SetActive() error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	n.detect.SetActive()
	return nil
}

// SetPassive forces this node's detection flag passive.
func (n *Node) SetPassive() error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	n.detect.SetPassive()
	return nil
}

// WaitForMessage blocks until an RPC from from is recorded, or ctx is
// done, backing the /waitForMessage test hook.
func (n *Node) WaitForMessage(ctx context.Context, from peer.Addr) error {
	return n.inbox.WaitFor(ctx, from)
}

// RecordArrival is passed to rpcwire.NewService as the arrival-recording
// hook: every inbound RPC's sender is logged here before dispatch.
func (n *Node) RecordArrival(from peer.Addr) {
	n.inbox.Record(from)
}

// OnDeadlockHook sets fn to be called, in addition to logging, whenever
// this node reports a deadlock verdict. Verdicts are not exposed through
// the control surface; /detection/start only reports that a round was
// started. Tests use the hook to observe verdicts without scraping logs;
// production code leaves it nil.
func (n *Node) OnDeadlockHook(fn func(peer.Addr)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDeadlock = fn
}

func (n *Node) onDeadlockVerdict(cycleInitiator peer.Addr) {
	n.log.Warn("deadlock verdict", zap.String("initiator", cycleInitiator.String()))
	n.mu.Lock()
	hook := n.onDeadlock
	n.mu.Unlock()
	if hook != nil {
		hook(cycleInitiator)
	}
}

// onLocalGrant is resource.GrantNotifier, invoked by this node's own
// registry whenever a release promotes a new holder from its queue. The
// queue entry may be this node itself (it queued on a resource it also
// happens to be the home of) or any other node in the ring; either way
// the registry only knows addresses, never which process they belong to.
func (n *Node) onLocalGrant(resourceName string, grantee peer.Addr) {
	if grantee == n.Self {
		n.detect.Grant()
		n.resolvePending(resourceName)
		return
	}
	if err := n.client.Grant(grantee, resourceName, grantee); err != nil {
		n.log.Warn("failed to deliver grant", zap.String("resource", resourceName),
			zap.String("grantee", grantee.String()), zap.Error(err))
	}
}

// Shutdown drops all cached outbound connections. It never returns an
// error itself; callers aggregate it alongside listener shutdown errors
// with go.uber.org/multierr (see cmd/ringkeeper).
func (n *Node) Shutdown() {
	n.client.CloseAll()
}

func (n *Node) resolvePending(resourceName string) {
	n.pendingMu.Lock()
	p, ok := n.pending[resourceName]
	if ok {
		delete(n.pending, resourceName)
	}
	n.pendingMu.Unlock()
	if ok {
		close(p.done)
	}
}
