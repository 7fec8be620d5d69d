package node

import (
	"context"

	"github.com/mcastellin/ringkeeper/internal/nodeerr"
	"github.com/mcastellin/ringkeeper/internal/peer"
	"github.com/mcastellin/ringkeeper/internal/resource"
)

// AcquireResource is the control surface's /acquire entry point. It
// resolves the named resource hop-by-hop along the ring and, if queued,
// parks the caller on a completion handle until a grant arrives or
// AcquireTimeout elapses.
func (n *Node) AcquireResource(ctx context.Context, resourceName string) error {
	if err := n.checkAlive(); err != nil {
		return err
	}

	result, owner, err := n.resolveAcquire(resourceName, n.Self)
	if err != nil {
		return err
	}
	if result == resource.Granted {
		n.detect.Grant()
		return nil
	}

	n.detect.EnterWait(owner)
	if err := n.awaitGrant(ctx, resourceName); err != nil {
		n.detect.Abandon()
		n.dropRemoteWaiter(resourceName)
		return nodeerr.Wrap(nodeerr.KindAcquireFailed, err)
	}
	return nil
}

// awaitGrant registers a completion handle for resourceName and blocks
// until onLocalGrant/GrantRPC resolves it, ctx is done, or the acquire
// timeout elapses.
func (n *Node) awaitGrant(ctx context.Context, resourceName string) error {
	p := &pendingAcquire{done: make(chan struct{})}

	n.pendingMu.Lock()
	n.pending[resourceName] = p
	n.pendingMu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, AcquireTimeout)
	defer cancel()

	select {
	case <-p.done:
		return nil
	case <-timeoutCtx.Done():
		n.pendingMu.Lock()
		if n.pending[resourceName] == p {
			delete(n.pending, resourceName)
		}
		n.pendingMu.Unlock()
		return timeoutCtx.Err()
	}
}

// dropRemoteWaiter removes this node's own queue entry when the timed-out
// acquire was local. The RPC surface has no method to cancel a slot in a
// remote owner's queue, so a timed-out remote acquire is cleaned up only
// on this side: the node stops waiting, but its slot stays in the remote
// owner's queue. When that slot reaches the head, the owner makes this
// node the holder and sends it a grant, which GrantRPC accepts with no
// pending acquire left to resolve.
func (n *Node) dropRemoteWaiter(resourceName string) {
	if resourceName == n.Resource.Name {
		n.Resource.DropWaiter(n.Self)
	}
}

// ReleaseResource is the control surface's /release entry point.
func (n *Node) ReleaseResource(resourceName string) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	if resourceName == n.Resource.Name {
		return n.Resource.ReleaseLocal(n.Self)
	}
	next := n.ring.Next()
	if next.IsZero() {
		return nodeerr.New(nodeerr.KindUnknownResource, resourceName+" not found")
	}
	if err := n.client.Release(next, resourceName, n.Self); err != nil {
		return n.repairAndRetryRelease(resourceName, err)
	}
	return nil
}

func (n *Node) repairAndRetryRelease(resourceName string, cause error) error {
	failed := n.ring.Next()
	if err := n.ring.Repair(failed); err != nil {
		return err
	}
	next := n.ring.Next()
	if next.IsZero() {
		return nodeerr.Wrap(nodeerr.KindPeerUnreachable, cause)
	}
	return n.client.Release(next, resourceName, n.Self)
}

// resolveAcquire implements the hop-by-hop owner discovery from spec.md
// §4.2/§9: if the resource is homed locally, apply the local rule;
// otherwise forward to next, repairing and retrying once if next is
// unreachable. unknown_resource is reported once next is zero or equals
// the original requester (one full traversal without a match).
func (n *Node) resolveAcquire(resourceName string, requester peer.Addr) (resource.AcquireResult, peer.Addr, error) {
	if resourceName == n.Resource.Name {
		return n.Resource.AcquireLocal(requester)
	}

	next := n.ring.Next()
	if next.IsZero() || next == requester {
		return 0, peer.Zero, nodeerr.New(nodeerr.KindUnknownResource,
			resourceName+" not found after a full ring traversal")
	}

	wire, owner, err := n.client.Acquire(next, resourceName, requester)
	if err != nil {
		if nerr, ok := err.(*nodeerr.Error); ok && nerr.Kind != nodeerr.KindPeerUnreachable && nerr.Kind != nodeerr.KindNodeDead {
			return 0, peer.Zero, err
		}
		if err := n.ring.Repair(next); err != nil {
			return 0, peer.Zero, err
		}
		next = n.ring.Next()
		if next.IsZero() || next == requester {
			return 0, peer.Zero, nodeerr.New(nodeerr.KindUnknownResource,
				resourceName+" not found after a full ring traversal")
		}
		wire, owner, err = n.client.Acquire(next, resourceName, requester)
		if err != nil {
			return 0, peer.Zero, err
		}
	}
	return parseAcquireResult(wire), owner, nil
}

func parseAcquireResult(wire string) resource.AcquireResult {
	if wire == "granted" {
		return resource.Granted
	}
	return resource.Queued
}

// acquireResultWire renders an AcquireResult for the wire reply.
func acquireResultWire(r resource.AcquireResult) string {
	if r == resource.Granted {
		return "granted"
	}
	return "queued"
}
