package node

import (
	"go.uber.org/zap"

	"github.com/mcastellin/ringkeeper/internal/detect"
	"github.com/mcastellin/ringkeeper/internal/nodeerr"
	"github.com/mcastellin/ringkeeper/internal/peer"
)

// This file implements rpcwire.Handlers: the ten methods of the RPC
// surface (spec.md §6), dispatched against this node's subsystems. Every
// method first checks liveness (spec.md §3: "A !alive node accepts no
// RPCs").

func (n *Node) GetNext() (peer.Addr, error) {
	if err := n.checkAlive(); err != nil {
		return peer.Zero, err
	}
	return n.ring.Next(), nil
}

func (n *Node) GetPrev() (peer.Addr, error) {
	if err := n.checkAlive(); err != nil {
		return peer.Zero, err
	}
	return n.ring.Prev(), nil
}

func (n *Node) SetNextRPC(addr peer.Addr) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	n.ring.SetNext(addr)
	return nil
}

func (n *Node) SetPrevRPC(addr peer.Addr) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	n.ring.SetPrev(addr)
	return nil
}

func (n *Node) SetNextNextRPC(addr peer.Addr) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	n.ring.SetNextNext(addr)
	return nil
}

// NotifyRepairRPC handles notify_repair(failed_addr): the caller's ring
// manager just promoted this node to be its new successor. If this
// node's own successor turned out to be the same failed peer, it runs
// its own repair defensively instead of waiting for its next outbound
// call to that peer to time out.
func (n *Node) NotifyRepairRPC(failed peer.Addr) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	n.log.Info("notified of neighbor repair", zap.String("failed", failed.String()))
	if n.ring.Next() == failed {
		return n.ring.Repair(failed)
	}
	return nil
}

// AcquireRPC handles acquire(resource, requester): the receiving hop in
// the ring traversal. It applies resolveAcquire exactly as the original
// requester's own first hop does.
func (n *Node) AcquireRPC(resource string, requester peer.Addr) (string, peer.Addr, error) {
	if err := n.checkAlive(); err != nil {
		return "", peer.Zero, err
	}
	result, owner, err := n.resolveAcquire(resource, requester)
	if err != nil {
		return "", peer.Zero, err
	}
	return acquireResultWire(result), owner, nil
}

// ReleaseRPC handles release(resource, requester).
func (n *Node) ReleaseRPC(resourceName string, requester peer.Addr) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	if resourceName == n.Resource.Name {
		return n.Resource.ReleaseLocal(requester)
	}
	next := n.ring.Next()
	if next.IsZero() {
		return nodeerr.New(nodeerr.KindUnknownResource, resourceName+" not found")
	}
	return n.client.Release(next, resourceName, requester)
}

// GrantRPC handles grant(resource, grantee): an asynchronous notification
// that this node (named as grantee) now holds resourceName. It clears the
// wait-for edge and fulfills the matching completion handle, if one is
// still pending (it may have already timed out, per spec.md §9).
func (n *Node) GrantRPC(resourceName string, grantee peer.Addr) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	if grantee != n.Self {
		return nodeerr.New(nodeerr.KindNotBlocked, "grant addressed to "+grantee.String()+" delivered to "+n.Self.String())
	}
	n.detect.Grant()
	n.resolvePending(resourceName)
	return nil
}

// ProbeRPC handles probe(initiator, sender, receiver).
func (n *Node) ProbeRPC(p detect.Probe) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	n.detect.Receive(p)
	return nil
}
