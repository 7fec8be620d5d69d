// Package rpcwire implements the inter-node binary protocol: a
// net/rpc server exposing the ten methods of the RPC surface, and a
// client wrapper that applies the per-call artificial delay, a bounded
// timeout, and connection caching.
package rpcwire

import (
	"github.com/mcastellin/ringkeeper/internal/detect"
	"github.com/mcastellin/ringkeeper/internal/peer"
)

// serviceName is the net/rpc registered name; every method below is
// exposed as "Node.<Method>".
const serviceName = "Node"

// Empty is used for RPC methods that carry no domain arguments beyond the
// caller's own address, used by get_next/get_prev.
type Empty struct {
	From peer.Addr
}

// AddrArg carries a single peer address, used by set_next/set_prev/
// set_nextnext/notify_repair. From is the caller's own address, recorded
// by the receiver's inbox for the /waitForMessage test hook.
type AddrArg struct {
	Addr peer.Addr
	From peer.Addr
}

// AddrReply carries a single peer address, used by get_next/get_prev.
type AddrReply struct {
	Addr peer.Addr
}

// AcquireArgs is the wire form of acquire(resource, requester).
type AcquireArgs struct {
	Resource  string
	Requester peer.Addr
	From      peer.Addr
}

// AcquireReply carries the outcome of an acquire. Owner is the resource's
// current holder, which the requester records as its wait-for edge when
// queued (the requester itself when granted).
type AcquireReply struct {
	Result    string // "granted" or "queued"
	Owner     peer.Addr
	ErrKind   string
	ErrDetail string
}

// ReleaseArgs is the wire form of release(resource, requester).
type ReleaseArgs struct {
	Resource  string
	Requester peer.Addr
	From      peer.Addr
}

// ReleaseReply carries a release outcome; empty ErrKind means success.
type ReleaseReply struct {
	ErrKind   string
	ErrDetail string
}

// GrantArgs is the wire form of the asynchronous grant(resource, grantee)
// notification sent from an owner to the new holder.
type GrantArgs struct {
	Resource string
	Grantee  peer.Addr
	From     peer.Addr
}

// GrantReply is an empty acknowledgement.
type GrantReply struct{}

// ProbeArgs is the wire form of probe(initiator, sender, receiver).
type ProbeArgs struct {
	Initiator peer.Addr
	Sender    peer.Addr
	Receiver  peer.Addr
	Token     string
}

// ProbeReply is an empty acknowledgement.
type ProbeReply struct{}

func probeArgsFrom(p detect.Probe) ProbeArgs {
	return ProbeArgs{Initiator: p.Initiator, Sender: p.Sender, Receiver: p.Receiver, Token: p.Token}
}

func probeFrom(a ProbeArgs) detect.Probe {
	return detect.Probe{Initiator: a.Initiator, Sender: a.Sender, Receiver: a.Receiver, Token: a.Token}
}
