package rpcwire

import (
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/ringkeeper/internal/detect"
	"github.com/mcastellin/ringkeeper/internal/nodeerr"
	"github.com/mcastellin/ringkeeper/internal/peer"
)

// DefaultCallTimeout bounds every outbound RPC (spec: "Every outbound RPC
// has a bounded timeout").
const DefaultCallTimeout = 3 * time.Second

// Client dials node peers lazily and caches connections per address,
// modeled on the teacher's plugin.Client single-dial-per-address pattern,
// extended with the artificial outbound delay and a per-call timeout gate
// adapted from the teacher's wait.BackoffStrategy (used here as a single
// fixed-timeout gate, not a retry loop: repair on failure happens one
// layer up, in internal/ring and internal/node).
type Client struct {
	self    peer.Addr
	log     *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	conns map[peer.Addr]*rpc.Client

	delayMu sync.RWMutex
	delay   time.Duration
}

// NewClient creates a Client with the default call timeout and no
// artificial delay. self is stamped on every outbound call's From field so
// the receiving node's inbox can attribute the arrival; probes carry no
// From field and are attributed by their Sender instead.
func NewClient(self peer.Addr, log *zap.Logger) *Client {
	return &Client{
		self:    self,
		log:     log,
		timeout: DefaultCallTimeout,
		conns:   map[peer.Addr]*rpc.Client{},
	}
}

// SetDelay sets the artificial outbound delay applied before every call,
// per the control surface's /delay endpoint.
func (c *Client) SetDelay(d time.Duration) {
	c.delayMu.Lock()
	defer c.delayMu.Unlock()
	c.delay = d
}

func (c *Client) currentDelay() time.Duration {
	c.delayMu.RLock()
	defer c.delayMu.RUnlock()
	return c.delay
}

func (c *Client) dial(target peer.Addr) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}
	conn, err := rpc.Dial("tcp", target.String())
	if err != nil {
		return nil, err
	}
	c.conns[target] = conn
	return conn, nil
}

func (c *Client) dropConn(target peer.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[target]; ok {
		conn.Close()
		delete(c.conns, target)
	}
}

// call applies the artificial delay (never while holding any lock), then
// issues serviceMethod against target with a bounded timeout. A timeout or
// transport failure evicts the cached connection so the next call redials.
func (c *Client) call(target peer.Addr, serviceMethod string, args, reply any) error {
	delay := c.currentDelay()
	if delay > 0 {
		time.Sleep(delay)
	}

	conn, err := c.dial(target)
	if err != nil {
		return nodeerr.Wrap(nodeerr.KindPeerUnreachable, err)
	}

	call := conn.Go(fmt.Sprintf("%s.%s", serviceName, serviceMethod), args, reply, make(chan *rpc.Call, 1))
	select {
	case res := <-call.Done:
		if res.Error != nil {
			c.dropConn(target)
			return nodeerr.Wrap(nodeerr.KindPeerUnreachable, res.Error)
		}
		return nil
	case <-time.After(c.timeout):
		c.dropConn(target)
		return nodeerr.New(nodeerr.KindPeerUnreachable, target.String()+" timed out after "+c.timeout.String())
	}
}

// GetNext implements ring.Transport.
func (c *Client) GetNext(target peer.Addr) (peer.Addr, error) {
	var reply AddrReply
	if err := c.call(target, "GetNext", &Empty{From: c.self}, &reply); err != nil {
		return peer.Zero, err
	}
	return reply.Addr, nil
}

// GetPrev fetches a peer's predecessor pointer.
func (c *Client) GetPrev(target peer.Addr) (peer.Addr, error) {
	var reply AddrReply
	if err := c.call(target, "GetPrev", &Empty{From: c.self}, &reply); err != nil {
		return peer.Zero, err
	}
	return reply.Addr, nil
}

// SetNext implements ring.Transport.
func (c *Client) SetNext(target, next peer.Addr) error {
	return c.call(target, "SetNext", &AddrArg{Addr: next, From: c.self}, &Empty{})
}

// SetPrev implements ring.Transport.
func (c *Client) SetPrev(target, prev peer.Addr) error {
	return c.call(target, "SetPrev", &AddrArg{Addr: prev, From: c.self}, &Empty{})
}

// SetNextNext implements ring.Transport.
func (c *Client) SetNextNext(target, nextnext peer.Addr) error {
	return c.call(target, "SetNextNext", &AddrArg{Addr: nextnext, From: c.self}, &Empty{})
}

// NotifyRepair implements ring.Transport.
func (c *Client) NotifyRepair(target, failed peer.Addr) error {
	return c.call(target, "NotifyRepair", &AddrArg{Addr: failed, From: c.self}, &Empty{})
}

// Acquire issues acquire(resource, requester) to target, the first hop in
// the ring traversal towards the resource's owner.
func (c *Client) Acquire(target peer.Addr, resource string, requester peer.Addr) (result string, owner peer.Addr, err error) {
	var reply AcquireReply
	if err := c.call(target, "Acquire", &AcquireArgs{Resource: resource, Requester: requester, From: c.self}, &reply); err != nil {
		return "", peer.Zero, err
	}
	if reply.ErrKind != "" {
		return "", peer.Zero, nodeerr.New(nodeerr.Kind(reply.ErrKind), reply.ErrDetail)
	}
	return reply.Result, reply.Owner, nil
}

// Release issues release(resource, requester) to target, the next hop
// towards the resource's owner.
func (c *Client) Release(target peer.Addr, resource string, requester peer.Addr) error {
	var reply ReleaseReply
	if err := c.call(target, "Release", &ReleaseArgs{Resource: resource, Requester: requester, From: c.self}, &reply); err != nil {
		return err
	}
	if reply.ErrKind != "" {
		return nodeerr.New(nodeerr.Kind(reply.ErrKind), reply.ErrDetail)
	}
	return nil
}

// Grant issues grant(resource, grantee) to target, delivered by an owner
// to the node at the head of its wait queue.
func (c *Client) Grant(target peer.Addr, resource string, grantee peer.Addr) error {
	return c.call(target, "Grant", &GrantArgs{Resource: resource, Grantee: grantee, From: c.self}, &GrantReply{})
}

// SendProbe implements detect.Transport.
func (c *Client) SendProbe(target peer.Addr, p detect.Probe) error {
	return c.call(target, "Probe", probeArgsFromPublic(p), &ProbeReply{})
}

func probeArgsFromPublic(p detect.Probe) *ProbeArgs {
	a := probeArgsFrom(p)
	return &a
}

// CloseAll drops every cached connection, used on node shutdown.
func (c *Client) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		conn.Close()
		delete(c.conns, addr)
	}
}
