package rpcwire

import (
	"github.com/mcastellin/ringkeeper/internal/detect"
	"github.com/mcastellin/ringkeeper/internal/nodeerr"
	"github.com/mcastellin/ringkeeper/internal/peer"
)

// Handlers is the set of core operations a Node must expose to satisfy
// the RPC surface. internal/node.Node implements this interface; Service
// only adapts it to net/rpc's (*Args, *Reply) error calling convention.
type Handlers interface {
	GetNext() (peer.Addr, error)
	GetPrev() (peer.Addr, error)
	SetNextRPC(addr peer.Addr) error
	SetPrevRPC(addr peer.Addr) error
	SetNextNextRPC(addr peer.Addr) error
	NotifyRepairRPC(failed peer.Addr) error
	AcquireRPC(resource string, requester peer.Addr) (result string, owner peer.Addr, err error)
	ReleaseRPC(resource string, requester peer.Addr) error
	GrantRPC(resource string, grantee peer.Addr) error
	ProbeRPC(p detect.Probe) error
}

// Service adapts Handlers to the method shape net/rpc requires. It is
// registered once per node under the name "Node".
type Service struct {
	h         Handlers
	onArrival func(peer.Addr)
}

// NewService wraps h for net/rpc registration. onArrival is called with the
// sender's address on every inbound RPC, before dispatch, feeding the
// /waitForMessage test hook; pass nil to skip arrival tracking.
func NewService(h Handlers, onArrival func(peer.Addr)) *Service {
	return &Service{h: h, onArrival: onArrival}
}

func (s *Service) recordArrival(from peer.Addr) {
	if s.onArrival != nil {
		s.onArrival(from)
	}
}

func splitErr(err error) (kind, detail string) {
	if err == nil {
		return "", ""
	}
	if nerr, ok := err.(*nodeerr.Error); ok {
		return string(nerr.Kind), nerr.Detail
	}
	return string(nodeerr.KindPeerUnreachable), err.Error()
}

// GetNext handles get_next.
func (s *Service) GetNext(args *Empty, reply *AddrReply) error {
	s.recordArrival(args.From)
	addr, err := s.h.GetNext()
	if err != nil {
		return err
	}
	reply.Addr = addr
	return nil
}

// GetPrev handles get_prev.
func (s *Service) GetPrev(args *Empty, reply *AddrReply) error {
	s.recordArrival(args.From)
	addr, err := s.h.GetPrev()
	if err != nil {
		return err
	}
	reply.Addr = addr
	return nil
}

// SetNext handles set_next(addr).
func (s *Service) SetNext(args *AddrArg, _ *Empty) error {
	s.recordArrival(args.From)
	return s.h.SetNextRPC(args.Addr)
}

// SetPrev handles set_prev(addr).
func (s *Service) SetPrev(args *AddrArg, _ *Empty) error {
	s.recordArrival(args.From)
	return s.h.SetPrevRPC(args.Addr)
}

// SetNextNext handles set_nextnext(addr).
func (s *Service) SetNextNext(args *AddrArg, _ *Empty) error {
	s.recordArrival(args.From)
	return s.h.SetNextNextRPC(args.Addr)
}

// NotifyRepair handles notify_repair(failed_addr).
func (s *Service) NotifyRepair(args *AddrArg, _ *Empty) error {
	s.recordArrival(args.From)
	return s.h.NotifyRepairRPC(args.Addr)
}

// Acquire handles acquire(resource, requester).
func (s *Service) Acquire(args *AcquireArgs, reply *AcquireReply) error {
	s.recordArrival(args.From)
	result, owner, err := s.h.AcquireRPC(args.Resource, args.Requester)
	reply.Result = result
	reply.Owner = owner
	reply.ErrKind, reply.ErrDetail = splitErr(err)
	return nil
}

// Release handles release(resource, requester).
func (s *Service) Release(args *ReleaseArgs, reply *ReleaseReply) error {
	s.recordArrival(args.From)
	err := s.h.ReleaseRPC(args.Resource, args.Requester)
	reply.ErrKind, reply.ErrDetail = splitErr(err)
	return nil
}

// Grant handles grant(resource, grantee).
func (s *Service) Grant(args *GrantArgs, _ *GrantReply) error {
	s.recordArrival(args.From)
	return s.h.GrantRPC(args.Resource, args.Grantee)
}

// Probe handles probe(initiator, sender, receiver). Sender doubles as the
// arrival address: Receive always sets it to the forwarding node's own
// address, so it already carries what a separate From field would.
func (s *Service) Probe(args *ProbeArgs, _ *ProbeReply) error {
	s.recordArrival(args.Sender)
	return s.h.ProbeRPC(probeFrom(*args))
}
