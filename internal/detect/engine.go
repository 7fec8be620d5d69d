// Package detect implements the Chandy-Misra-Haas deadlock detection
// engine: the active/passive state machine, probe initiation, probe
// receipt and forwarding, and deadlock verdict reporting.
package detect

import (
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/mcastellin/ringkeeper/internal/nodeerr"
	"github.com/mcastellin/ringkeeper/internal/peer"
)

// Probe is the detection message circulated along wait-for edges.
type Probe struct {
	Initiator peer.Addr
	Sender    peer.Addr
	Receiver  peer.Addr
	// Token disambiguates concurrent re-initiations from the same
	// initiator in the forwarded-probe memory; it never changes the
	// spec-level semantics of Initiator/Sender/Receiver.
	Token string
}

// roundKey identifies one detection round in the forwarded-probe memory.
type roundKey struct {
	Initiator peer.Addr
	Token     string
}

// Transport sends a probe to its intended receiver. Implemented by
// internal/rpcwire.
type Transport interface {
	SendProbe(target peer.Addr, p Probe) error
}

// VerdictFunc is invoked when a probe returns to the node that initiated
// its round, i.e. a cycle has been found. It does not break the deadlock;
// it only reports it.
type VerdictFunc func(cycleInitiator peer.Addr)

// Engine holds one node's Chandy-Misra-Haas state: whether it is active
// or passive, who it is waiting for (if anyone), and which rounds it has
// already forwarded a probe for.
type Engine struct {
	self    peer.Addr
	tx      Transport
	verdict VerdictFunc
	log     *zap.Logger

	window *probeWindow

	mu         sync.Mutex
	active     bool
	waitingFor peer.Addr
}

// New creates an Engine. Nodes start active (no outstanding work).
func New(self peer.Addr, tx Transport, verdict VerdictFunc, log *zap.Logger) *Engine {
	return &Engine{
		self:    self,
		tx:      tx,
		verdict: verdict,
		log:     log,
		window:  newProbeWindow(),
		active:  true,
	}
}

// State is a consistent snapshot of the detection state for /status.
type State struct {
	Active     bool
	WaitingFor peer.Addr
}

// Snapshot returns the current activity and wait-for state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{Active: e.active, WaitingFor: e.waitingFor}
}

// Active reports the current activity flag.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// SetActive forces the node active, clearing any wait-for edge and
// resetting forwarded-probe memory, per the control surface's /setActive.
func (e *Engine) SetActive() {
	e.mu.Lock()
	e.active = true
	e.waitingFor = peer.Zero
	e.mu.Unlock()
	e.window.clear()
}

// SetPassive forces the node passive via the control surface's
// /setPassive, without implying any particular waitingFor target.
func (e *Engine) SetPassive() {
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
}

// EnterWait marks the node passive and blocked on holder, recording the
// wait-for edge, when a remote acquire comes back queued.
func (e *Engine) EnterWait(holder peer.Addr) {
	e.mu.Lock()
	e.active = false
	e.waitingFor = holder
	e.mu.Unlock()
}

// Grant marks the node active and clears the wait-for edge and forwarded
// probe memory, when a remote acquire is finally granted.
func (e *Engine) Grant() {
	e.mu.Lock()
	e.active = true
	e.waitingFor = peer.Zero
	e.mu.Unlock()
	e.window.clear()
}

// Abandon marks the node active again after it gives up waiting on a
// queued acquire (the local acquire timeout elapsed with no grant). There
// is no RPC to cancel the remote queue slot; this only stops the node from
// participating in detection rounds on behalf of a wait-for edge it no
// longer honors.
func (e *Engine) Abandon() {
	e.mu.Lock()
	e.active = true
	e.waitingFor = peer.Zero
	e.mu.Unlock()
	e.window.clear()
}

// StartDetection initiates a detection round from this node.
func (e *Engine) StartDetection() error {
	e.mu.Lock()
	active := e.active
	waitingFor := e.waitingFor
	e.mu.Unlock()

	if active || waitingFor.IsZero() {
		return nodeerr.New(nodeerr.KindNotBlocked, "node is not blocked on any resource")
	}

	token := xid.New().String()
	e.window.seenOrMark(roundKey{Initiator: e.self, Token: token})

	p := Probe{Initiator: e.self, Sender: e.self, Receiver: waitingFor, Token: token}
	e.log.Info("starting detection round",
		zap.String("waitingFor", waitingFor.String()), zap.String("token", token))
	return e.tx.SendProbe(waitingFor, p)
}

// Receive handles an incoming probe addressed to this node.
func (e *Engine) Receive(p Probe) {
	e.mu.Lock()
	active := e.active
	waitingFor := e.waitingFor
	e.mu.Unlock()

	if active {
		e.log.Debug("discarding probe: node is active", zap.String("initiator", p.Initiator.String()))
		return
	}

	if p.Initiator == e.self {
		e.log.Warn("deadlock detected", zap.String("initiator", p.Initiator.String()))
		if e.verdict != nil {
			e.verdict(p.Initiator)
		}
		return
	}

	key := roundKey{Initiator: p.Initiator, Token: p.Token}
	if e.window.seenOrMark(key) {
		e.log.Debug("discarding probe: already forwarded this round",
			zap.String("initiator", p.Initiator.String()))
		return
	}

	if waitingFor.IsZero() {
		return
	}
	next := Probe{Initiator: p.Initiator, Sender: e.self, Receiver: waitingFor, Token: p.Token}
	if err := e.tx.SendProbe(waitingFor, next); err != nil {
		e.log.Warn("failed to forward probe",
			zap.String("to", waitingFor.String()), zap.Error(err))
	}
}
