package inbox

import (
	"sync"
	"time"

	"github.com/mcastellin/ringkeeper/internal/peer"
)

const maxPendingArrivals = 200

// log is a bounded ring of recent arrivals, the same trim-on-overflow
// buffer shape as the teacher's EventStore, specialized to arrival events
// instead of generic topic content.
type log struct {
	mu       sync.RWMutex
	arrivals []arrival
}

func newLog() *log {
	return &log{}
}

func (l *log) push(a arrival) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := append(l.arrivals, a)
	if len(u) > maxPendingArrivals {
		u = u[1:]
	}
	l.arrivals = u
}

// hasArrivalSince reports whether any arrival from the given peer was
// recorded at or after since.
func (l *log) hasArrivalSince(since time.Time, from peer.Addr) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.arrivals) - 1; i >= 0; i-- {
		a := l.arrivals[i]
		if a.at.Before(since) {
			break
		}
		if a.from == from {
			return true
		}
	}
	return false
}
