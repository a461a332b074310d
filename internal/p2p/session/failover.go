package session

import (
	"sort"
	"time"

	"github.com/parley-p2p/parley/internal/p2p/transport"
)

// Monitor is the grace-period state machine for peer outages. A peer is
// either untracked (connected), tracked with the instant its link dropped,
// or popped by Expired once the outage reaches the grace period. Timers are
// process-local wall-clock observations, never part of replicated state;
// reconnection clears a timer without any lobby mutation. This is
// deliberately not a consensus protocol: several peers may conclude the same
// timeout independently, and the host-sequenced event log settles the one
// true outcome.
type Monitor struct {
	grace time.Duration
	down  map[transport.PeerID]time.Time
}

// NewMonitor tracks outages against the given grace period.
func NewMonitor(grace time.Duration) *Monitor {
	return &Monitor{grace: grace, down: make(map[transport.PeerID]time.Time)}
}

// PeerDown starts a grace timer. A timer already running keeps its original
// start.
func (m *Monitor) PeerDown(peer transport.PeerID, at time.Time) {
	if _, tracked := m.down[peer]; !tracked {
		m.down[peer] = at
	}
}

// PeerUp clears the grace timer on reconnection.
func (m *Monitor) PeerUp(peer transport.PeerID) {
	delete(m.down, peer)
}

// Down reports whether a peer is inside its grace window, and since when.
func (m *Monitor) Down(peer transport.PeerID) (time.Time, bool) {
	since, ok := m.down[peer]
	return since, ok
}

// DownCount reports how many peers are inside their grace window.
func (m *Monitor) DownCount() int {
	return len(m.down)
}

// Expired pops every peer whose outage reached the grace period, in
// deterministic order. The transition is terminal: expired peers are no
// longer tracked.
func (m *Monitor) Expired(now time.Time) []transport.PeerID {
	var out []transport.PeerID
	for peer, since := range m.down {
		if now.Sub(since) >= m.grace {
			out = append(out, peer)
			delete(m.down, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
