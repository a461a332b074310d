package stream

import "github.com/parley-p2p/parley/internal/p2p/protocol"

// Log is an ordered run of sequenced events retained to answer resend and
// inspection requests. Entries hold contiguous ascending sequences; the run
// may start above 1 when adopted from a snapshot.
type Log struct {
	entries []protocol.LobbyEvent
}

// Append adds the next event. Callers guarantee contiguity.
func (g *Log) Append(ev protocol.LobbyEvent) {
	g.entries = append(g.entries, ev)
}

// First returns the lowest retained sequence, zero when empty.
func (g *Log) First() uint64 {
	if len(g.entries) == 0 {
		return 0
	}
	return g.entries[0].Sequence
}

// Last returns the highest retained sequence, zero when empty.
func (g *Log) Last() uint64 {
	if len(g.entries) == 0 {
		return 0
	}
	return g.entries[len(g.entries)-1].Sequence
}

// Len reports the number of retained events.
func (g *Log) Len() int {
	return len(g.entries)
}

// Range returns copies of the events in the closed range [from, to]. The
// bool reports whether the full requested range was retained.
func (g *Log) Range(from, to uint64) ([]protocol.LobbyEvent, bool) {
	if from == 0 || from > to {
		return nil, false
	}
	first := g.First()
	if first == 0 || from < first || to > g.Last() {
		return nil, false
	}
	lo := int(from - first)
	hi := int(to - first)
	out := make([]protocol.LobbyEvent, hi-lo+1)
	copy(out, g.entries[lo:hi+1])
	return out, true
}

// Window returns up to limit events starting at sequence from, for
// inspection listings.
func (g *Log) Window(from uint64, limit int) []protocol.LobbyEvent {
	if limit <= 0 || g.Len() == 0 {
		return nil
	}
	first := g.First()
	if from < first {
		from = first
	}
	if from > g.Last() {
		return nil
	}
	lo := int(from - first)
	hi := lo + limit
	if hi > len(g.entries) {
		hi = len(g.entries)
	}
	out := make([]protocol.LobbyEvent, hi-lo)
	copy(out, g.entries[lo:hi])
	return out
}
