package stream

import (
	"time"

	"github.com/google/uuid"

	"github.com/parley-p2p/parley/internal/domain/lobby"
	"github.com/parley-p2p/parley/internal/p2p/protocol"
)

// Sequencer assigns the authoritative sequence numbers for one lobby's event
// stream and retains the full ordered log for resend requests. Only the
// current host holds a sequencer.
type Sequencer struct {
	lobbyID uuid.UUID
	last    uint64
	log     *Log
}

// NewSequencer starts a fresh stream. The first sealed event gets sequence 1.
func NewSequencer(lobbyID uuid.UUID) *Sequencer {
	return &Sequencer{lobbyID: lobbyID, log: &Log{}}
}

// AdoptSequencer continues an existing stream after host promotion. The
// promoted guest resumes numbering from its last applied sequence and keeps
// answering resends from the log it retained as a replica.
func AdoptSequencer(lobbyID uuid.UUID, lastApplied uint64, retained *Log) *Sequencer {
	if retained == nil {
		retained = &Log{}
	}
	return &Sequencer{lobbyID: lobbyID, last: lastApplied, log: retained}
}

// Seal stamps a domain event with the next sequence number and appends it to
// the retained log. Sequences are contiguous and never reused.
func (s *Sequencer) Seal(ev lobby.Event, now time.Time) protocol.LobbyEvent {
	s.last++
	sealed := protocol.LobbyEvent{
		Sequence:  s.last,
		LobbyID:   s.lobbyID,
		Timestamp: now.UTC(),
		Event:     ev,
	}
	s.log.Append(sealed)
	return sealed
}

// Extend appends an event sealed by the previous host. A manual delegation
// can share a sealed batch with trailing events, so the successor adopts
// authority while sequences from the outgoing tenure are still in flight.
// Only the immediate next sequence for this lobby is accepted.
func (s *Sequencer) Extend(ev protocol.LobbyEvent) bool {
	if ev.LobbyID != s.lobbyID || ev.Sequence != s.last+1 {
		return false
	}
	s.last = ev.Sequence
	s.log.Append(ev)
	return true
}

// Last returns the highest sequence assigned so far.
func (s *Sequencer) Last() uint64 {
	return s.last
}

// Resend answers a resend request from the retained log. Ranges reaching past
// the newest event are clipped to it. The bool reports whether the range was
// servable from the log; a false return means the requester needs a snapshot
// instead.
func (s *Sequencer) Resend(from, to uint64) ([]protocol.LobbyEvent, bool) {
	if to > s.last {
		to = s.last
	}
	return s.log.Range(from, to)
}

// Log exposes the retained log for inspection listings.
func (s *Sequencer) Log() *Log {
	return s.log
}
