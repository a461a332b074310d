package stream

import (
	"github.com/parley-p2p/parley/internal/p2p/protocol"
)

// Replica tracks a guest's position in the host's event stream. Events that
// arrive in order become applicable immediately; out-of-order arrivals are
// buffered until the missing range is filled. Applied events are retained so
// the replica can answer resends itself if it is ever promoted to host.
type Replica struct {
	lastApplied uint64
	pending     map[uint64]protocol.LobbyEvent
	requested   map[uint64]struct{}
	log         *Log
}

// NewReplica starts an empty replica expecting sequence 1 first.
func NewReplica() *Replica {
	return &Replica{
		pending:   make(map[uint64]protocol.LobbyEvent),
		requested: make(map[uint64]struct{}),
		log:       &Log{},
	}
}

// AdoptReplica resumes guest-side tracking from a known stream position,
// used when a node hands host authority away. The retained log keeps
// answering resends if the node is ever promoted again.
func AdoptReplica(lastApplied uint64, retained *Log) *Replica {
	if retained == nil {
		retained = &Log{}
	}
	return &Replica{
		lastApplied: lastApplied,
		pending:     make(map[uint64]protocol.LobbyEvent),
		requested:   make(map[uint64]struct{}),
		log:         retained,
	}
}

// Ingest accepts one sequenced event. It returns the events that became
// applicable, in sequence order, and at most one resend request covering the
// sequences still missing. Duplicates of applied or buffered events return
// nothing.
func (r *Replica) Ingest(ev protocol.LobbyEvent) ([]protocol.LobbyEvent, *protocol.ResendRequestPayload) {
	seq := ev.Sequence
	if seq == 0 || seq <= r.lastApplied {
		return nil, nil
	}
	if _, buffered := r.pending[seq]; buffered {
		return nil, nil
	}

	if seq == r.lastApplied+1 {
		applied := []protocol.LobbyEvent{ev}
		r.advance(ev)
		for {
			next, ok := r.pending[r.lastApplied+1]
			if !ok {
				break
			}
			delete(r.pending, next.Sequence)
			applied = append(applied, next)
			r.advance(next)
		}
		return applied, nil
	}

	// Gap: park the event and request whatever is missing below it that has
	// not been requested already.
	r.pending[seq] = ev
	var from, to uint64
	for missing := r.lastApplied + 1; missing < seq; missing++ {
		if _, ok := r.pending[missing]; ok {
			continue
		}
		if _, ok := r.requested[missing]; ok {
			continue
		}
		if from == 0 {
			from = missing
		}
		to = missing
		r.requested[missing] = struct{}{}
	}
	if from == 0 {
		return nil, nil
	}
	return nil, &protocol.ResendRequestPayload{From: from, To: to}
}

// AdoptSnapshot resets the replica to a snapshot boundary. Buffered events at
// or below the boundary are dropped; buffered events directly above it become
// applicable and are returned in order. The retained log restarts at the
// adoption point.
func (r *Replica) AdoptSnapshot(asOfSequence uint64) []protocol.LobbyEvent {
	if asOfSequence < r.lastApplied {
		asOfSequence = r.lastApplied
	}
	r.lastApplied = asOfSequence
	r.log = &Log{}
	r.requested = make(map[uint64]struct{})
	for seq := range r.pending {
		if seq <= asOfSequence {
			delete(r.pending, seq)
		}
	}

	var applied []protocol.LobbyEvent
	for {
		next, ok := r.pending[r.lastApplied+1]
		if !ok {
			break
		}
		delete(r.pending, next.Sequence)
		applied = append(applied, next)
		r.advance(next)
	}
	return applied
}

// LastApplied returns the highest sequence applied in order.
func (r *Replica) LastApplied() uint64 {
	return r.lastApplied
}

// PendingCount reports how many out-of-order events are buffered.
func (r *Replica) PendingCount() int {
	return len(r.pending)
}

// Log exposes the events retained since this replica started or last adopted
// a snapshot.
func (r *Replica) Log() *Log {
	return r.log
}

func (r *Replica) advance(ev protocol.LobbyEvent) {
	r.lastApplied = ev.Sequence
	delete(r.requested, ev.Sequence)
	r.log.Append(ev)
}
