package stream

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/parley-p2p/parley/internal/domain/lobby"
	"github.com/parley-p2p/parley/internal/p2p/protocol"
)

// ErrNoLobby reports an event that needs an existing lobby replica.
var ErrNoLobby = errors.New("no lobby to apply onto")

// Bootstrap builds a fresh lobby replica from the stream's opening
// LOBBY_CREATED event.
func Bootstrap(ev lobby.Event) (*lobby.Lobby, error) {
	if ev.Kind != lobby.EventLobbyCreated {
		return nil, fmt.Errorf("cannot bootstrap a lobby from %s", ev.Kind)
	}
	p, err := protocol.DecodePayload[lobby.LobbyCreatedPayload](ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", ev.Kind, err)
	}
	host := p.Participant
	l := &lobby.Lobby{
		LobbyID:      p.LobbyID,
		Name:         p.Name,
		HostID:       p.HostID,
		Participants: map[uuid.UUID]*lobby.Participant{host.ParticipantID: &host},
		Results:      map[uuid.UUID][]lobby.Result{},
	}
	return l, nil
}

// Apply replays one authoritative event onto a lobby replica. Events were
// validated by the host that sealed them, so application never re-checks
// authority. The bool reports whether local state changed; an already
// reflected event is a silent no-op, but an event naming a participant or
// activity the replica cannot resolve is an error.
func Apply(l *lobby.Lobby, ev lobby.Event) (bool, error) {
	if l == nil {
		return false, ErrNoLobby
	}

	switch ev.Kind {
	case lobby.EventLobbyCreated:
		// Creation is handled by Bootstrap; seeing it again means the replica
		// already reflects it.
		return false, nil

	case lobby.EventGuestJoined:
		p, err := decode[lobby.GuestJoinedPayload](ev)
		if err != nil {
			return false, err
		}
		return l.AddParticipant(p.Participant), nil

	case lobby.EventGuestLeft:
		p, err := decode[lobby.GuestLeftPayload](ev)
		if err != nil {
			return false, err
		}
		return l.RemoveParticipant(p.ParticipantID), nil

	case lobby.EventGuestKicked:
		p, err := decode[lobby.GuestKickedPayload](ev)
		if err != nil {
			return false, err
		}
		return l.RemoveParticipant(p.ParticipantID), nil

	case lobby.EventParticipationModeChanged:
		p, err := decode[lobby.ParticipationModeChangedPayload](ev)
		if err != nil {
			return false, err
		}
		return l.SetParticipationMode(p.ParticipantID, p.NewMode)

	case lobby.EventHostDelegated:
		p, err := decode[lobby.HostDelegatedPayload](ev)
		if err != nil {
			return false, err
		}
		// A timeout delegation also removes the unreachable former host.
		// Replicas that never noticed the outage still hold it.
		removed := false
		if p.Reason == lobby.ReasonTimeout {
			removed = l.RemoveParticipant(p.From)
		}
		changed, err := l.SetHost(p.To)
		if err != nil {
			return removed, fmt.Errorf("%s: %w", ev.Kind, err)
		}
		return removed || changed, nil

	case lobby.EventActivityPlanned:
		p, err := decode[lobby.ActivityPlannedPayload](ev)
		if err != nil {
			return false, err
		}
		return l.AddActivity(p.Activity), nil

	case lobby.EventActivityStarted:
		p, err := decode[lobby.ActivityStartedPayload](ev)
		if err != nil {
			return false, err
		}
		return l.SetActivityStatus(p.ActivityID, lobby.ActivityStatusRunning, p.StartedAt)

	case lobby.EventResultSubmitted:
		p, err := decode[lobby.ResultSubmittedPayload](ev)
		if err != nil {
			return false, err
		}
		return l.AddResult(p.Result)

	case lobby.EventActivityCompleted:
		p, err := decode[lobby.ActivityCompletedPayload](ev)
		if err != nil {
			return false, err
		}
		return l.SetActivityStatus(p.ActivityID, lobby.ActivityStatusCompleted, p.CompletedAt)

	case lobby.EventCommandFailed:
		// Sequenced for command accounting; carries no state mutation.
		return false, nil

	default:
		return false, fmt.Errorf("unsupported event kind: %s", ev.Kind)
	}
}

func decode[T any](ev lobby.Event) (T, error) {
	p, err := protocol.DecodePayload[T](ev.Payload)
	if err != nil {
		return p, fmt.Errorf("%s payload: %w", ev.Kind, err)
	}
	return p, nil
}
