package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-p2p/parley/internal/domain/activity"
	"github.com/parley-p2p/parley/internal/domain/lobby"
	"github.com/parley-p2p/parley/internal/p2p/protocol"
	"github.com/parley-p2p/parley/internal/p2p/queue"
)

// Outcome pairs an applied command with the single event it produced,
// success variant or CommandFailed.
type Outcome struct {
	CommandID uuid.UUID
	Event     lobby.Event
}

type queuedCommand struct {
	cmd    lobby.Command
	origin uuid.UUID
}

// CommandLoop owns the lobby aggregate and turns queued commands into
// events, exactly one per command. Poll processes at most one batch per
// call so a burst of commands cannot starve network I/O in the same tick.
type CommandLoop struct {
	inbound   *queue.Queue[queuedCommand]
	outcomes  []Outcome
	lob       *lobby.Lobby
	scorers   *activity.Registry
	batchSize int
	log       zerolog.Logger
}

// NewCommandLoop builds an empty loop; the lobby comes into existence via a
// CreateLobby command or an adopted snapshot.
func NewCommandLoop(queueCapacity, batchSize int, scorers *activity.Registry, logger zerolog.Logger) *CommandLoop {
	if batchSize < 1 {
		batchSize = 1
	}
	return &CommandLoop{
		inbound:   queue.New[queuedCommand](queueCapacity),
		scorers:   scorers,
		batchSize: batchSize,
		log:       logger.With().Str("component", "command-loop").Logger(),
	}
}

// Submit queues one command attributed to the origin participant. Origin is
// uuid.Nil for commands submitted on this node before it has an identity.
// Returns queue.ErrFull under backpressure; the caller retries or sheds.
func (cl *CommandLoop) Submit(cmd lobby.Command, origin uuid.UUID) error {
	if err := cmd.ValidateBasic(); err != nil {
		return err
	}
	return cl.inbound.Push(queuedCommand{cmd: cmd, origin: origin})
}

// QueueLen reports how many commands wait in the inbound queue.
func (cl *CommandLoop) QueueLen() int {
	return cl.inbound.Len()
}

// Poll applies up to one batch of queued commands and returns the number
// processed. Never blocks; zero means the queue was empty.
func (cl *CommandLoop) Poll(now time.Time) int {
	processed := 0
	for processed < cl.batchSize {
		qc, ok := cl.inbound.Pop()
		if !ok {
			break
		}
		ev, err := cl.applyCommand(qc.cmd, qc.origin, now)
		if err != nil {
			cl.log.Debug().Str("command", string(qc.cmd.Kind)).Err(err).Msg("command rejected")
			ev = cl.failure(qc.cmd, err)
		}
		cl.outcomes = append(cl.outcomes, Outcome{CommandID: qc.cmd.CommandID, Event: ev})
		processed++
	}
	return processed
}

// DrainOutcomes removes and returns everything accumulated since the last
// drain. The caller owns forwarding: on the host that means sequencing and
// broadcast.
func (cl *CommandLoop) DrainOutcomes() []Outcome {
	out := cl.outcomes
	cl.outcomes = nil
	return out
}

// Lobby exposes the owned aggregate. Only the polling goroutine may touch
// it; observers get clones through the published view.
func (cl *CommandLoop) Lobby() *lobby.Lobby {
	return cl.lob
}

// SetLobby installs a bootstrapped or snapshot-adopted replica.
func (cl *CommandLoop) SetLobby(l *lobby.Lobby) {
	cl.lob = l
}

func (cl *CommandLoop) applyCommand(cmd lobby.Command, origin uuid.UUID, now time.Time) (lobby.Event, error) {
	if cmd.Kind == lobby.CommandCreateLobby {
		return cl.applyCreate(cmd, now)
	}
	if cl.lob == nil {
		return lobby.Event{}, ErrNoLobby
	}

	switch cmd.Kind {
	case lobby.CommandJoinLobby:
		p, err := decodeCommand[lobby.JoinLobbyPayload](cmd)
		if err != nil {
			return lobby.Event{}, err
		}
		if err := cl.checkLobby(p.LobbyID); err != nil {
			return lobby.Event{}, err
		}
		guest, err := cl.lob.AddGuest(p.GuestName, now)
		if err != nil {
			return lobby.Event{}, err
		}
		return lobby.NewEvent(lobby.EventGuestJoined, lobby.GuestJoinedPayload{Participant: guest})

	case lobby.CommandLeaveLobby:
		p, err := decodeCommand[lobby.LeaveLobbyPayload](cmd)
		if err != nil {
			return lobby.Event{}, err
		}
		if err := cl.checkLobby(p.LobbyID); err != nil {
			return lobby.Event{}, err
		}
		if err := authorize(origin, p.ParticipantID); err != nil {
			return lobby.Event{}, err
		}
		removed, err := cl.lob.RemoveGuest(p.ParticipantID)
		if err != nil {
			return lobby.Event{}, err
		}
		return lobby.NewEvent(lobby.EventGuestLeft, lobby.GuestLeftPayload{ParticipantID: removed.ParticipantID})

	case lobby.CommandKickGuest:
		p, err := decodeCommand[lobby.KickGuestPayload](cmd)
		if err != nil {
			return lobby.Event{}, err
		}
		if err := cl.checkLobby(p.LobbyID); err != nil {
			return lobby.Event{}, err
		}
		if err := authorize(origin, p.HostID); err != nil {
			return lobby.Event{}, err
		}
		removed, err := cl.lob.KickGuest(p.GuestID, p.HostID)
		if err != nil {
			return lobby.Event{}, err
		}
		return lobby.NewEvent(lobby.EventGuestKicked, lobby.GuestKickedPayload{
			ParticipantID: removed.ParticipantID,
			KickedBy:      p.HostID,
		})

	case lobby.CommandToggleParticipationMode:
		p, err := decodeCommand[lobby.ToggleParticipationModePayload](cmd)
		if err != nil {
			return lobby.Event{}, err
		}
		if err := cl.checkLobby(p.LobbyID); err != nil {
			return lobby.Event{}, err
		}
		if err := authorize(origin, p.RequesterID); err != nil {
			return lobby.Event{}, err
		}
		inProgress := p.ActivityInProgress || cl.lob.RunningActivity() != nil
		mode, err := cl.lob.ToggleParticipationMode(p.ParticipantID, p.RequesterID, inProgress)
		if err != nil {
			return lobby.Event{}, err
		}
		return lobby.NewEvent(lobby.EventParticipationModeChanged, lobby.ParticipationModeChangedPayload{
			ParticipantID: p.ParticipantID,
			NewMode:       mode,
		})

	case lobby.CommandDelegateHost:
		p, err := decodeCommand[lobby.DelegateHostPayload](cmd)
		if err != nil {
			return lobby.Event{}, err
		}
		if err := cl.checkLobby(p.LobbyID); err != nil {
			return lobby.Event{}, err
		}
		if err := authorize(origin, p.CurrentHostID); err != nil {
			return lobby.Event{}, err
		}
		if err := cl.lob.DelegateHost(p.CurrentHostID, p.NewHostID); err != nil {
			return lobby.Event{}, err
		}
		return lobby.NewEvent(lobby.EventHostDelegated, lobby.HostDelegatedPayload{
			From:   p.CurrentHostID,
			To:     p.NewHostID,
			Reason: lobby.ReasonManual,
		})

	case lobby.CommandPlanActivity:
		p, err := decodeCommand[lobby.PlanActivityPayload](cmd)
		if err != nil {
			return lobby.Event{}, err
		}
		if err := cl.checkLobby(p.LobbyID); err != nil {
			return lobby.Event{}, err
		}
		if err := cl.scorers.Validate(p.Metadata.Kind, p.Metadata.Config); err != nil {
			return lobby.Event{}, err
		}
		act, err := cl.lob.PlanActivity(p.Metadata.Kind, p.Metadata.Config, cl.requester(origin), now)
		if err != nil {
			return lobby.Event{}, err
		}
		return lobby.NewEvent(lobby.EventActivityPlanned, lobby.ActivityPlannedPayload{Activity: act})

	case lobby.CommandStartActivity:
		p, err := decodeCommand[lobby.StartActivityPayload](cmd)
		if err != nil {
			return lobby.Event{}, err
		}
		if err := cl.checkLobby(p.LobbyID); err != nil {
			return lobby.Event{}, err
		}
		act, err := cl.lob.StartActivity(p.ActivityID, cl.requester(origin), now)
		if err != nil {
			return lobby.Event{}, err
		}
		return lobby.NewEvent(lobby.EventActivityStarted, lobby.ActivityStartedPayload{
			ActivityID: act.ActivityID,
			StartedAt:  *act.StartedAt,
		})

	case lobby.CommandSubmitResult:
		p, err := decodeCommand[lobby.SubmitResultPayload](cmd)
		if err != nil {
			return lobby.Event{}, err
		}
		if err := cl.checkLobby(p.LobbyID); err != nil {
			return lobby.Event{}, err
		}
		if err := authorize(origin, p.ParticipantID); err != nil {
			return lobby.Event{}, err
		}
		act := cl.findActivity(p.ActivityID)
		if act == nil {
			return lobby.Event{}, fmt.Errorf("%w: %s", lobby.ErrActivityNotFound, p.ActivityID)
		}
		score, err := cl.scorers.Score(act.Kind, act.Config, p.Data)
		if err != nil {
			return lobby.Event{}, err
		}
		res, err := cl.lob.SubmitResult(p.ActivityID, p.ParticipantID, p.Data, score, now)
		if err != nil {
			return lobby.Event{}, err
		}
		return lobby.NewEvent(lobby.EventResultSubmitted, lobby.ResultSubmittedPayload{
			ActivityID: p.ActivityID,
			Result:     res,
		})

	case lobby.CommandCompleteActivity:
		p, err := decodeCommand[lobby.CompleteActivityPayload](cmd)
		if err != nil {
			return lobby.Event{}, err
		}
		if err := cl.checkLobby(p.LobbyID); err != nil {
			return lobby.Event{}, err
		}
		act, err := cl.lob.CompleteActivity(p.ActivityID, now)
		if err != nil {
			return lobby.Event{}, err
		}
		return lobby.NewEvent(lobby.EventActivityCompleted, lobby.ActivityCompletedPayload{
			ActivityID:  act.ActivityID,
			CompletedAt: *act.CompletedAt,
		})

	default:
		return lobby.Event{}, fmt.Errorf("unsupported command kind: %s", cmd.Kind)
	}
}

func (cl *CommandLoop) applyCreate(cmd lobby.Command, now time.Time) (lobby.Event, error) {
	p, err := decodeCommand[lobby.CreateLobbyPayload](cmd)
	if err != nil {
		return lobby.Event{}, err
	}
	if cl.lob != nil {
		return lobby.Event{}, ErrLobbyExists
	}
	l, host := lobby.New(p.LobbyName, p.HostName, now)
	cl.lob = l
	return lobby.NewEvent(lobby.EventLobbyCreated, lobby.LobbyCreatedPayload{
		LobbyID:     l.LobbyID,
		HostID:      host.ParticipantID,
		Name:        l.Name,
		Participant: host,
	})
}

func (cl *CommandLoop) failure(cmd lobby.Command, cause error) lobby.Event {
	ev, err := lobby.NewEvent(lobby.EventCommandFailed, lobby.CommandFailedPayload{
		Command: cmd,
		Reason:  cause.Error(),
	})
	if err != nil {
		cl.log.Error().Err(err).Msg("encode command failure")
		return lobby.Event{Kind: lobby.EventCommandFailed}
	}
	return ev
}

// checkLobby rejects commands addressed to a lobby this node does not hold.
// A nil id targets the local lobby.
func (cl *CommandLoop) checkLobby(id uuid.UUID) error {
	if id != uuid.Nil && id != cl.lob.LobbyID {
		return fmt.Errorf("%w: %s", ErrUnknownLobby, id)
	}
	return nil
}

// requester resolves who a plan/start command acts as. Those payloads carry
// no requester field; unattributed local submissions act as the host.
func (cl *CommandLoop) requester(origin uuid.UUID) uuid.UUID {
	if origin == uuid.Nil {
		return cl.lob.HostID
	}
	return origin
}

func (cl *CommandLoop) findActivity(id uuid.UUID) *lobby.Activity {
	for _, a := range cl.lob.ListActivities() {
		if a.ActivityID == id {
			return &a
		}
	}
	return nil
}

// authorize rejects a forwarded command whose claimed requester differs from
// the participant the session bound to the sending peer.
func authorize(origin, claimed uuid.UUID) error {
	if origin != uuid.Nil && claimed != origin {
		return ErrRequesterMismatch
	}
	return nil
}

func decodeCommand[T any](cmd lobby.Command) (T, error) {
	p, err := protocol.DecodePayload[T](cmd.Payload)
	if err != nil {
		return p, fmt.Errorf("decode %s payload: %w", cmd.Kind, err)
	}
	return p, nil
}
