package lobby

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind tags a domain event.
type EventKind string

const (
	EventLobbyCreated             EventKind = "LOBBY_CREATED"
	EventGuestJoined              EventKind = "GUEST_JOINED"
	EventGuestLeft                EventKind = "GUEST_LEFT"
	EventGuestKicked              EventKind = "GUEST_KICKED"
	EventParticipationModeChanged EventKind = "PARTICIPATION_MODE_CHANGED"
	EventHostDelegated            EventKind = "HOST_DELEGATED"
	EventActivityPlanned          EventKind = "ACTIVITY_PLANNED"
	EventActivityStarted          EventKind = "ACTIVITY_STARTED"
	EventResultSubmitted          EventKind = "RESULT_SUBMITTED"
	EventActivityCompleted        EventKind = "ACTIVITY_COMPLETED"
	EventCommandFailed            EventKind = "COMMAND_FAILED"
)

// Event is a fact that already happened inside the aggregate. It carries
// enough data to be replayed verbatim on a remote peer.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent wraps a typed payload into an Event envelope.
func NewEvent(kind EventKind, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Event{Kind: kind, Payload: raw}, nil
}

// LobbyCreatedPayload announces a fresh lobby. The participant field carries
// the host so replaying sequence 1 is self-contained.
type LobbyCreatedPayload struct {
	LobbyID     uuid.UUID   `json:"lobby_id"`
	HostID      uuid.UUID   `json:"host_id"`
	Name        string      `json:"name"`
	Participant Participant `json:"participant"`
}

// GuestJoinedPayload carries the full participant for verbatim replay.
type GuestJoinedPayload struct {
	Participant Participant `json:"participant"`
}

// GuestLeftPayload records a voluntary departure.
type GuestLeftPayload struct {
	ParticipantID uuid.UUID `json:"participant_id"`
}

// GuestKickedPayload records a host-initiated removal.
type GuestKickedPayload struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	KickedBy      uuid.UUID `json:"kicked_by"`
}

// ParticipationModeChangedPayload records the mode a participant ended on.
type ParticipationModeChangedPayload struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	NewMode       Mode      `json:"new_mode"`
}

// HostDelegatedPayload records a host handover and why it happened.
type HostDelegatedPayload struct {
	From   uuid.UUID        `json:"from"`
	To     uuid.UUID        `json:"to"`
	Reason DelegationReason `json:"reason"`
}

// ActivityPlannedPayload carries the full activity for verbatim replay.
type ActivityPlannedPayload struct {
	Activity Activity `json:"activity"`
}

// ActivityStartedPayload records the PLANNED to RUNNING transition.
type ActivityStartedPayload struct {
	ActivityID uuid.UUID `json:"activity_id"`
	StartedAt  time.Time `json:"started_at"`
}

// ResultSubmittedPayload carries one scored submission.
type ResultSubmittedPayload struct {
	ActivityID uuid.UUID `json:"activity_id"`
	Result     Result    `json:"result"`
}

// ActivityCompletedPayload records the RUNNING to COMPLETED transition.
type ActivityCompletedPayload struct {
	ActivityID  uuid.UUID `json:"activity_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// CommandFailedPayload carries the rejected command and the reason, on the
// same channel as successful events so callers can always explain an
// ineffective action from the event stream alone.
type CommandFailedPayload struct {
	Command Command `json:"command"`
	Reason  string  `json:"reason"`
}
