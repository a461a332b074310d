package lobby

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CommandKind tags a command.
type CommandKind string

const (
	CommandCreateLobby             CommandKind = "CREATE_LOBBY"
	CommandJoinLobby               CommandKind = "JOIN_LOBBY"
	CommandLeaveLobby              CommandKind = "LEAVE_LOBBY"
	CommandKickGuest               CommandKind = "KICK_GUEST"
	CommandToggleParticipationMode CommandKind = "TOGGLE_PARTICIPATION_MODE"
	CommandDelegateHost            CommandKind = "DELEGATE_HOST"
	CommandPlanActivity            CommandKind = "PLAN_ACTIVITY"
	CommandStartActivity           CommandKind = "START_ACTIVITY"
	CommandSubmitResult            CommandKind = "SUBMIT_RESULT"

	// CommandCompleteActivity is enqueued by the host tick once every active
	// participant has submitted; callers never send it.
	CommandCompleteActivity CommandKind = "COMPLETE_ACTIVITY"
)

var validCommandKinds = map[CommandKind]struct{}{
	CommandCreateLobby:             {},
	CommandJoinLobby:               {},
	CommandLeaveLobby:              {},
	CommandKickGuest:               {},
	CommandToggleParticipationMode: {},
	CommandDelegateHost:            {},
	CommandPlanActivity:            {},
	CommandStartActivity:           {},
	CommandSubmitResult:            {},
	CommandCompleteActivity:        {},
}

// Command is an intent not yet validated against the aggregate. Ephemeral: it
// lives in the inbound queue until popped.
type Command struct {
	CommandID uuid.UUID       `json:"command_id"`
	Kind      CommandKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// NewCommand assigns a fresh command id and wraps a typed payload.
func NewCommand(kind CommandKind, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Command{CommandID: uuid.New(), Kind: kind, Payload: raw}, nil
}

// ValidateBasic checks envelope fields that need no aggregate state.
func (c Command) ValidateBasic() error {
	if c.CommandID == uuid.Nil {
		return errors.New("command_id is required")
	}
	if _, ok := validCommandKinds[c.Kind]; !ok {
		return fmt.Errorf("unsupported command kind: %s", c.Kind)
	}
	if len(c.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// CreateLobbyPayload opens a lobby with the submitting peer as host.
type CreateLobbyPayload struct {
	LobbyName string `json:"lobby_name"`
	HostName  string `json:"host_name"`
}

// JoinLobbyPayload asks the host to admit a new guest.
type JoinLobbyPayload struct {
	LobbyID   uuid.UUID `json:"lobby_id"`
	GuestName string    `json:"guest_name"`
}

// LeaveLobbyPayload announces a voluntary departure.
type LeaveLobbyPayload struct {
	LobbyID       uuid.UUID `json:"lobby_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
}

// KickGuestPayload removes a guest at the host's request.
type KickGuestPayload struct {
	LobbyID uuid.UUID `json:"lobby_id"`
	HostID  uuid.UUID `json:"host_id"`
	GuestID uuid.UUID `json:"guest_id"`
}

// ToggleParticipationModePayload flips a participant's mode. The
// activity_in_progress flag is informational caller context; the aggregate
// combines it with its own view of running activities.
type ToggleParticipationModePayload struct {
	LobbyID            uuid.UUID `json:"lobby_id"`
	ParticipantID      uuid.UUID `json:"participant_id"`
	RequesterID        uuid.UUID `json:"requester_id"`
	ActivityInProgress bool      `json:"activity_in_progress"`
}

// DelegateHostPayload hands the host role to another participant.
type DelegateHostPayload struct {
	LobbyID       uuid.UUID `json:"lobby_id"`
	CurrentHostID uuid.UUID `json:"current_host_id"`
	NewHostID     uuid.UUID `json:"new_host_id"`
}

// ActivityMetadata names the scoring kind and its opaque configuration.
type ActivityMetadata struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

// PlanActivityPayload schedules a new activity.
type PlanActivityPayload struct {
	LobbyID  uuid.UUID        `json:"lobby_id"`
	Metadata ActivityMetadata `json:"metadata"`
}

// StartActivityPayload moves a planned activity to RUNNING.
type StartActivityPayload struct {
	LobbyID    uuid.UUID `json:"lobby_id"`
	ActivityID uuid.UUID `json:"activity_id"`
}

// SubmitResultPayload submits one participant's result for scoring.
type SubmitResultPayload struct {
	LobbyID       uuid.UUID       `json:"lobby_id"`
	ActivityID    uuid.UUID       `json:"activity_id"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// CompleteActivityPayload closes a running activity (internal, host tick).
type CompleteActivityPayload struct {
	LobbyID    uuid.UUID `json:"lobby_id"`
	ActivityID uuid.UUID `json:"activity_id"`
}
