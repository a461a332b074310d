package lobby

import "errors"

// Typed domain errors. Command handling surfaces these as COMMAND_FAILED
// events; the direct-apply path returns them to the caller.
var (
	ErrNotHost              = errors.New("requester is not the lobby host")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrDuplicateParticipant = errors.New("participant id already present")
	ErrHostNotKickable      = errors.New("host cannot be kicked")
	ErrHostCannotLeave      = errors.New("host cannot leave while guests remain")
	ErrNoGuests             = errors.New("no guest available for delegation")
	ErrActivityNotFound     = errors.New("activity not found")
	ErrActivityInProgress   = errors.New("an activity is in progress")
	ErrActivityNotRunning   = errors.New("activity is not running")
	ErrActivityNotPlanned   = errors.New("activity is not in planned state")
	ErrSpectatorResult      = errors.New("spectating participants cannot submit results")
	ErrDuplicateResult      = errors.New("result already submitted for participant")
)
