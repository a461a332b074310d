package session

import "errors"

var (
	// ErrNoLobby reports a command that needs a lobby on a node that has none.
	ErrNoLobby = errors.New("no lobby on this node")
	// ErrLobbyExists rejects CreateLobby on a node already holding a lobby.
	ErrLobbyExists = errors.New("lobby already exists")
	// ErrUnknownLobby reports a command addressed to a different lobby id.
	ErrUnknownLobby = errors.New("unknown lobby")
	// ErrRequesterMismatch reports a forwarded command whose claimed requester
	// is not the participant bound to the sending peer.
	ErrRequesterMismatch = errors.New("requester does not match sender")
	// ErrHostUnavailable reports a guest command with no reachable host link.
	ErrHostUnavailable = errors.New("host unavailable")
	// ErrBusy reports a full submission channel. Submission never blocks; the
	// caller retries or sheds load.
	ErrBusy = errors.New("submission queue full")
	// ErrStopped reports a submission to a runtime that is no longer polling.
	ErrStopped = errors.New("runtime stopped")
)
