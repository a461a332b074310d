package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-p2p/parley/internal/domain/activity"
	"github.com/parley-p2p/parley/internal/domain/lobby"
	"github.com/parley-p2p/parley/internal/p2p/protocol"
	"github.com/parley-p2p/parley/internal/p2p/queue"
)

var loopClock = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func newTestLoop(capacity, batch int) *CommandLoop {
	return NewCommandLoop(capacity, batch, activity.NewRegistry(), zerolog.Nop())
}

func mustCommand(t *testing.T, kind lobby.CommandKind, payload any) lobby.Command {
	t.Helper()
	cmd, err := lobby.NewCommand(kind, payload)
	require.NoError(t, err)
	return cmd
}

func createTestLobby(t *testing.T, cl *CommandLoop) (lobbyID, hostID uuid.UUID) {
	t.Helper()
	cmd := mustCommand(t, lobby.CommandCreateLobby, lobby.CreateLobbyPayload{
		LobbyName: "Test Lobby",
		HostName:  "Alice",
	})
	require.NoError(t, cl.Submit(cmd, uuid.Nil))
	require.Equal(t, 1, cl.Poll(loopClock))
	out := cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventLobbyCreated, out[0].Event.Kind)
	require.NotNil(t, cl.Lobby())
	return cl.Lobby().LobbyID, cl.Lobby().HostID
}

func joinGuest(t *testing.T, cl *CommandLoop, name string) lobby.Participant {
	t.Helper()
	cmd := mustCommand(t, lobby.CommandJoinLobby, lobby.JoinLobbyPayload{GuestName: name})
	require.NoError(t, cl.Submit(cmd, uuid.Nil))
	require.Equal(t, 1, cl.Poll(loopClock))
	out := cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventGuestJoined, out[0].Event.Kind)
	p, err := protocol.DecodePayload[lobby.GuestJoinedPayload](out[0].Event.Payload)
	require.NoError(t, err)
	return p.Participant
}

func TestCommandLoopCreatesLobby(t *testing.T) {
	cl := newTestLoop(8, 4)
	cmd := mustCommand(t, lobby.CommandCreateLobby, lobby.CreateLobbyPayload{
		LobbyName: "Test Lobby",
		HostName:  "Alice",
	})
	require.NoError(t, cl.Submit(cmd, uuid.Nil))
	require.Equal(t, 1, cl.Poll(loopClock))

	out := cl.DrainOutcomes()
	require.Len(t, out, 1)
	assert.Equal(t, cmd.CommandID, out[0].CommandID)
	require.Equal(t, lobby.EventLobbyCreated, out[0].Event.Kind)

	p, err := protocol.DecodePayload[lobby.LobbyCreatedPayload](out[0].Event.Payload)
	require.NoError(t, err)
	assert.Equal(t, "Test Lobby", p.Name)
	assert.Equal(t, "Alice", p.Participant.Name)
	assert.Equal(t, lobby.RoleHost, p.Participant.Role)
	assert.Equal(t, cl.Lobby().HostID, p.HostID)
	assert.Empty(t, cl.DrainOutcomes(), "drain must empty the buffer")
}

func TestCommandLoopProcessesAtMostOneBatch(t *testing.T) {
	cl := newTestLoop(16, 3)
	createTestLobby(t, cl)

	names := []string{"Bob", "Cara", "Dan", "Eve", "Finn"}
	for _, name := range names {
		cmd := mustCommand(t, lobby.CommandJoinLobby, lobby.JoinLobbyPayload{GuestName: name})
		require.NoError(t, cl.Submit(cmd, uuid.Nil))
	}

	require.Equal(t, 3, cl.Poll(loopClock))
	assert.Equal(t, 2, cl.QueueLen())
	assert.Len(t, cl.DrainOutcomes(), 3)

	require.Equal(t, 2, cl.Poll(loopClock))
	assert.Equal(t, 0, cl.QueueLen())
	assert.Len(t, cl.DrainOutcomes(), 2)
	assert.Equal(t, 5, cl.Lobby().GuestCount())
}

func TestCommandLoopEmitsFailureOutcomes(t *testing.T) {
	cl := newTestLoop(8, 4)

	cmd := mustCommand(t, lobby.CommandJoinLobby, lobby.JoinLobbyPayload{GuestName: "Bob"})
	require.NoError(t, cl.Submit(cmd, uuid.Nil))
	require.Equal(t, 1, cl.Poll(loopClock))

	out := cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventCommandFailed, out[0].Event.Kind)

	p, err := protocol.DecodePayload[lobby.CommandFailedPayload](out[0].Event.Payload)
	require.NoError(t, err)
	assert.Equal(t, cmd.CommandID, p.Command.CommandID)
	assert.Contains(t, p.Reason, "no lobby")
}

func TestCommandLoopRejectsSecondCreate(t *testing.T) {
	cl := newTestLoop(8, 4)
	createTestLobby(t, cl)

	again := mustCommand(t, lobby.CommandCreateLobby, lobby.CreateLobbyPayload{
		LobbyName: "Another",
		HostName:  "Mallory",
	})
	require.NoError(t, cl.Submit(again, uuid.Nil))
	require.Equal(t, 1, cl.Poll(loopClock))

	out := cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventCommandFailed, out[0].Event.Kind)
	p, err := protocol.DecodePayload[lobby.CommandFailedPayload](out[0].Event.Payload)
	require.NoError(t, err)
	assert.Contains(t, p.Reason, "lobby already exists")
	assert.Equal(t, "Test Lobby", cl.Lobby().Name, "existing lobby untouched")
}

func TestCommandLoopRejectsCommandsForOtherLobbies(t *testing.T) {
	cl := newTestLoop(8, 4)
	createTestLobby(t, cl)

	cmd := mustCommand(t, lobby.CommandJoinLobby, lobby.JoinLobbyPayload{
		LobbyID:   uuid.New(),
		GuestName: "Bob",
	})
	require.NoError(t, cl.Submit(cmd, uuid.Nil))
	require.Equal(t, 1, cl.Poll(loopClock))

	out := cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventCommandFailed, out[0].Event.Kind)
	p, err := protocol.DecodePayload[lobby.CommandFailedPayload](out[0].Event.Payload)
	require.NoError(t, err)
	assert.Contains(t, p.Reason, "unknown lobby")
}

func TestCommandLoopAuthorizesForwardedCommands(t *testing.T) {
	cl := newTestLoop(8, 4)
	lobbyID, hostID := createTestLobby(t, cl)
	bob := joinGuest(t, cl, "Bob")

	kick := mustCommand(t, lobby.CommandKickGuest, lobby.KickGuestPayload{
		LobbyID: lobbyID,
		HostID:  hostID,
		GuestID: bob.ParticipantID,
	})

	// Bob forwards a kick claiming to be the host.
	require.NoError(t, cl.Submit(kick, bob.ParticipantID))
	require.Equal(t, 1, cl.Poll(loopClock))
	out := cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventCommandFailed, out[0].Event.Kind)
	p, err := protocol.DecodePayload[lobby.CommandFailedPayload](out[0].Event.Payload)
	require.NoError(t, err)
	assert.Contains(t, p.Reason, "requester does not match sender")

	// The same command from the host goes through.
	require.NoError(t, cl.Submit(kick, hostID))
	require.Equal(t, 1, cl.Poll(loopClock))
	out = cl.DrainOutcomes()
	require.Len(t, out, 1)
	assert.Equal(t, lobby.EventGuestKicked, out[0].Event.Kind)
	assert.Equal(t, 0, cl.Lobby().GuestCount())
}

func TestCommandLoopScoresSubmittedResults(t *testing.T) {
	cl := newTestLoop(16, 8)
	lobbyID, hostID := createTestLobby(t, cl)

	plan := mustCommand(t, lobby.CommandPlanActivity, lobby.PlanActivityPayload{
		LobbyID: lobbyID,
		Metadata: lobby.ActivityMetadata{
			Kind:   activity.KindExpression,
			Config: json.RawMessage(`{"expression":"correct * 10"}`),
		},
	})
	require.NoError(t, cl.Submit(plan, uuid.Nil))
	require.Equal(t, 1, cl.Poll(loopClock))
	out := cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventActivityPlanned, out[0].Event.Kind)
	planned, err := protocol.DecodePayload[lobby.ActivityPlannedPayload](out[0].Event.Payload)
	require.NoError(t, err)

	start := mustCommand(t, lobby.CommandStartActivity, lobby.StartActivityPayload{
		LobbyID:    lobbyID,
		ActivityID: planned.Activity.ActivityID,
	})
	require.NoError(t, cl.Submit(start, uuid.Nil))
	require.Equal(t, 1, cl.Poll(loopClock))
	out = cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventActivityStarted, out[0].Event.Kind)

	submit := mustCommand(t, lobby.CommandSubmitResult, lobby.SubmitResultPayload{
		LobbyID:       lobbyID,
		ActivityID:    planned.Activity.ActivityID,
		ParticipantID: hostID,
		Data:          json.RawMessage(`{"correct":4}`),
	})
	require.NoError(t, cl.Submit(submit, hostID))
	require.Equal(t, 1, cl.Poll(loopClock))
	out = cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventResultSubmitted, out[0].Event.Kind)

	res, err := protocol.DecodePayload[lobby.ResultSubmittedPayload](out[0].Event.Payload)
	require.NoError(t, err)
	assert.Equal(t, float64(40), res.Result.Score)
}

func TestCommandLoopRejectsUnscorableActivities(t *testing.T) {
	cl := newTestLoop(8, 4)
	lobbyID, _ := createTestLobby(t, cl)

	plan := mustCommand(t, lobby.CommandPlanActivity, lobby.PlanActivityPayload{
		LobbyID:  lobbyID,
		Metadata: lobby.ActivityMetadata{Kind: "tarot-reading"},
	})
	require.NoError(t, cl.Submit(plan, uuid.Nil))
	require.Equal(t, 1, cl.Poll(loopClock))

	out := cl.DrainOutcomes()
	require.Len(t, out, 1)
	require.Equal(t, lobby.EventCommandFailed, out[0].Event.Kind)
	p, err := protocol.DecodePayload[lobby.CommandFailedPayload](out[0].Event.Payload)
	require.NoError(t, err)
	assert.Contains(t, p.Reason, "unknown activity kind")
	assert.Empty(t, cl.Lobby().ListActivities())
}

func TestCommandLoopSubmitBackpressure(t *testing.T) {
	cl := newTestLoop(2, 4)

	for i := 0; i < 2; i++ {
		cmd := mustCommand(t, lobby.CommandJoinLobby, lobby.JoinLobbyPayload{GuestName: "Guest"})
		require.NoError(t, cl.Submit(cmd, uuid.Nil))
	}
	cmd := mustCommand(t, lobby.CommandJoinLobby, lobby.JoinLobbyPayload{GuestName: "Overflow"})
	err := cl.Submit(cmd, uuid.Nil)
	require.ErrorIs(t, err, queue.ErrFull)
	assert.Equal(t, 2, cl.QueueLen())
}
