package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-p2p/parley/internal/domain/lobby"
	"github.com/parley-p2p/parley/internal/p2p/transport/memory"
)

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	hub := memory.NewHub("runtime-lobby", zerolog.Nop())
	t.Cleanup(hub.Close)
	conn, err := hub.Attach("runtime-node")
	require.NoError(t, err)
	return NewRuntime(conn, opts, zerolog.Nop())
}

func TestRuntimeSubmitNeverBlocks(t *testing.T) {
	r := newTestRuntime(t, Options{SubmitBuffer: 2})
	join := func() lobby.Command {
		return mustCommand(t, lobby.CommandJoinLobby, lobby.JoinLobbyPayload{GuestName: "Bob"})
	}
	require.NoError(t, r.Submit(join()))
	require.NoError(t, r.Submit(join()))
	require.ErrorIs(t, r.Submit(join()), ErrBusy)
}

func TestRuntimeSubmitValidatesFirst(t *testing.T) {
	r := newTestRuntime(t, Options{SubmitBuffer: 1})
	err := r.Submit(lobby.Command{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBusy)
}

func TestRuntimeViewDefaultsToIdle(t *testing.T) {
	r := newTestRuntime(t, Options{})
	v := r.View()
	assert.Equal(t, RoleNone, v.Role)
	assert.Nil(t, v.Lobby)
	assert.Zero(t, v.LastSequence)
}

func TestRuntimeWatchConflatesToNewestView(t *testing.T) {
	r := newTestRuntime(t, Options{})
	r.publish(View{LastSequence: 1})
	r.publish(View{LastSequence: 2})
	r.publish(View{LastSequence: 3})

	select {
	case v := <-r.Watch():
		assert.Equal(t, uint64(3), v.LastSequence, "slot holds only the newest view")
	default:
		t.Fatal("watch slot empty after publish")
	}
	select {
	case <-r.Watch():
		t.Fatal("watch slot must hold at most one view")
	default:
	}
	assert.Equal(t, uint64(3), r.View().LastSequence)
}

func TestRuntimeStopRejectsSubmissions(t *testing.T) {
	r := newTestRuntime(t, Options{TickInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	cmd := mustCommand(t, lobby.CommandCreateLobby, lobby.CreateLobbyPayload{
		LobbyName: "Test Lobby",
		HostName:  "Alice",
	})
	require.ErrorIs(t, r.Submit(cmd), ErrStopped)
}

func TestRuntimeHostsLobbyEndToEnd(t *testing.T) {
	r := newTestRuntime(t, Options{TickInterval: 2 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	create := mustCommand(t, lobby.CommandCreateLobby, lobby.CreateLobbyPayload{
		LobbyName: "Test Lobby",
		HostName:  "Alice",
	})
	require.NoError(t, r.Submit(create))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-r.Watch():
			if v.Role != RoleHost || v.Lobby == nil {
				continue
			}
			assert.Equal(t, "Test Lobby", v.Lobby.Name)
			assert.Equal(t, uint64(1), v.LastSequence)
			cancel()
			require.NoError(t, <-done)
			require.ErrorIs(t, r.Submit(create), ErrStopped)
			return
		case <-deadline:
			t.Fatal("no hosting view published before deadline")
		}
	}
}
