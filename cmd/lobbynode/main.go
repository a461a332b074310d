package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"github.com/parley-p2p/parley/internal/config"
	"github.com/parley-p2p/parley/internal/domain/lobby"
	"github.com/parley-p2p/parley/internal/p2p/api"
	"github.com/parley-p2p/parley/internal/p2p/session"
	"github.com/parley-p2p/parley/internal/p2p/transport"
	"github.com/parley-p2p/parley/internal/p2p/transport/memory"
)

const sessionAddress = "local"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The in-process fabric stands in for a WebRTC dialer, which arrives
	// from outside as a transport.Dialer.
	hub := memory.NewHub(sessionAddress, logger)
	defer hub.Close()

	opts := session.Options{
		TickInterval:      cfg.TickInterval,
		QueueCapacity:     cfg.CommandQueueCapacity,
		PeerQueueCapacity: cfg.PeerQueueCapacity,
		BatchSize:         cfg.BatchSize,
		GracePeriod:       cfg.GracePeriod,
	}

	host, err := startNode(ctx, hub, opts, logger.With().Str("node", "host").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("start host node")
	}

	create, err := lobby.NewCommand(lobby.CommandCreateLobby, lobby.CreateLobbyPayload{
		LobbyName: cfg.LobbyName,
		HostName:  cfg.HostName,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build create command")
	}
	submitUntilAccepted(ctx, host, create, logger)

	for i := 0; i < cfg.SimGuests; i++ {
		name := fmt.Sprintf("guest-%d", i+1)
		guest, err := startNode(ctx, hub, opts, logger.With().Str("node", name).Logger())
		if err != nil {
			logger.Error().Err(err).Str("node", name).Msg("start sim guest")
			continue
		}
		go runSimGuest(ctx, guest, name, logger.With().Str("node", name).Logger())
	}
	go runActivityDriver(ctx, host, logger.With().Str("component", "activity-driver").Logger())

	apiServer := api.NewServer(host, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func startNode(ctx context.Context, hub *memory.Hub, opts session.Options, logger zerolog.Logger) (*session.Runtime, error) {
	conn, err := hub.Connect(ctx, sessionAddress, transport.ICEConfig{})
	if err != nil {
		return nil, err
	}
	rt := session.NewRuntime(conn, opts, logger)
	go func() {
		_ = rt.Run(ctx)
	}()
	return rt, nil
}

// submitUntilAccepted retries through transient backpressure; anything else
// is a programming error worth surfacing.
func submitUntilAccepted(ctx context.Context, rt *session.Runtime, cmd lobby.Command, logger zerolog.Logger) {
	for {
		err := rt.Submit(cmd)
		switch {
		case err == nil:
			return
		case errors.Is(err, session.ErrBusy):
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		default:
			logger.Error().Err(err).Str("command", string(cmd.Kind)).Msg("command rejected")
			return
		}
	}
}

// runSimGuest joins the lobby and submits a result whenever an activity is
// running and this guest has not answered it yet.
func runSimGuest(ctx context.Context, rt *session.Runtime, name string, logger zerolog.Logger) {
	join, err := lobby.NewCommand(lobby.CommandJoinLobby, lobby.JoinLobbyPayload{GuestName: name})
	if err != nil {
		logger.Error().Err(err).Msg("build join command")
		return
	}
	submitUntilAccepted(ctx, rt, join, logger)

	for {
		var v session.View
		select {
		case <-ctx.Done():
			return
		case v = <-rt.Watch():
		}
		if v.Role != session.RoleGuest || v.Lobby == nil {
			continue
		}
		running := v.Lobby.RunningActivity()
		if running == nil || hasResult(v.Lobby, running.ActivityID, v.SelfID) {
			continue
		}
		data := fmt.Sprintf(`{"score": %d, "answer": %q}`, len(name)*10, name)
		submit, err := lobby.NewCommand(lobby.CommandSubmitResult, lobby.SubmitResultPayload{
			LobbyID:       v.Lobby.LobbyID,
			ActivityID:    running.ActivityID,
			ParticipantID: v.SelfID,
			Data:          []byte(data),
		})
		if err != nil {
			logger.Error().Err(err).Msg("build submit command")
			continue
		}
		if err := rt.Submit(submit); err != nil && !errors.Is(err, session.ErrBusy) {
			logger.Warn().Err(err).Msg("result submission rejected")
		}
	}
}

// runActivityDriver keeps the demo lobby busy: it plans a freeform activity
// when none exists and starts whatever is planned.
func runActivityDriver(ctx context.Context, rt *session.Runtime, logger zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		v := rt.View()
		if v.Role != session.RoleHost || v.Lobby == nil || v.Lobby.RunningActivity() != nil {
			continue
		}
		var cmd lobby.Command
		var err error
		if planned := firstPlanned(v.Lobby); planned != nil {
			cmd, err = lobby.NewCommand(lobby.CommandStartActivity, lobby.StartActivityPayload{
				LobbyID:    v.Lobby.LobbyID,
				ActivityID: planned.ActivityID,
			})
		} else {
			cmd, err = lobby.NewCommand(lobby.CommandPlanActivity, lobby.PlanActivityPayload{
				LobbyID: v.Lobby.LobbyID,
				Metadata: lobby.ActivityMetadata{
					Kind:   "freeform",
					Config: []byte(`{"prompt": "say hello"}`),
				},
			})
		}
		if err != nil {
			logger.Error().Err(err).Msg("build activity command")
			continue
		}
		if err := rt.Submit(cmd); err != nil && !errors.Is(err, session.ErrBusy) {
			logger.Warn().Err(err).Str("command", string(cmd.Kind)).Msg("activity command rejected")
		}
	}
}

func firstPlanned(lob *lobby.Lobby) *lobby.Activity {
	for _, a := range lob.ListActivities() {
		if a.Status == lobby.ActivityStatusPlanned {
			return &a
		}
	}
	return nil
}

func hasResult(lob *lobby.Lobby, activityID, participantID uuid.UUID) bool {
	for _, r := range lob.ResultsFor(activityID) {
		if r.ParticipantID == participantID {
			return true
		}
	}
	return false
}
