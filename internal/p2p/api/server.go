package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-p2p/parley/internal/domain/lobby"
	"github.com/parley-p2p/parley/internal/p2p/protocol"
	"github.com/parley-p2p/parley/internal/p2p/session"
)

// Node is the slice of the session runtime the control API needs: command
// submission and the latest published view.
type Node interface {
	Submit(cmd lobby.Command) error
	View() session.View
}

// Server provides the per-node HTTP control and inspection endpoints.
type Server struct {
	node Node
	log  zerolog.Logger
}

func NewServer(node Node, logger zerolog.Logger) *Server {
	return &Server{
		node: node,
		log:  logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/commands", s.submitCommand)
		r.Get("/lobby", s.getLobby)
		r.Get("/lobby/participants", s.listParticipants)
		r.Get("/lobby/activities", s.listActivities)
		r.Get("/events", s.listEvents)
		r.Get("/stats", s.stats)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	v := s.node.View()
	out := map[string]any{
		"ok":            true,
		"role":          v.Role,
		"last_sequence": v.LastSequence,
	}
	if v.Lobby != nil {
		out["lobby_id"] = v.Lobby.LobbyID
	}
	respondJSON(w, http.StatusOK, out)
}

type commandRequest struct {
	Kind    lobby.CommandKind `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
}

// submitCommand hands a command to the polling goroutine. Acceptance is not
// application: the outcome arrives later on the event stream, so the reply
// is 202 with the command id to look for.
func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	cmd := lobby.Command{CommandID: uuid.New(), Kind: req.Kind, Payload: req.Payload}
	if err := s.node.Submit(cmd); err != nil {
		if errors.Is(err, session.ErrBusy) || errors.Is(err, session.ErrStopped) {
			respondError(w, http.StatusConflict, "BUSY", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "COMMAND_REJECTED", err.Error())
		return
	}
	s.log.Debug().Str("kind", string(req.Kind)).Str("command_id", cmd.CommandID.String()).Msg("command accepted")
	respondJSON(w, http.StatusAccepted, map[string]any{
		"command_id": cmd.CommandID,
		"status":     "ACCEPTED",
	})
}

func (s *Server) getLobby(w http.ResponseWriter, _ *http.Request) {
	v := s.node.View()
	if v.Lobby == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no lobby on this node")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"role":      v.Role,
		"self_id":   v.SelfID,
		"host_lost": v.HostLost,
		"lobby":     v.Lobby,
	})
}

func (s *Server) listParticipants(w http.ResponseWriter, _ *http.Request) {
	v := s.node.View()
	if v.Lobby == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no lobby on this node")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"lobby_id":     v.Lobby.LobbyID,
		"participants": v.Lobby.ListParticipants(),
	})
}

func (s *Server) listActivities(w http.ResponseWriter, _ *http.Request) {
	v := s.node.View()
	if v.Lobby == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no lobby on this node")
		return
	}
	activities := v.Lobby.ListActivities()
	out := make([]map[string]any, 0, len(activities))
	for _, a := range activities {
		out = append(out, map[string]any{
			"activity": a,
			"results":  v.Lobby.ResultsFor(a.ActivityID),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"lobby_id":   v.Lobby.LobbyID,
		"activities": out,
	})
}

// listEvents serves a window of the recently sequenced events this node has
// seen, oldest first.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	v := s.node.View()
	from, limit := parseEventWindow(r, 100, 500)
	out := make([]protocol.LobbyEvent, 0, limit)
	for _, e := range v.RecentEvents {
		if e.Sequence < from {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"last_sequence": v.LastSequence,
		"events":        out,
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	v := s.node.View()
	respondJSON(w, http.StatusOK, map[string]any{
		"role":           v.Role,
		"last_sequence":  v.LastSequence,
		"pending_events": v.PendingEvents,
		"host_lost":      v.HostLost,
		"published_at":   v.PublishedAt,
		"stats":          v.Stats,
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseEventWindow(r *http.Request, defaultLimit, maxLimit int) (uint64, int) {
	var from uint64
	limit := defaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			from = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return from, limit
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
