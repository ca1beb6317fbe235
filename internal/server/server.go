// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/patientline/internal/archive"
	"github.com/user/patientline/internal/gateway"
	"github.com/user/patientline/internal/types"
	"github.com/user/patientline/internal/validation"
)

// Minter creates an ephemeral realtime session and returns the provider's
// JSON response unchanged.
type Minter interface {
	Mint(ctx context.Context) (json.RawMessage, error)
}

// MinterFunc adapts a function to Minter.
type MinterFunc func(ctx context.Context) (json.RawMessage, error)

func (f MinterFunc) Mint(ctx context.Context) (json.RawMessage, error) { return f(ctx) }

// Archive is the read side of the session archive.
type Archive interface {
	List(ctx context.Context, limit int) ([]*types.SessionRecord, error)
	Get(ctx context.Context, id types.SessionID) (*types.SessionRecord, error)
}

// Deps are the collaborators of Server. Only Gateway and Sessions are
// required for live sessions; the other endpoints answer 503 when their
// dependency is missing.
type Deps struct {
	Validator *validation.Validator
	Minter    Minter
	Archive   Archive
	Events    types.EventLog
	Gateway   *gateway.Gateway
	Sessions  SessionFactory
}

// Server is the HTTP surface: health, credential minting, patient
// validation, the session archive and the live session socket.
type Server struct {
	deps Deps
	mux  *http.ServeMux
}

func New(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /session", s.handleSession)
	s.mux.HandleFunc("POST /api/patient", s.handlePatient)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	s.mux.HandleFunc("GET /v1/live", s.handleLive)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Gateway != nil {
		resp["active_sessions"] = s.deps.Gateway.ActiveSessions()
		resp["capacity"] = s.deps.Gateway.Capacity()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Minter == nil {
		writeError(w, http.StatusServiceUnavailable, "session minting not configured")
		return
	}
	body, err := s.deps.Minter.Mint(r.Context())
	if err != nil {
		slog.Error("mint realtime session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handlePatient(w http.ResponseWriter, r *http.Request) {
	v := s.deps.Validator
	if v == nil {
		v = validation.Default()
	}

	var rec validation.PatientRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if errs := v.Validate(&rec); errs != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": errs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.deps.Archive.List(r.Context(), limit)
	if err != nil {
		slog.Error("list archived sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if recs == nil {
		recs = []*types.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	id := types.SessionID(r.PathValue("id"))
	rec, err := s.deps.Archive.Get(r.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("get archived session failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log not configured")
		return
	}
	id := types.SessionID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.deps.Events.Tail(r.Context(), id, limit)
	if err != nil {
		slog.Error("tail events failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.LoggedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
