package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/vsphere-runner/internal/executor"
	"github.com/sakif/vsphere-runner/internal/session"
)

// Sessions is the session-manager surface handlers call.
type Sessions interface {
	Connect(ctx context.Context, server, username, password string) (*session.Session, error)
	Run(ctx context.Context, id string, req executor.ExecutionRequest) (*executor.ExecutionResult, error)
	Disconnect(ctx context.Context, id string) error
	Get(id string) (session.Info, error)
	List() []session.Info
}

// SessionHandler exposes persistent vCenter connections over HTTP.
type SessionHandler struct {
	sessions Sessions
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions Sessions, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

type connectRequest struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleConnect processes POST /api/sessions.
func (h *SessionHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "invalid request body"})
		return
	}
	if req.Server == "" || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "server, username and password are required"})
		return
	}

	s, err := h.sessions.Connect(r.Context(), req.Server, req.Username, req.Password)
	if err != nil {
		h.logger.Warn("session connect failed",
			slog.String("server", req.Server),
			slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	info, err := h.sessions.Get(s.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// HandleList processes GET /api/sessions.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

// HandleGet processes GET /api/sessions/{id}.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleRun processes POST /api/sessions/{id}/execute.
func (h *SessionHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "invalid request body"})
		return
	}
	if req.Script == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "script cannot be empty"})
		return
	}

	result, err := h.sessions.Run(r.Context(), chi.URLParam(r, "id"), req.toExecution())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleDisconnect processes DELETE /api/sessions/{id}.
func (h *SessionHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Disconnect(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
