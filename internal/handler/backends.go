package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sakif/vsphere-runner/internal/executor/pool"
	"github.com/sakif/vsphere-runner/internal/pwsh"
)

// GatewayControl is the backend-routing surface handlers call.
type GatewayControl interface {
	Forced() bool
	ForceEmbedded(on bool)
}

// PoolStats reports the interpreter pool's state. *pool.Pool satisfies it.
type PoolStats interface {
	Stats() pool.Stats
}

// RuntimeInfoSource reports the discovered interpreter. *pwsh.Locator
// satisfies it.
type RuntimeInfoSource interface {
	Runtime(ctx context.Context) (pwsh.RuntimeInfo, error)
}

// BackendsHandler reports backend status and flips the embedded-only
// override.
type BackendsHandler struct {
	gateway GatewayControl
	pool    PoolStats
	runtime RuntimeInfoSource
	mode    string
}

// NewBackendsHandler creates a BackendsHandler. mode is the configured
// execution mode string, echoed back for operators.
func NewBackendsHandler(gw GatewayControl, p PoolStats, rt RuntimeInfoSource, mode string) *BackendsHandler {
	return &BackendsHandler{gateway: gw, pool: p, runtime: rt, mode: mode}
}

type backendsResponse struct {
	Mode          string            `json:"mode"`
	ForceEmbedded bool              `json:"forceEmbedded"`
	Pool          pool.Stats        `json:"pool"`
	Interpreter   *pwsh.RuntimeInfo `json:"interpreter,omitempty"`
}

// HandleStatus processes GET /api/backends.
func (h *BackendsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := backendsResponse{
		Mode:          h.mode,
		ForceEmbedded: h.gateway.Forced(),
		Pool:          h.pool.Stats(),
	}
	if info, err := h.runtime.Runtime(r.Context()); err == nil {
		resp.Interpreter = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

type overrideRequest struct {
	ForceEmbedded bool `json:"forceEmbedded"`
}

// HandleOverride processes POST /api/backends/override.
func (h *BackendsHandler) HandleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "invalid request body"})
		return
	}
	h.gateway.ForceEmbedded(req.ForceEmbedded)
	writeJSON(w, http.StatusOK, map[string]bool{"forceEmbedded": h.gateway.Forced()})
}
