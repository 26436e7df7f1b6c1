package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/vsphere-runner/internal/diag"
)

// Diagnostics is the diag engine surface handlers call.
type Diagnostics interface {
	Check(ctx context.Context) *diag.Report
	Repair(ctx context.Context, rep *diag.Report) []diag.RepairAction
}

// DiagHandler exposes environment diagnostics and repair.
type DiagHandler struct {
	engine Diagnostics
	logger *slog.Logger
}

// NewDiagHandler creates a DiagHandler.
func NewDiagHandler(engine Diagnostics, logger *slog.Logger) *DiagHandler {
	return &DiagHandler{engine: engine, logger: logger}
}

// HandleCheck processes POST /api/diagnostics.
func (h *DiagHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	rep := h.engine.Check(r.Context())
	h.logger.Info("diagnostics completed",
		slog.String("status", rep.Status),
		slog.Int("issues", len(rep.Issues)))
	writeJSON(w, http.StatusOK, rep)
}

type repairResponse struct {
	Report  *diag.Report        `json:"report"`
	Actions []diag.RepairAction `json:"actions"`
}

// HandleRepair processes POST /api/repair: one diagnostic pass to find the
// auto-fixable issues, then the fixes. Callers re-run diagnostics when they
// want proof the environment is clean.
func (h *DiagHandler) HandleRepair(w http.ResponseWriter, r *http.Request) {
	rep := h.engine.Check(r.Context())
	actions := h.engine.Repair(r.Context(), rep)
	for _, a := range actions {
		h.logger.Info("repair applied",
			slog.String("category", a.Category),
			slog.Bool("success", a.Success))
	}
	writeJSON(w, http.StatusOK, repairResponse{Report: rep, Actions: actions})
}
