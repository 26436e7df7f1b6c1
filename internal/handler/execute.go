// Package handler translates HTTP requests into gateway, session, history
// and diagnostics calls. Handlers never touch backends directly.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/vsphere-runner/internal/executor"
)

// Runner is the execution surface handlers call. The gateway satisfies it.
type Runner interface {
	Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error)
}

// executeRequest is the wire shape of POST /api/execute.
type executeRequest struct {
	Script         string         `json:"script"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
}

func (r executeRequest) toExecution() executor.ExecutionRequest {
	return executor.ExecutionRequest{
		Script:     r.Script,
		Parameters: r.Parameters,
		Timeout:    time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

// ExecuteHandler handles one-shot script execution.
type ExecuteHandler struct {
	runner Runner
	logger *slog.Logger
}

// NewExecuteHandler creates an ExecuteHandler.
func NewExecuteHandler(runner Runner, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{runner: runner, logger: logger}
}

// HandleExecute processes POST /api/execute.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "invalid request body"})
		return
	}
	if req.Script == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "script cannot be empty"})
		return
	}

	result, err := h.runner.Execute(r.Context(), req.toExecution())
	if err != nil {
		h.logger.Error("script execution failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
