package handler

import (
	"net/http"
	"strconv"

	"github.com/sakif/vsphere-runner/internal/history"
)

// HistoryHandler lists past runs.
type HistoryHandler struct {
	recorder history.Recorder
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(recorder history.Recorder) *HistoryHandler {
	return &HistoryHandler{recorder: recorder}
}

// HandleList processes GET /api/history?limit=N.
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := h.recorder.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
