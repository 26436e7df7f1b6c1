package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/vsphere-runner/internal/auth"
)

// TokenHandler exchanges the static API key for a bearer token.
type TokenHandler struct {
	tokens *auth.TokenService
	keys   *auth.KeyVerifier
	logger *slog.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(tokens *auth.TokenService, keys *auth.KeyVerifier, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, keys: keys, logger: logger}
}

type tokenRequest struct {
	APIKey string `json:"apiKey"`
	Client string `json:"client,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandleToken processes POST /auth/token.
func (h *TokenHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "invalid request body"})
		return
	}

	if err := h.keys.Verify(req.APIKey); err != nil {
		h.logger.Warn("API key rejected", slog.String("client", req.Client))
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "invalid API key"})
		return
	}

	subject := req.Client
	if subject == "" {
		subject = "api-client"
	}
	token, expires, err := h.tokens.Generate(subject)
	if err != nil {
		h.logger.Error("token generation failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expires})
}
