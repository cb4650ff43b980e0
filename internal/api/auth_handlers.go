package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gridline/powermeter/internal/auth"
)

type authHandlerGroup struct {
	authService *auth.Service
}

func (h *authHandlerGroup) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/auth/login", h.Login)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      loginUser `json:"user"`
}

// Login implements POST /v1/auth/login (spec.md §6/§8 S6).
func (h *authHandlerGroup) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "username and password are required")
		return
	}

	result, err := h.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	claims, err := h.authService.Signer().Validate(result.Token)
	expiresAt := nowFunc().Add(auth.TokenTTL)
	if err == nil {
		expiresAt = time.Unix(claims.ExpiresAt, 0).UTC()
	}

	writeData(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		ExpiresAt: expiresAt,
		User:      loginUser{ID: result.UserID, Username: req.Username},
	})
}
