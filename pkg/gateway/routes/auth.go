package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/auth"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/middleware"
	"github.com/gorilla/mux"
)

type AuthHandler struct {
	issuer        *auth.TokenIssuer
	authenticator auth.Authenticator
}

// NewAuthHandler serves /auth/me, and /token when issuer is non-nil.
func NewAuthHandler(issuer *auth.TokenIssuer, authenticator auth.Authenticator) *AuthHandler {
	return &AuthHandler{issuer: issuer, authenticator: authenticator}
}

func (h *AuthHandler) Register(r *mux.Router) {
	if h.issuer != nil {
		r.HandleFunc("/token", h.handleToken).Methods(http.MethodPost)
	}
	r.Handle("/auth/me", middleware.Authenticate(h.authenticator)(http.HandlerFunc(h.handleMe))).Methods(http.MethodGet)
}

func (h *AuthHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondDetail(w, http.StatusBadRequest, "invalid form")
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	if username == "" || password == "" {
		respondDetail(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, err := h.issuer.Exchange(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			logger.Log.WithError(err).WithField("username", username).Warn("token exchange rejected")
			respondDetail(w, http.StatusUnauthorized, "Incorrect username or password")
			return
		}
		logger.Log.WithError(err).Error("token exchange failed")
		respondDetail(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, http.StatusOK, token)
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		respondDetail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	respondJSON(w, http.StatusOK, principal)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to write json response")
	}
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
