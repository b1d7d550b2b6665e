package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/viewledger/platform/pkg/common/logger"
)

type contextKey string

const ClaimsContextKey contextKey = "auth_claims"

// TokenHandler serves the OAuth2 client-credentials grant for sync agents.
type TokenHandler struct {
	manager *TokenManager
	clients *ClientRegistry
}

func NewTokenHandler(manager *TokenManager, clients *ClientRegistry) *TokenHandler {
	return &TokenHandler{manager: manager, clients: clients}
}

func (h *TokenHandler) Register(r *mux.Router) {
	r.HandleFunc("/oauth/token", h.handleToken).Methods(http.MethodPost)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

type oauthError struct {
	Error string `json:"error"`
}

func (h *TokenHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respond(w, http.StatusBadRequest, oauthError{Error: "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		respond(w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type"})
		return
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if err := h.clients.Authenticate(clientID, secret); err != nil {
		logger.Log.WithField("client_id", clientID).Warn("token request rejected")
		w.Header().Set("WWW-Authenticate", `Basic realm="viewledger"`)
		respond(w, http.StatusUnauthorized, oauthError{Error: "invalid_client"})
		return
	}

	scope := r.PostForm.Get("scope")
	token, err := h.manager.Issue(clientID, scope)
	if err != nil {
		logger.Log.WithError(err).Error("failed issuing token")
		respond(w, http.StatusInternalServerError, oauthError{Error: "server_error"})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respond(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.manager.TTL().Seconds()),
		Scope:       scope,
	})
}

// Authenticate requires a bearer token issued by manager.
func Authenticate(manager *TokenManager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
				w.Header().Set("WWW-Authenticate", "Bearer")
				respond(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
				return
			}

			claims, err := manager.Validate(strings.TrimSpace(header[7:]))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				respond(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return claims, ok
}

func respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
