package api

import (
	"net/http"
	"net/url"
	"strings"

	gateerrors "github.com/token-gate/internal/errors"
	"github.com/token-gate/internal/identity"
	"github.com/token-gate/internal/logging"
)

// WidgetSettings configures the Telegram Login widget on the client
type WidgetSettings struct {
	BotName      string `json:"botName"`
	ButtonSize   string `json:"buttonSize"`
	CornerRadius int    `json:"cornerRadius"`
	OnAuth       string `json:"onAuth,omitempty"`
	AuthURL      string `json:"authUrl,omitempty"`
}

// AuthResponse is returned by the Login widget callback
type AuthResponse struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}

// handleWidgetSettings handles GET /api/telegram/widget
func (s *Server) handleWidgetSettings(w http.ResponseWriter, r *http.Request) {
	settings := WidgetSettings{
		BotName:      s.telegram.BotName,
		ButtonSize:   s.telegram.ButtonSize,
		CornerRadius: s.telegram.CornerRadius,
		OnAuth:       s.telegram.OnAuth,
		AuthURL:      s.telegram.AuthURL,
	}

	// A session's widget redirects to the server callback instead of the configured page
	if sessionID := r.URL.Query().Get("session"); sessionID != "" && s.config.PublicURL != "" {
		settings.AuthURL = s.callbackURL(sessionID)
	}

	respondJSON(w, http.StatusOK, settings)
}

// callbackURL is the widget redirect target for a session. The redirect cannot
// carry a bearer token, so the session travels as a query parameter.
func (s *Server) callbackURL(sessionID string) string {
	query := url.Values{}
	query.Set("session", sessionID)
	return strings.TrimSuffix(s.config.PublicURL, "/") + "/api/telegram/auth?" + query.Encode()
}

// handleTelegramAuth handles GET /api/telegram/auth, the Login widget callback
func (s *Server) handleTelegramAuth(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	sessionID := query.Get("session")
	if sessionID == "" {
		respondServiceError(w, r, gateerrors.NewInvalidParameterError("session", "is required"))
		return
	}
	workflow, err := s.registry.Get(sessionID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	tgIdentity, err := s.verifier.VerifyWidget(query)
	if err != nil {
		respondServiceError(w, r, identityError(err))
		return
	}

	if err := s.bus.Publish(r.Context(), identity.Event{SessionID: workflow.ID(), Identity: *tgIdentity}); err != nil {
		respondServiceError(w, r, gateerrors.NewCacheError("publish identity", err))
		return
	}

	logging.FromContext(r.Context()).WithField("session", workflow.ID()).Debug("Telegram widget login accepted")
	respondJSON(w, http.StatusOK, AuthResponse{SessionID: workflow.ID(), Username: tgIdentity.Username})
}
