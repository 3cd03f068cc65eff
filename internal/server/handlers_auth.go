package server

import (
	"errors"
	"net/http"
	"strings"

	"hapanel/internal/auth"
	"hapanel/internal/haapi"
	"hapanel/internal/logging"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	target, err := s.auth.AuthorizationURL(r.URL.Query().Get("ha_url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Home Assistant URL format")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleCallback completes the code flow. The state parameter carries the
// server URL chosen at login.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if remoteErr := query.Get("error"); remoteErr != "" {
		writeError(w, http.StatusBadRequest, "Authorization failed: "+remoteErr)
		return
	}

	token, err := s.auth.ExchangeCode(r.Context(), query.Get("code"), query.Get("state"))
	if err != nil {
		s.logger.Warn("authorization callback failed",
			logging.Field("request_id", requestIDFrom(r.Context())),
			logging.Field("error", err),
		)
		writeError(w, authErrorStatus(err), err.Error())
		return
	}
	s.authenticated(token)
	writeMessage(w, "Authentication successful")
}

type manualTokenRequest struct {
	Token string `json:"token"`
	HAURL string `json:"ha_url"`
}

func (s *Server) handleManualToken(w http.ResponseWriter, r *http.Request) {
	input := manualTokenRequest{}
	if err := decodeBody(r, &input); err != nil || strings.TrimSpace(input.Token) == "" || strings.TrimSpace(input.HAURL) == "" {
		writeError(w, http.StatusBadRequest, "Missing token or ha_url parameter")
		return
	}
	token, err := s.auth.StoreManual(input.Token, input.HAURL)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidServerURL) {
			writeError(w, http.StatusBadRequest, "Invalid Home Assistant URL format")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to store token")
		return
	}
	s.authenticated(token)
	writeMessage(w, "Token stored successfully")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Logout(r.Context())
	if s.hooks.OnLogout != nil {
		s.hooks.OnLogout()
	}
	writeMessage(w, "Logged out successfully")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.RefreshStored(r.Context()); err != nil {
		s.logger.Warn("token refresh failed", logging.Field("error", err))
		writeError(w, http.StatusBadRequest, "Failed to refresh token")
		return
	}
	writeMessage(w, "Token refreshed successfully")
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.auth.Info(s.now())
	data, err := jsonData(info)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeEnvelope(w, haapi.Envelope{Success: true, Data: data})
}

func (s *Server) authenticated(token auth.Token) {
	if s.hooks.OnAuthenticated != nil {
		s.hooks.OnAuthenticated(token)
	}
}

func authErrorStatus(err error) int {
	var remote *auth.RemoteError
	switch {
	case errors.Is(err, auth.ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &remote), auth.IsUnauthorized(err):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
