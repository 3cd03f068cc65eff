package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID)

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodGet)
	r.HandleFunc("/auth/callback", s.handleCallback).Methods(http.MethodGet)
	r.HandleFunc("/auth/token", s.handleManualToken).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/info", s.handleInfo).Methods(http.MethodGet)

	authed := func(h http.HandlerFunc) http.Handler { return s.requireAuth(h) }
	r.Handle("/auth/refresh", authed(s.handleRefresh)).Methods(http.MethodPost)
	r.Handle("/api/states", authed(s.handleStates)).Methods(http.MethodGet)
	r.Handle("/api/states/{entity_id}", authed(s.handleState)).Methods(http.MethodGet)
	r.Handle("/api/services", authed(s.handleServices)).Methods(http.MethodGet)
	r.Handle("/api/config", authed(s.handleConfig)).Methods(http.MethodGet)
	r.Handle("/api/events", authed(s.handleEvents)).Methods(http.MethodGet)
	r.Handle("/api/history", authed(s.handleHistory)).Methods(http.MethodGet)
	r.Handle("/api/logbook", authed(s.handleLogbook)).Methods(http.MethodGet)
	r.Handle("/api/error_log", authed(s.handleErrorLog)).Methods(http.MethodGet)
	r.Handle("/api/calendars", authed(s.handleCalendars)).Methods(http.MethodGet)
	r.Handle("/api/toggle", authed(s.handleToggle)).Methods(http.MethodPost)
	r.Handle("/api/device_action", authed(s.handleDeviceAction)).Methods(http.MethodPost)
	r.Handle("/api/logs", authed(s.handleLogs)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "No such action")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}
