package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"hapanel/internal/auth"
	"hapanel/internal/haapi"
	"hapanel/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Authenticator is the token lifecycle surface the proxy needs.
type Authenticator interface {
	AuthorizationURL(serverURL string) (string, error)
	ExchangeCode(ctx context.Context, code string, serverURL string) (auth.Token, error)
	StoreManual(accessToken string, serverURL string) (auth.Token, error)
	RefreshStored(ctx context.Context) (auth.Token, error)
	ValidToken(ctx context.Context) (auth.Token, error)
	Logout(ctx context.Context)
	Info(now time.Time) auth.Info
}

type Hooks struct {
	// OnAuthenticated runs after a new token was stored by login or manual
	// entry.
	OnAuthenticated func(token auth.Token)
	OnLogout        func()
}

// Server is the thin HTTP proxy in front of Home Assistant.
type Server struct {
	auth   Authenticator
	api    *haapi.Client
	logger *logging.Logger
	hooks  Hooks
	logs   *logTail
	router *mux.Router
	now    func() time.Time
}

func New(authenticator Authenticator, api *haapi.Client, logger *logging.Logger, hooks Hooks) *Server {
	if logger == nil {
		panic("server.New: logger must not be nil")
	}
	s := &Server{
		auth:   authenticator,
		api:    api,
		logger: logger,
		hooks:  hooks,
		logs:   newLogTail(logTailSize),
		now:    time.Now,
	}
	s.logs.attach(logger)
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("proxy listening", logging.Field("addr", addr))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("proxy shutdown failed", logging.Field("error", err))
		return err
	}
	s.logger.Info("proxy stopped")
	return nil
}

// Close detaches the log tail from the logger.
func (s *Server) Close() {
	s.logs.detach()
}
