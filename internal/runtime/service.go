package runtime

import (
	"context"

	"hapanel/internal/app"
	"hapanel/internal/auth"
	"hapanel/internal/config"
	"hapanel/internal/haapi"
	"hapanel/internal/logging"
)

type Service interface {
	RunContext(ctx context.Context) error
}

func NewService(opts config.Options, logger *logging.Logger) (Service, error) {
	return NewServiceWithHooks(opts, logger, StartHooks{})
}

// NewServiceWithHooks wires the token store, the OAuth manager and the REST
// client into a panel app.
func NewServiceWithHooks(opts config.Options, logger *logging.Logger, hooks StartHooks) (Service, error) {
	if logger == nil {
		panic("runtime.NewServiceWithHooks: logger must not be nil")
	}
	if err := config.ValidateRequired(opts); err != nil {
		return nil, err
	}

	if opts.ServerURL != "" {
		endpoints, err := config.BuildEndpoints(opts.ServerURL)
		if err != nil {
			return nil, err
		}
		logger.Debug("constructed Home Assistant endpoints",
			logging.Field("authorize_url", endpoints.AuthorizeURL),
			logging.Field("token_url", endpoints.TokenURL),
			logging.Field("api_url", endpoints.APIURL),
			logging.Field("realtime_url", endpoints.RealtimeURL),
		)
	}

	httpClient := config.NewHTTPClient()
	manager := auth.NewManager(auth.ManagerConfig{
		HTTPClient:       httpClient,
		ClientID:         opts.ClientID,
		RedirectURL:      opts.RedirectURL,
		DefaultServerURL: opts.ServerURL,
	}, auth.NewMemoryStore(), logger)
	api := haapi.New(httpClient, manager, logger)

	return app.New(opts, app.Deps{Auth: manager, API: api}, logger, app.Callbacks{
		OnStatusChange: hooks.OnStatus,
		OnStateChange:  hooks.OnStateChange,
		OnEvent:        hooks.OnEvent,
	}), nil
}
