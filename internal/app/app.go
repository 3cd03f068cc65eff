package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hapanel/internal/auth"
	"hapanel/internal/config"
	"hapanel/internal/haapi"
	"hapanel/internal/haws"
	"hapanel/internal/health"
	"hapanel/internal/logging"
	"hapanel/internal/runctx"
	"hapanel/internal/runstatus"
	"hapanel/internal/server"
)

const (
	failureBufferSize = 4
	tokenBufferSize   = 4
)

// PanelApp keeps one realtime session alive for the stored token and re-arms
// the watched subscriptions every time the session becomes ready.
type PanelApp struct {
	opts    config.Options
	auth    *auth.Manager
	api     *haapi.Client
	dialer  haws.Dialer
	logger  *logging.Logger
	hooks   Callbacks
	status  runtimeStatusState
	watched watchedStates

	mu       sync.Mutex
	channel  *haws.Channel
	failures chan error
	logins   chan struct{}
	logouts  chan struct{}
}

type Callbacks struct {
	OnStatusChange func(string)
	OnStateChange  func(haws.StateChange)
	OnEvent        func(json.RawMessage)
}

type Deps struct {
	Auth *auth.Manager
	API  *haapi.Client
	// Dialer opens the realtime transport. Nil selects the WebSocket dialer.
	Dialer haws.Dialer
}

func New(opts config.Options, deps Deps, logger *logging.Logger, hooks Callbacks) *PanelApp {
	if deps.Auth == nil {
		panic("app.New: auth manager must not be nil")
	}
	if deps.API == nil {
		panic("app.New: api client must not be nil")
	}
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	return &PanelApp{
		opts:     opts,
		auth:     deps.Auth,
		api:      deps.API,
		dialer:   deps.Dialer,
		logger:   logger,
		hooks:    hooks,
		watched:  watchedStates{states: map[string]haws.EntityState{}},
		failures: make(chan error, failureBufferSize),
		logins:   make(chan struct{}, 1),
		logouts:  make(chan struct{}, 1),
	}
}

func (a *PanelApp) Run() error {
	return a.RunContext(context.Background())
}

// RunContext serves until ctx ends or the realtime session fails in a way no
// new credentials can fix.
func (a *PanelApp) RunContext(ctx context.Context) error {
	a.logger.Info("panel app starting",
		logging.Field("server_url", a.opts.ServerURL),
		logging.Field("entities", strings.Join(a.opts.Entities, ",")),
		logging.Field("event_type", a.opts.EventType),
		logging.Field("listen", a.opts.Listen),
	)

	if token := strings.TrimSpace(a.opts.Token); token != "" {
		if _, err := a.auth.StoreManual(token, a.opts.ServerURL); err != nil {
			return fmt.Errorf("store configured token: %w", err)
		}
	}

	tokens, err := a.watchTokenFile(ctx)
	if err != nil {
		return err
	}

	var serverErrs <-chan error
	if strings.TrimSpace(a.opts.Listen) != "" {
		serverErrs = a.startServer(ctx)
	}

	if _, ok := a.auth.Store().Get(); ok {
		if err := a.startSession(ctx); err != nil {
			if !a.canRecover(err) {
				return a.wrapFailure(err)
			}
			a.logger.Warn("realtime session not started, waiting for new credentials", logging.Field("error", err))
		}
	} else if serverErrs == nil && tokens == nil {
		return ErrNoCredentials
	} else {
		a.logger.Info("no stored token, waiting for login")
	}
	if len(a.opts.Entities) > 0 {
		go a.runHealthLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			a.stopSession()
			a.logger.Info("panel app stopped")
			return nil
		case token, ok := <-tokens:
			if !ok {
				tokens = nil
				continue
			}
			a.applyToken(ctx, token)
		case <-a.logins:
			if err := a.startSession(ctx); err != nil {
				a.logger.Warn("realtime session not started after login", logging.Field("error", err))
			}
		case <-a.logouts:
			a.stopSession()
		case err := <-serverErrs:
			a.stopSession()
			return fmt.Errorf("proxy server: %w", err)
		case err := <-a.failures:
			if a.canRecover(err) {
				a.logger.Warn("realtime session ended, waiting for new credentials", logging.Field("error", err))
				continue
			}
			a.stopSession()
			a.logger.Warn("panel app stopped with error", logging.Field("error", err))
			return a.wrapFailure(err)
		}
	}
}

// LastState returns the most recent known state of a watched entity.
func (a *PanelApp) LastState(entityID string) (haws.EntityState, bool) {
	return a.watched.get(entityID)
}

// Channel returns the current realtime session, or nil between sessions.
func (a *PanelApp) Channel() *haws.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel
}

func (a *PanelApp) watchTokenFile(ctx context.Context) (<-chan string, error) {
	path := strings.TrimSpace(a.opts.TokenFile)
	if path == "" {
		return nil, nil
	}
	updates, err := config.WatchTokenFile(ctx, path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("watch token file: %w", err)
	}
	// The first value is the file's current content.
	first, ok := runctx.RecvOrDone(ctx, "token file", a.logger, updates)
	if !ok {
		return nil, ctx.Err()
	}
	if _, err := a.auth.StoreManual(first, a.opts.ServerURL); err != nil {
		return nil, fmt.Errorf("store token from file: %w", err)
	}
	tokens := make(chan string, tokenBufferSize)
	go runctx.Forward(ctx, "token file updates", a.logger, updates, tokens)
	return tokens, nil
}

// applyToken stores a rotated token. A ready session keeps running and picks
// it up on its next reconnect; anything else is restarted right away.
func (a *PanelApp) applyToken(ctx context.Context, token string) {
	if _, err := a.auth.StoreManual(token, a.opts.ServerURL); err != nil {
		a.logger.Warn("rotated token rejected", logging.Field("error", err))
		return
	}
	a.logger.Info("token rotated")
	if ch := a.Channel(); ch != nil && ch.IsReady() {
		return
	}
	if err := a.startSession(ctx); err != nil {
		a.logger.Warn("realtime session not started after token rotation", logging.Field("error", err))
	}
}

func (a *PanelApp) startServer(ctx context.Context) <-chan error {
	srv := server.New(a.auth, a.api, a.logger, server.Hooks{
		OnAuthenticated: func(auth.Token) { signal(a.logins) },
		OnLogout:        func() { signal(a.logouts) },
	})
	errs := make(chan error, 1)
	go func() {
		defer srv.Close()
		if err := srv.Run(ctx, a.opts.Listen); err != nil {
			errs <- err
		}
	}()
	return errs
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// startSession replaces the current realtime session with a fresh one.
func (a *PanelApp) startSession(ctx context.Context) error {
	a.loadInitialStates(ctx)

	var ch *haws.Channel
	ch = haws.NewChannel(a.dialer, a.auth, a.logger, haws.Hooks{
		OnStatusChange: func(status string) { a.channelStatus(ch, status) },
		OnFatal:        func(err error) { a.channelFailed(ctx, ch, err) },
	})
	a.mu.Lock()
	previous := a.channel
	a.channel = ch
	a.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	err := ch.Connect(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, haws.ErrCredentials):
		a.detach(ch)
		a.setRuntimeStatus(runstatus.AuthFailed)
		return err
	default:
		// Dial failures are retried by the channel itself.
		a.logger.Warn("initial realtime connect failed", logging.Field("error", err))
		return nil
	}
}

func (a *PanelApp) stopSession() {
	a.mu.Lock()
	ch := a.channel
	a.channel = nil
	a.mu.Unlock()
	if ch == nil {
		return
	}
	_ = ch.Close()
	a.setRuntimeStatus(runstatus.Closed)
}

// detach forgets ch if it is still the current session.
func (a *PanelApp) detach(ch *haws.Channel) {
	a.mu.Lock()
	if a.channel == ch {
		a.channel = nil
	}
	a.mu.Unlock()
	_ = ch.Close()
}

func (a *PanelApp) isCurrent(ch *haws.Channel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ch != nil && a.channel == ch
}

func (a *PanelApp) channelStatus(ch *haws.Channel, status string) {
	if !a.isCurrent(ch) {
		return
	}
	a.setRuntimeStatus(status)
	if status == runstatus.Connected {
		a.subscribeWatched(ch)
	}
}

func (a *PanelApp) channelFailed(ctx context.Context, ch *haws.Channel, err error) {
	if !a.isCurrent(ch) {
		return
	}
	runctx.SendOrDone(ctx, "realtime failure", a.logger, a.failures, err)
}

// subscribeWatched runs on every ready transition. The channel drops sent
// subscriptions with the connection, so nothing is duplicated.
func (a *PanelApp) subscribeWatched(ch *haws.Channel) {
	if len(a.opts.Entities) > 0 {
		ids := ch.SubscribeToEntities(a.opts.Entities, a.handleStateChange)
		a.logger.Info("watching entities",
			logging.Field("entities", strings.Join(a.opts.Entities, ",")),
			logging.Field("subscriptions", ids),
		)
	}
	eventType := strings.TrimSpace(a.opts.EventType)
	if eventType == "" {
		return
	}
	if eventType == "*" {
		eventType = ""
	}
	id := ch.SubscribeToEventType(eventType, a.handleEvent)
	a.logger.Info("streaming events", logging.Field("event_type", a.opts.EventType), logging.Field("subscription", id))
}

func (a *PanelApp) handleStateChange(change haws.StateChange) {
	from, to := "", ""
	if change.OldState != nil {
		from = change.OldState.State
	}
	if change.NewState != nil {
		to = change.NewState.State
		a.watched.set(*change.NewState)
	}
	a.logger.Info("entity state changed",
		logging.Field("entity_id", change.EntityID),
		logging.Field("from", from),
		logging.Field("to", to),
	)
	if a.hooks.OnStateChange != nil {
		a.hooks.OnStateChange(change)
	}
}

func (a *PanelApp) handleEvent(event json.RawMessage) {
	a.logger.Debug("event received", logging.Field("event", event))
	if a.hooks.OnEvent != nil {
		a.hooks.OnEvent(event)
	}
}

// loadInitialStates seeds the watched states over REST so they are known
// before the first change arrives.
func (a *PanelApp) loadInitialStates(ctx context.Context) {
	for _, entityID := range a.opts.Entities {
		env := a.api.State(ctx, entityID)
		if !env.Success {
			a.logger.Warn("initial state unavailable",
				logging.Field("entity_id", entityID),
				logging.Field("error", env.Error),
			)
			continue
		}
		state := haws.EntityState{}
		if err := json.Unmarshal(env.Data, &state); err != nil {
			a.logger.Warn("initial state invalid", logging.Field("entity_id", entityID), logging.Field("error", err))
			continue
		}
		a.watched.set(state)
		a.logger.Info("initial state", logging.Field("entity_id", state.EntityID), logging.Field("state", state.State))
	}
}

func (a *PanelApp) runHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(health.RefreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.reportHealth(now)
		}
	}
}

func (a *PanelApp) reportHealth(now time.Time) {
	for _, row := range health.Compute(a.opts.Entities, a.watched.get, now) {
		if row.Kind == health.Active {
			a.logger.Debug("entity healthy", logging.Field("entity_id", row.EntityID), logging.Field("reason", row.Reason))
			continue
		}
		a.logger.Warn("entity not updating",
			logging.Field("entity_id", row.EntityID),
			logging.Field("health", row.Kind.String()),
			logging.Field("reason", row.Reason),
		)
	}
}

// canRecover reports whether a later token can revive a failed session.
func (a *PanelApp) canRecover(err error) bool {
	if strings.TrimSpace(a.opts.Listen) != "" {
		return true
	}
	return strings.TrimSpace(a.opts.TokenFile) != "" && isAuthFailure(err)
}

func isAuthFailure(err error) bool {
	return errors.Is(err, haws.ErrAuthInvalid) || errors.Is(err, haws.ErrCredentials)
}

func (a *PanelApp) wrapFailure(err error) error {
	switch {
	case isAuthFailure(err):
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	case errors.Is(err, haws.ErrMaxReconnectAttempts):
		return fmt.Errorf("%w: %w", ErrRealtimeReconnectExhausted, err)
	default:
		return err
	}
}

type runtimeStatusState struct {
	mu      sync.Mutex
	current string
}

func (s *runtimeStatusState) update(status string) (string, string, bool) {
	trimmed := strings.TrimSpace(status)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == trimmed {
		return s.current, trimmed, false
	}
	previous := s.current
	s.current = trimmed
	return previous, trimmed, true
}

type watchedStates struct {
	mu     sync.RWMutex
	states map[string]haws.EntityState
}

func (w *watchedStates) set(state haws.EntityState) {
	if state.EntityID == "" {
		return
	}
	w.mu.Lock()
	w.states[state.EntityID] = state
	w.mu.Unlock()
}

func (w *watchedStates) get(entityID string) (haws.EntityState, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	state, ok := w.states[entityID]
	return state, ok
}

func (a *PanelApp) notifyStatus(status string) {
	if a.hooks.OnStatusChange == nil {
		return
	}
	a.hooks.OnStatusChange(status)
}

func (a *PanelApp) setRuntimeStatus(status string) {
	previous, next, changed := a.status.update(status)
	if !changed {
		return
	}
	a.logger.Debug("runtime status transition",
		logging.Field("from", previous),
		logging.Field("to", next),
	)
	a.notifyStatus(status)
}
