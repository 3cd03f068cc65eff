package haws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"hapanel/internal/auth"
	"hapanel/internal/config"
	"hapanel/internal/logging"
	"hapanel/internal/runstatus"
)

const (
	maxReconnectAttempts = 5
	reconnectDelay       = 500 * time.Millisecond
	writeTimeout         = 10 * time.Second
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Credentials yields the token used to authenticate. It is consulted before
// every dial and again right before the auth frame is written, so a refresh
// that completes in between is picked up.
type Credentials interface {
	ValidToken(ctx context.Context) (auth.Token, error)
}

type storeCredentials struct {
	store auth.Store
}

// StoreCredentials reads the token straight from store without refreshing.
func StoreCredentials(store auth.Store) Credentials {
	return storeCredentials{store: store}
}

func (s storeCredentials) ValidToken(context.Context) (auth.Token, error) {
	token, ok := s.store.Get()
	if !ok {
		return auth.Token{}, auth.ErrNotAuthenticated
	}
	return token, nil
}

type Hooks struct {
	// OnStatusChange receives runstatus strings.
	OnStatusChange func(status string)
	// OnFatal is called when the channel stops on its own: the token was
	// rejected, credentials are unavailable, or reconnects are exhausted.
	OnFatal func(err error)
}

// Channel is one persistent realtime connection with its subscriptions.
//
// Frames from one connection are handled on its read goroutine, one at a time,
// so subscription callbacks and ready callbacks never run concurrently with
// each other for that connection.
type Channel struct {
	dialer Dialer
	creds  Credentials
	logger *logging.Logger
	hooks  Hooks

	maxAttempts      int
	reconnectBackOff backoff.BackOff
	dialTimeout      time.Duration
	credsTimeout     time.Duration

	// sendMu pairs each id allocation with its write so ids reach the server
	// in increasing order.
	sendMu sync.Mutex

	mu             sync.Mutex
	state          ConnectionState
	conn           Conn
	cancelRead     context.CancelFunc
	generation     uint64
	attempts       int
	reconnectTimer *time.Timer
	nextID         int
	subs           *registry
	pending        []func()
	draining       bool
}

func NewChannel(dialer Dialer, creds Credentials, logger *logging.Logger, hooks Hooks) *Channel {
	if logger == nil {
		panic("haws.NewChannel: logger must not be nil")
	}
	if dialer == nil {
		dialer = WebSocketDialer{HTTPClient: config.NewHTTPClient()}
	}
	return &Channel{
		dialer:           dialer,
		creds:            creds,
		logger:           logger,
		hooks:            hooks,
		maxAttempts:      maxReconnectAttempts,
		reconnectBackOff: backoff.NewConstantBackOff(reconnectDelay),
		dialTimeout:      config.ConnectTimeout,
		credsTimeout:     config.RequestTimeout,
		subs:             newRegistry(),
	}
}

func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether the transport is open and authenticated.
func (c *Channel) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady && c.conn != nil
}

// Connect opens the transport and sends the auth frame. It does not wait for
// the server's answer; use WhenReady or WaitReady for that. A failed dial is
// returned and still goes through the reconnect policy. Connect resets the
// reconnect attempt counter.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
	case StateClosing:
		c.mu.Unlock()
		return ErrClosed
	default:
		c.mu.Unlock()
		return ErrNotDisconnected
	}
	c.attempts = 0
	c.stopReconnectLocked()
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Channel) connect(ctx context.Context) error {
	token, err := c.validToken(ctx)
	if err != nil {
		return &credentialsError{err: err}
	}
	url, err := config.WebSocketURL(token.ServerURL)
	if err != nil {
		return &credentialsError{err: fmt.Errorf("realtime url: %w", err)}
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		if state == StateClosing {
			return ErrClosed
		}
		return ErrNotDisconnected
	}
	c.state = StateConnecting
	c.generation++
	gen := c.generation
	c.mu.Unlock()
	c.notify(runstatus.Connecting)

	c.logger.Debug("dialing realtime endpoint", logging.Field("url", url))
	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dialer.Dial(dialCtx, url)
	cancelDial()
	if err != nil {
		c.logger.Warn("realtime dial failed", logging.Field("url", url), logging.Field("error", err))
		c.transportLost(gen, nil, err)
		return fmt.Errorf("dial realtime endpoint: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelRead = cancel
	c.state = StateAuthenticating
	c.mu.Unlock()
	c.notify(runstatus.Authenticating)

	if err := c.sendAuth(ctx, conn); err != nil {
		var credErr *credentialsError
		if errors.As(err, &credErr) {
			c.stop(gen, conn)
			return err
		}
		c.transportLost(gen, conn, err)
		return err
	}

	go c.readLoop(readCtx, gen, conn)
	return nil
}

// validToken bounds the credentials lookup on its own, so a transparent
// refresh gets the full request timeout regardless of the dial timeout.
func (c *Channel) validToken(ctx context.Context) (auth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.credsTimeout)
	defer cancel()
	return c.creds.ValidToken(ctx)
}

func (c *Channel) sendAuth(ctx context.Context, conn Conn) error {
	token, err := c.validToken(ctx)
	if err != nil {
		return &credentialsError{err: err}
	}
	data, err := json.Marshal(authFrame{Type: frameAuth, AccessToken: token.AccessToken})
	if err != nil {
		return err
	}
	c.logger.Debug("realtime frame sent", logging.Field("type", frameAuth))
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, data); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}
	return nil
}

func (c *Channel) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.transportLost(gen, conn, err)
			}
			return
		}
		c.handleFrame(gen, conn, data)
	}
}

func (c *Channel) handleFrame(gen uint64, conn Conn, data []byte) {
	frame := inboundFrame{}
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("invalid realtime frame",
			logging.Field("error", err),
			logging.Field("frame", logging.Truncate(string(data))),
		)
		return
	}

	switch frame.Type {
	case frameAuthRequired:
		c.logger.Debug("realtime auth requested", logging.Field("ha_version", frame.HAVersion))
	case frameAuthOK:
		c.authenticated(gen, frame.HAVersion)
	case frameAuthInvalid:
		c.authRejected(gen, conn, frame.Message)
	case frameEvent:
		c.dispatch(frame)
	case frameResult:
		c.handleResult(frame)
	default:
		c.logger.Debug("unhandled realtime frame", logging.Field("type", frame.Type), logging.Field("id", frame.ID))
	}
}

func (c *Channel) authenticated(gen uint64, version string) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	c.state = StateReady
	c.attempts = 0
	c.reconnectBackOff.Reset()
	c.draining = true
	c.mu.Unlock()

	c.logger.Info("realtime channel ready", logging.Field("ha_version", version))
	c.drainReady()
	c.notify(runstatus.Connected)
}

// drainReady runs queued ready callbacks in registration order. Callbacks
// registered while draining are appended and run in the same pass.
func (c *Channel) drainReady() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 || c.state != StateReady {
			c.draining = false
			c.mu.Unlock()
			return
		}
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		next()
	}
}

func (c *Channel) authRejected(gen uint64, conn Conn, message string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.mu.Unlock()
	_ = conn.Close()

	err := &AuthInvalidError{Message: message}
	c.logger.Error("realtime authentication rejected", logging.Field("message", message))
	c.notify(runstatus.AuthFailed)
	c.fatal(err)
}

// stop tears down the connection without scheduling a reconnect.
func (c *Channel) stop(gen uint64, conn Conn) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.notify(runstatus.Disconnected)
}

// detachLocked moves to Disconnected and invalidates the current generation so
// its read goroutine and timers become no-ops.
func (c *Channel) detachLocked() {
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.conn = nil
	c.state = StateDisconnected
	c.generation++
	c.draining = false
	if dropped := c.subs.dropSent(); len(dropped) > 0 {
		c.logger.Debug("subscriptions dropped with connection", logging.Field("ids", dropped))
	}
}

func (c *Channel) transportLost(gen uint64, conn Conn, cause error) {
	c.mu.Lock()
	if gen != c.generation || c.state == StateClosing || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	retry := c.attempts < c.maxAttempts
	attempt := c.attempts
	if retry {
		c.attempts++
		attempt = c.attempts
	}
	next := c.generation
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.logger.Warn("realtime connection lost", logging.Field("error", cause), logging.Field("attempt", attempt))
	c.notify(runstatus.Disconnected)
	if !retry {
		c.logger.Error("realtime reconnect attempts exhausted", logging.Field("attempts", attempt))
		c.notify(runstatus.ReconnectsFailed)
		c.fatal(ErrMaxReconnectAttempts)
		return
	}

	c.notify(runstatus.Reconnecting)
	c.mu.Lock()
	if c.state == StateDisconnected && c.generation == next {
		delay := c.reconnectBackOff.NextBackOff()
		c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(next) })
	}
	c.mu.Unlock()
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if c.state != StateDisconnected || c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	err := c.connect(context.Background())
	var credErr *credentialsError
	if errors.As(err, &credErr) {
		c.logger.Error("realtime reconnect has no usable credentials", logging.Field("error", err))
		c.notify(runstatus.AuthFailed)
		c.fatal(err)
	}
}

func (c *Channel) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// WhenReady runs fn once the channel is Ready. If it already is, fn runs
// synchronously on the caller's goroutine. Callbacks registered on a closed
// channel are dropped.
func (c *Channel) WhenReady(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	switch {
	case c.state == StateClosing:
		c.mu.Unlock()
		return
	case c.state == StateReady && !c.draining:
		c.mu.Unlock()
		fn()
		return
	}
	c.pending = append(c.pending, fn)
	c.mu.Unlock()
}

// WaitReady blocks until the channel is Ready or ctx ends.
func (c *Channel) WaitReady(ctx context.Context) error {
	ready := make(chan struct{})
	var once sync.Once
	c.WhenReady(func() { once.Do(func() { close(ready) }) })
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down for good. No reconnect is scheduled
// afterwards and every subscription is forgotten.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.stopReconnectLocked()
	c.conn = nil
	c.state = StateClosing
	c.generation++
	c.pending = nil
	c.subs.clear()
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("realtime close", logging.Field("error", err))
		}
	}
	c.notify(runstatus.Closed)
	return nil
}

func (c *Channel) allocIDLocked() int {
	c.nextID++
	return c.nextID
}

func (c *Channel) writeTo(ctx context.Context, conn Conn, frame any, frameType string) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("encode realtime frame failed", logging.Field("type", frameType), logging.Field("error", err))
		return false
	}
	if err := conn.Write(ctx, data); err != nil {
		c.logger.Warn("realtime write failed", logging.Field("type", frameType), logging.Field("error", err))
		return false
	}
	c.logger.Debug("realtime frame sent", logging.Field("type", frameType), logging.Field("frame", json.RawMessage(data)))
	return true
}

func (c *Channel) writeWithTimeout(conn Conn, frame any, frameType string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.writeTo(ctx, conn, frame, frameType)
}

func (c *Channel) notify(status string) {
	c.logger.Debug("realtime status", logging.Field("status", status))
	if c.hooks.OnStatusChange != nil {
		c.hooks.OnStatusChange(status)
	}
}

func (c *Channel) fatal(err error) {
	if c.hooks.OnFatal != nil {
		c.hooks.OnFatal(err)
	}
}
