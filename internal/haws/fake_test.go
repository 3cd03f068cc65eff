package haws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"hapanel/internal/auth"
	"hapanel/internal/logging"
)

var errConnClosed = errors.New("fake connection closed")

// fakeConn is an in-memory transport. The test plays the server side through
// push and drop.
type fakeConn struct {
	url     string
	inbound chan []byte
	writes  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:     url,
		inbound: make(chan []byte, 64),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.writes <- append([]byte(nil), data...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.inbound <- data
}

// drop simulates the server going away.
func (c *fakeConn) drop() {
	_ = c.Close()
}

func (c *fakeConn) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.writes:
		frame := map[string]any{}
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client frame")
		return nil
	}
}

func (c *fakeConn) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.writes:
		t.Fatalf("unexpected client frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeDialer struct {
	conns chan *fakeConn
	dials atomic.Int32
	// fail decides whether dial number n (starting at 1) fails.
	fail func(n int32) error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	n := d.dials.Add(1)
	if d.fail != nil {
		if err := d.fail(n); err != nil {
			return nil, err
		}
	}
	conn := newFakeConn(url)
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial")
		return nil
	}
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
	fatals   []error
}

func (r *statusRecorder) hooks() Hooks {
	return Hooks{
		OnStatusChange: func(status string) {
			r.mu.Lock()
			r.statuses = append(r.statuses, status)
			r.mu.Unlock()
		},
		OnFatal: func(err error) {
			r.mu.Lock()
			r.fatals = append(r.fatals, err)
			r.mu.Unlock()
		},
	}
}

func (r *statusRecorder) seen(status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (r *statusRecorder) fatal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fatals) == 0 {
		return nil
	}
	return r.fatals[len(r.fatals)-1]
}

type testChannel struct {
	*Channel
	dialer *fakeDialer
	store  *auth.MemoryStore
	status *statusRecorder
}

func newTestChannel(t *testing.T) *testChannel {
	t.Helper()
	logger := logging.New(false)
	logger.SetOutput(io.Discard)

	store := auth.NewMemoryStore()
	store.Set(auth.Token{AccessToken: "token-1", ExpiresAt: time.Now().Add(time.Hour), ServerURL: "http://ha.local:8123"})

	dialer := newFakeDialer()
	status := &statusRecorder{}
	ch := NewChannel(dialer, StoreCredentials(store), logger, status.hooks())
	ch.reconnectBackOff = backoff.NewConstantBackOff(time.Millisecond)
	t.Cleanup(func() { _ = ch.Close() })
	return &testChannel{Channel: ch, dialer: dialer, store: store, status: status}
}

// connectReady performs the full handshake and returns the server side.
func (tc *testChannel) connectReady(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, tc.Connect(context.Background()))
	return tc.handshake(t)
}

func (tc *testChannel) handshake(t *testing.T) *fakeConn {
	t.Helper()
	conn := tc.dialer.next(t)
	frame := conn.nextFrame(t)
	require.Equal(t, "auth", frame["type"])
	conn.push(t, map[string]any{"type": "auth_ok", "ha_version": "2026.3.0"})
	require.Eventually(t, tc.IsReady, 2*time.Second, time.Millisecond)
	return conn
}

type slowBackOff struct{}

func newSlowBackOff() backoff.BackOff { return slowBackOff{} }

func (slowBackOff) NextBackOff() time.Duration { return 200 * time.Millisecond }

func (slowBackOff) Reset() {}
