package haws

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

const defaultReadLimit = 4 << 20

// Conn is one open message-oriented transport. Write must be safe for
// concurrent use with Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer opens text-frame WebSocket connections.
type WebSocketDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial performs the upgrade. A client timeout bounds the handshake only; the
// upgraded connection must outlive it.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	client := d.HTTPClient
	if client != nil && client.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.Timeout)
		defer cancel()
		unbounded := *client
		unbounded.Timeout = 0
		client = &unbounded
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
