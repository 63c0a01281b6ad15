package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// WSDialer dials the hub's WebSocket endpoint. The session token travels as
// a bearer header; the hub also accepts it as a query parameter.
type WSDialer struct {
	HandshakeTimeout time.Duration

	mu    sync.Mutex
	token string
}

// NewWSDialer creates a dialer authenticating with the given session token.
func NewWSDialer(token string) *WSDialer {
	return &WSDialer{token: token}
}

// SetToken replaces the bearer token used on subsequent dials, for viewer
// switches mid-session. An already established connection keeps the claims
// it was dialed with until it reconnects.
func (d *WSDialer) SetToken(token string) {
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	d.mu.Lock()
	token := d.token
	d.mu.Unlock()

	var headers http.Header
	if token != "" {
		headers = http.Header{"Authorization": {"Bearer " + token}}
	}

	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
