package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tullo/chatlink/internal/models"
)

// Maximum frame size accepted from the broker
const maxMessageSize = 1 << 20

// Socket is the subset of *websocket.Conn the connection needs.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a socket to the broker.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial performs the WebSocket upgrade. A 401 or 403 answer is an
// authentication failure, anything else is transient.
func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Wrapf(models.ErrAuth, "upgrade rejected: %s", resp.Status)
		}
		return nil, errors.Wrapf(models.ErrTransport, "dial %s: %v", url, err)
	}

	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}
