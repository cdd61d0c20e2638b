package chat

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is offered on every handshake.
const Subprotocol = "chat"

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a chat socket.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// HandshakeError is returned when the server refuses the upgrade.
type HandshakeError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("handshake failed: %s: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		herr := &HandshakeError{Err: err}
		if resp != nil {
			herr.StatusCode = resp.StatusCode
			herr.Status = resp.Status
			resp.Body.Close()
		}
		return nil, herr
	}
	return conn, nil
}
