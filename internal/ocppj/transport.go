package ocppj

import (
	"context"
	"errors"
	"fmt"

	"nhooyr.io/websocket"
)

// WebSocket close codes used by the engine and the gateway.
const (
	StatusNormalClosure   = int(websocket.StatusNormalClosure)
	StatusGoingAway       = int(websocket.StatusGoingAway)
	StatusProtocolError   = int(websocket.StatusProtocolError)
	StatusAbnormalClosure = int(websocket.StatusAbnormalClosure)
	StatusPolicyViolation = int(websocket.StatusPolicyViolation)
	StatusInternalError   = int(websocket.StatusInternalError)
)

// Transport is a message-oriented duplex connection. Implementations must
// allow ReadMessage and WriteMessage to run concurrently with each other;
// the engine never issues two concurrent writes.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(code int, reason string) error
	Subprotocol() string
}

// CloseError reports that the transport closed with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport closed: status %d reason %q", e.Code, e.Reason)
}

// WebSocketTransport adapts an nhooyr websocket connection.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps conn. readLimit caps inbound message size;
// zero keeps the library default.
func NewWebSocketTransport(conn *websocket.Conn, readLimit int64) *WebSocketTransport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &WebSocketTransport{conn: conn}
}

// ReadMessage returns the next text message. Binary messages are not part
// of OCPP-J and are skipped.
func (t *WebSocketTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
			}
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (t *WebSocketTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *WebSocketTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

func (t *WebSocketTransport) Subprotocol() string {
	return t.conn.Subprotocol()
}
