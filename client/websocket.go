package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/devicelink/proto"
)

type WebSocketTransport struct {
	conn *websocket.Conn
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Connect dials addr, a ws:// or wss:// URL, passing the device id as the
// device_id query parameter. A bare host:port gets ws:// and the /ws path.
func (t *WebSocketTransport) Connect(ctx context.Context, addr, deviceID string) error {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return fmt.Errorf("invalid WebSocket URL: %w", err)
		}
	}
	switch u.Scheme {
	case "", "tcp", "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("device_id", deviceID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	t.conn = conn
	return nil
}

func (t *WebSocketTransport) Send(msg proto.Message) error {
	if t.conn == nil {
		return ErrNotConnected
	}
	data, err := proto.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send WebSocket message: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) Read() (proto.Message, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("WebSocket connection error: %w", err)
			}
			return nil, fmt.Errorf("connection closed: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return proto.Parse(data)
	}
}

func (t *WebSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		slog.Debug("Failed to send close message", "error", err)
	}
	return t.conn.Close()
}
