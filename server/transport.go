package server

import (
	"context"
	"errors"
)

var (
	ErrMissingDeviceID = errors.New("missing device id")
	ErrTooManyDevices  = errors.New("device limit reached")
)

// Transport accepts device connections and hands each one to the server.
type Transport interface {
	Start() error
	Shutdown() error
	OnConnect(fn ConnectFunc)
	Meta() TransportMetadata
}

// ConnectFunc runs a connection until it closes. identify resolves the
// device id using whatever the transport knows about the connection.
type ConnectFunc func(ctx context.Context, conn Conn, identify IdentifyFunc)

type IdentifyFunc func(conn Conn) (deviceID string, err error)

// Rejecter is implemented by connections that can tell the peer why it is
// being turned away before closing.
type Rejecter interface {
	Reject(reason error) error
}

type TransportMetadata struct {
	Name        string // Human-friendly name, e.g. "Device WebSocket"
	Protocol    string // "websocket" or "tcp"
	Address     string // Bind address, e.g. "0.0.0.0:8765"
	Description string
	Connected   bool // Whether the transport is currently bound
}
