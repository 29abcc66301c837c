package client

import (
	"context"

	"github.com/mbocsi/devicelink/proto"
)

// Transport is a device-side connection. The client calls Send from a single
// goroutine and Read from another.
type Transport interface {
	Connect(ctx context.Context, addr, deviceID string) error
	Send(msg proto.Message) error
	Read() (proto.Message, error)
	Close() error
}
