package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/mbocsi/devicelink/proto"
)

const maxFrameBytes = 1 << 20

// TCPTransport speaks newline-delimited JSON. The server learns the device id
// from the first heartbeat, which the client sends as soon as it connects.
type TCPTransport struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Connect(ctx context.Context, addr, deviceID string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	t.conn = conn
	t.scanner = bufio.NewScanner(conn)
	t.scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return nil
}

func (t *TCPTransport) Send(msg proto.Message) error {
	if t.conn == nil {
		return ErrNotConnected
	}
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = t.conn.Write(data)
	return err
}

// Read returns the next envelope. Malformed frames come back as a
// *proto.ParseError and leave the connection usable.
func (t *TCPTransport) Read() (proto.Message, error) {
	if t.scanner == nil {
		return nil, ErrNotConnected
	}
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return proto.Parse(line)
	}
	if err := t.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return nil, io.EOF
}

func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
