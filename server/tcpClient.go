package server

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/mbocsi/devicelink/proto"
)

// tcpConn frames envelopes as newline-delimited JSON.
type tcpConn struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	writeTimeout time.Duration
}

func newTCPConn(conn net.Conn, maxMessageBytes int, writeTimeout time.Duration) *tcpConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageBytes)
	return &tcpConn{conn: conn, scanner: scanner, writeTimeout: writeTimeout}
}

func (c *tcpConn) ReadMessage() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

func (c *tcpConn) WriteMessage(data []byte) error {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	_, err := c.conn.Write(frame)
	return err
}

func (c *tcpConn) Close() error { return c.conn.Close() }

// Reject writes an error envelope before closing. Only called before the
// session exists, so there is no concurrent writer.
func (c *tcpConn) Reject(reason error) error {
	code := proto.CodeInternalError
	if errors.Is(reason, ErrMissingDeviceID) {
		code = proto.CodeInvalidMessage
	}
	if data, err := proto.Encode(proto.NewError(code, reason.Error(), "")); err == nil {
		c.WriteMessage(data)
	}
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *tcpConn) Protocol() string { return "tcp" }

// identifyByHeartbeat requires the first frame to be a heartbeat carrying the
// device id.
func identifyByHeartbeat(conn Conn) (string, error) {
	data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	msg, err := proto.Parse(data)
	if err != nil {
		return "", errors.Join(ErrMissingDeviceID, err)
	}
	hb, ok := msg.(*proto.Heartbeat)
	if !ok || hb.DeviceID == "" {
		return "", ErrMissingDeviceID
	}
	return hb.DeviceID, nil
}
