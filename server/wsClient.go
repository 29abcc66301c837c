package server

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent to rejected devices.
const (
	CloseMissingDeviceID = 4001
	CloseTooManyDevices  = 4008
)

// wsConn adapts a gorilla connection to Conn. Text and binary frames both
// carry one envelope.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	addr         string
}

func newWSConn(conn *websocket.Conn, addr string, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, addr: addr, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.sendClose(websocket.CloseNormalClosure, "")
	return c.conn.Close()
}

func (c *wsConn) Reject(reason error) error {
	code := websocket.CloseInternalServerErr
	switch {
	case errors.Is(reason, ErrMissingDeviceID):
		code = CloseMissingDeviceID
	case errors.Is(reason, ErrTooManyDevices):
		code = CloseTooManyDevices
	}
	c.sendClose(code, reason.Error())
	return c.conn.Close()
}

func (c *wsConn) sendClose(code int, text string) {
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func (c *wsConn) RemoteAddr() string { return c.addr }

func (c *wsConn) Protocol() string { return "websocket" }
