package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/devicelink/proto"
)

// Conn is a framed, bidirectional device connection. The session sender is its
// only writer, so implementations do not need to serialise WriteMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

// Session is the live record for one connected device. It owns the device's
// outbound queue and the goroutine draining it onto the connection.
type Session struct {
	DeviceID    string
	ConnectedAt time.Time
	Protocol    string

	conn          Conn
	outbox        *Outbox
	registry      *SessionRegistry
	lastHeartbeat atomic.Int64
	active        atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(deviceID string, conn Conn, r *SessionRegistry) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := r.now()
	s := &Session{
		DeviceID:    deviceID,
		ConnectedAt: now,
		Protocol:    "unknown",
		conn:        conn,
		outbox:      NewOutbox(r.opts.QueueSize),
		registry:    r,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if p, ok := conn.(interface{ Protocol() string }); ok {
		s.Protocol = p.Protocol()
	}
	s.lastHeartbeat.Store(now.UnixNano())
	s.active.Store(true)
	return s
}

// Active is false once the session has been unregistered, superseded or swept.
func (s *Session) Active() bool { return s.active.Load() }

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *Session) touch(t time.Time) {
	s.lastHeartbeat.Store(t.UnixNano())
}

func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

func (s *Session) Outbox() *Outbox { return s.outbox }

// Done is closed when the sender goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues msg for delivery on this session's connection. It returns false
// if the session is no longer active.
func (s *Session) Send(msg proto.Message) bool {
	return s.registry.enqueue(s, msg)
}

// deactivate flips the session to inactive and stops its sender. Only the
// first caller gets true.
func (s *Session) deactivate() bool {
	if !s.active.CompareAndSwap(true, false) {
		return false
	}
	s.cancel()
	s.outbox.Close()
	return true
}

// closeConn closes the connection once. Already-closed errors are ignored.
func (s *Session) closeConn(log *slog.Logger) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		if err != nil && isClosedErr(err) {
			err = nil
		}
		if err != nil {
			log.Debug("Best-effort close of device connection failed", "device_id", s.DeviceID, "error", err)
		}
	})
	return err
}

// run drains the outbox onto the connection, one write per message, in FIFO
// order. A failed write unregisters the session.
func (s *Session) run() {
	defer close(s.done)
	r := s.registry

	for {
		if s.ctx.Err() != nil {
			return
		}
		msg, err := s.outbox.Pop(s.ctx)
		if err != nil {
			return
		}

		data, err := proto.Encode(msg)
		if err != nil {
			r.log.Error("Failed to encode outbound message", "device_id", s.DeviceID, "type", msg.Type(), "error", err)
			continue
		}
		if err := s.conn.WriteMessage(data); err != nil {
			if s.Active() {
				r.log.Warn("Write to device failed, dropping session", "device_id", s.DeviceID, "type", msg.Type(), "error", err)
			}
			r.UnregisterSession(s)
			return
		}
		r.opts.Metrics.messageOut(msg.Type())
		r.log.Debug("Sent message", "device_id", s.DeviceID, "type", msg.Type(), "request_id", proto.RequestID(msg), "size", len(data))
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}
