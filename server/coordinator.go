package server

import (
	"context"
	"fmt"

	"github.com/mbocsi/devicelink/internal/logctx"
	"github.com/mbocsi/devicelink/proto"
	"github.com/tidwall/gjson"
)

// ConnState is the lifecycle stage of one device connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateIdentified
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateIdentified:
		return "IDENTIFIED"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// ConnEvent reports a lifecycle transition. DeviceID is empty until the
// connection has been identified; Err is set when it was rejected.
type ConnEvent struct {
	RemoteAddr string
	DeviceID   string
	State      ConnState
	Err        error
}

type sessionKey struct{}

func withSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFrom returns the session whose connection delivered the message
// being handled.
func SessionFrom(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok
}

func (s *Server) transition(ev ConnEvent) {
	s.log.Debug("Connection state", "remote_addr", ev.RemoteAddr, "device_id", ev.DeviceID, "state", ev.State.String())
	if s.opts.OnConnState != nil {
		s.opts.OnConnState(ev)
	}
}

// handleConnection runs one connection from accept to close. It is the only
// place a session is created and, apart from supersession and sweeps, the
// only place one is destroyed.
func (s *Server) handleConnection(ctx context.Context, conn Conn, identify IdentifyFunc) {
	addr := conn.RemoteAddr()
	s.transition(ConnEvent{RemoteAddr: addr, State: StateConnecting})

	deviceID, err := identify(conn)
	if err == nil {
		err = s.checkCapacity(deviceID)
	}
	if err != nil {
		s.reject(conn, addr, deviceID, err)
		return
	}
	s.transition(ConnEvent{RemoteAddr: addr, DeviceID: deviceID, State: StateIdentified})

	sess, err := s.registry.Register(deviceID, conn)
	if err != nil {
		s.reject(conn, addr, deviceID, err)
		return
	}

	ctx = logctx.WithDeviceData(ctx, &logctx.DeviceData{DeviceID: deviceID, RemoteAddr: addr, Protocol: sess.Protocol})
	ctx = withSession(ctx, sess)
	s.transition(ConnEvent{RemoteAddr: addr, DeviceID: deviceID, State: StateActive})

	defer func() {
		s.transition(ConnEvent{RemoteAddr: addr, DeviceID: deviceID, State: StateClosing})
		s.registry.UnregisterSession(sess)
		s.transition(ConnEvent{RemoteAddr: addr, DeviceID: deviceID, State: StateClosed})
	}()

	s.sendReady(ctx, sess)
	s.readLoop(ctx, sess, conn)
}

func (s *Server) checkCapacity(deviceID string) error {
	if s.opts.MaxDevices <= 0 {
		return nil
	}
	if _, exists := s.registry.Get(deviceID); exists {
		return nil
	}
	if s.registry.Len() >= s.opts.MaxDevices {
		return ErrTooManyDevices
	}
	return nil
}

func (s *Server) reject(conn Conn, addr, deviceID string, reason error) {
	s.log.Warn("Rejecting device connection", "remote_addr", addr, "device_id", deviceID, "reason", reason)
	var err error
	if r, ok := conn.(Rejecter); ok {
		err = r.Reject(reason)
	} else {
		err = conn.Close()
	}
	if err != nil && !isClosedErr(err) {
		s.log.Debug("Best-effort close of rejected connection failed", "remote_addr", addr, "error", err)
	}
	s.transition(ConnEvent{RemoteAddr: addr, DeviceID: deviceID, State: StateClosed, Err: reason})
}

func (s *Server) sendReady(ctx context.Context, sess *Session) {
	var data any = map[string]any{
		"device_id":          sess.DeviceID,
		"heartbeat_interval": int(s.registry.HeartbeatInterval().Seconds()),
	}
	if s.opts.ReadyData != nil {
		data = s.opts.ReadyData(sess)
	}
	ready, err := proto.NewServerReady(sess.DeviceID, data)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to build ready envelope", "error", err)
		return
	}
	sess.Send(ready)
}

func (s *Server) readLoop(ctx context.Context, sess *Session, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if sess.Active() && !isClosedErr(err) {
				s.log.InfoContext(ctx, "Device connection ended", "error", err)
			}
			return
		}

		msg, err := proto.Parse(data)
		if err != nil {
			s.log.WarnContext(ctx, "Invalid message received", "error", err, "size", len(data))
			sess.Send(proto.NewError(proto.CodeInvalidMessage, err.Error(), peekRequestID(data)))
			continue
		}
		s.metrics.messageIn(msg.Type())
		s.log.DebugContext(ctx, "Message received", "type", msg.Type(), "request_id", proto.RequestID(msg), "size", len(data))

		if !s.router.Dispatch(ctx, sess.DeviceID, msg) {
			sess.Send(unknownType(msg))
		}
	}
}

func peekRequestID(data []byte) string {
	if !gjson.ValidBytes(data) {
		return ""
	}
	return gjson.GetBytes(data, "request_id").String()
}

func unknownType(msg proto.Message) *proto.Error {
	return proto.NewError(proto.CodeUnknownMessageType, fmt.Sprintf("unknown message type %q", msg.Type()), proto.RequestID(msg))
}

// reply sends msg back on the connection the handled message arrived on,
// falling back to the device's current session.
func (s *Server) reply(ctx context.Context, deviceID string, msg proto.Message) bool {
	if sess, ok := SessionFrom(ctx); ok {
		return sess.Send(msg)
	}
	return s.registry.Send(deviceID, msg)
}

func internalError(msg proto.Message, err error) *proto.Error {
	return proto.NewError(proto.CodeInternalError, fmt.Sprintf("%s handler failed: %v", msg.Type(), err), proto.RequestID(msg))
}
