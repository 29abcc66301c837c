package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbocsi/devicelink/broker"
	"github.com/mbocsi/devicelink/proto"
)

func (s *Server) registerBuiltins() {
	s.router.Register(proto.TypeHeartbeat, s.handleHeartbeat)
	s.router.Register(proto.TypeStatusUpdate, s.handleDeviceEvent)
	s.router.Register(proto.TypeNotification, s.handleDeviceEvent)
	s.router.Register(proto.TypeError, s.handleDeviceError)
	s.router.RegisterDefault(s.handleUnknown)
	s.router.OnError(func(ctx context.Context, deviceID string, msg proto.Message, err error) {
		s.reply(ctx, deviceID, internalError(msg, err))
	})
}

func (s *Server) handleHeartbeat(ctx context.Context, deviceID string, msg proto.Message) error {
	if sess, ok := SessionFrom(ctx); ok {
		if sess.Active() {
			sess.touch(s.registry.now())
		}
	} else {
		s.registry.Touch(deviceID)
	}
	s.reply(ctx, deviceID, proto.NewHeartbeatAck(deviceID))
	return nil
}

func (s *Server) handleUnknown(ctx context.Context, deviceID string, msg proto.Message) error {
	s.log.WarnContext(ctx, "Unhandled message type", "type", msg.Type(), "device_id", deviceID)
	s.reply(ctx, deviceID, unknownType(msg))
	return nil
}

// ---------- status_update / notification ---------- //

func (s *Server) handleDeviceEvent(ctx context.Context, deviceID string, msg proto.Message) error {
	var data json.RawMessage
	kind := broker.KindStatus
	switch m := msg.(type) {
	case *proto.StatusUpdate:
		data = m.Data
	case *proto.Notification:
		data = m.Data
		kind = broker.KindNotification
	}

	if s.events == nil {
		s.log.DebugContext(ctx, "Device event", "kind", kind, "device_id", deviceID, "bytes", len(data))
		return nil
	}

	ts, err := msg.Meta().Time()
	if err != nil {
		ts = time.Now()
	}
	_, err = broker.PublishDevice(ctx, s.events, broker.DeviceEvent{
		Kind:      kind,
		DeviceID:  deviceID,
		Timestamp: ts.UTC(),
		Data:      data,
	})
	return err
}

func (s *Server) handleDeviceError(ctx context.Context, deviceID string, msg proto.Message) error {
	e := msg.(*proto.Error)
	s.log.WarnContext(ctx, "Device reported an error", "device_id", deviceID, "code", e.Code, "message", e.Message, "request_id", e.RequestID)
	return nil
}
