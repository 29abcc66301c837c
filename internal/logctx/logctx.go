package logctx

import (
	"context"
	"log/slog"
)

// Handler adds the device and message attributes carried on the context to
// every record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if dd, ok := ctx.Value(deviceDataKey{}).(*DeviceData); ok {
		attrs := []any{slog.String("id", dd.DeviceID)}
		if dd.RemoteAddr != "" {
			attrs = append(attrs, slog.String("remote_addr", dd.RemoteAddr))
		}
		if dd.Protocol != "" {
			attrs = append(attrs, slog.String("protocol", dd.Protocol))
		}
		r.AddAttrs(slog.Group("device", attrs...))
	}

	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		attrs := []any{slog.String("type", md.Type)}
		if md.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", md.RequestID))
		}
		r.AddAttrs(slog.Group("envelope", attrs...))
	}

	if cd, ok := ctx.Value(callDataKey{}).(*CallData); ok {
		r.AddAttrs(slog.Group("call",
			slog.String("command", cd.Command),
			slog.String("request_id", cd.RequestID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type deviceDataKey struct{}

type DeviceData struct {
	DeviceID   string
	RemoteAddr string
	Protocol   string
}

func WithDeviceData(ctx context.Context, data *DeviceData) context.Context {
	return context.WithValue(ctx, deviceDataKey{}, data)
}

func DeviceDataFrom(ctx context.Context) (*DeviceData, bool) {
	dd, ok := ctx.Value(deviceDataKey{}).(*DeviceData)
	return dd, ok
}

type messageDataKey struct{}

type MessageData struct {
	Type      string
	RequestID string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}

func MessageDataFrom(ctx context.Context) (*MessageData, bool) {
	md, ok := ctx.Value(messageDataKey{}).(*MessageData)
	return md, ok
}

type callDataKey struct{}

type CallData struct {
	Command   string
	RequestID string
}

func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callDataKey{}, data)
}
