package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/mbocsi/devicelink/internal/logctx"
	"github.com/mbocsi/devicelink/proto"
)

// HandlerFunc handles one inbound message from deviceID.
type HandlerFunc func(ctx context.Context, deviceID string, msg proto.Message) error

// ErrorFunc is told about every handler that failed or panicked.
type ErrorFunc func(ctx context.Context, deviceID string, msg proto.Message, err error)

// Router maps message types to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[proto.MessageType]HandlerFunc
	fallback HandlerFunc
	onError  ErrorFunc

	log     *slog.Logger
	metrics *Metrics
}

func NewRouter(logger *slog.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[proto.MessageType]HandlerFunc),
		log:      logger,
		metrics:  metrics,
	}
}

// Register sets the handler for t, replacing any previous one.
func (r *Router) Register(t proto.MessageType, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		r.log.Debug("Replacing handler", "type", t)
	}
	r.handlers[t] = h
}

// RegisterDefault sets the handler used for types with no registered handler.
func (r *Router) RegisterDefault(h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

func (r *Router) OnError(fn ErrorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// Dispatch runs the handler for msg. It returns false when neither a typed nor
// a default handler exists. Handler errors and panics are logged and passed to
// the error hook; they never propagate to the caller.
func (r *Router) Dispatch(ctx context.Context, deviceID string, msg proto.Message) bool {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type()]
	if !ok {
		h = r.fallback
	}
	onError := r.onError
	r.mu.RUnlock()

	requestID := proto.RequestID(msg)
	if h == nil {
		r.log.WarnContext(ctx, "No handler for message", "device_id", deviceID, "type", msg.Type(), "request_id", requestID)
		return false
	}

	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Type: string(msg.Type()), RequestID: requestID})
	if err := r.invoke(ctx, h, deviceID, msg); err != nil {
		r.metrics.handlerFailed(msg.Type())
		r.log.ErrorContext(ctx, "Handler failed", "device_id", deviceID, "type", msg.Type(), "request_id", requestID, "error", err)
		if onError != nil {
			onError(ctx, deviceID, msg, err)
		}
	}
	return true
}

func (r *Router) invoke(ctx context.Context, h HandlerFunc, deviceID string, msg proto.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.DebugContext(ctx, "Recovered handler panic", "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in %s handler: %v", msg.Type(), p)
		}
	}()
	return h(ctx, deviceID, msg)
}
