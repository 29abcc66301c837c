package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/devicelink/internal/logctx"
	"github.com/mbocsi/devicelink/proto"
	"github.com/mbocsi/devicelink/server"
)

// DefaultCallTimeout applies when Call is given a non-positive timeout.
const DefaultCallTimeout = 30 * time.Second

// MaxCallTimeout is the longest timeout accepted from outside callers.
const MaxCallTimeout = time.Hour

// TimeoutFromMillis converts a caller-supplied timeout in milliseconds. Zero
// means the default; negative, non-finite or values above MaxCallTimeout are
// INVALID_INPUT.
func TimeoutFromMillis(ms float64) (time.Duration, error) {
	if ms != ms || ms < 0 || ms > float64(MaxCallTimeout.Milliseconds()) {
		return 0, ServiceError{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("timeout_ms must be between 0 and %d", MaxCallTimeout.Milliseconds())}
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// Sender queues an envelope for a device. *server.SessionRegistry satisfies it.
type Sender interface {
	Send(deviceID string, msg proto.Message) bool
}

type CallerOptions struct {
	DefaultTimeout time.Duration
	NewRequestID   func() string // Defaults to uuid.NewString
	Logger         *slog.Logger
	Metrics        *server.Metrics
}

// Caller correlates commands sent to devices with their responses by
// request id. Any number of calls per device may be in flight.
type Caller struct {
	sender Sender
	opts   CallerOptions
	log    *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall
	closed   bool
	closeErr error
}

type pendingCall struct {
	deviceID string
	command  string
	started  time.Time
	ch       chan callResult
}

type callResult struct {
	msg proto.Message // *proto.CommandResponse or *proto.Error
	err error
}

func NewCaller(sender Sender, opts CallerOptions) *Caller {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultCallTimeout
	}
	if opts.NewRequestID == nil {
		opts.NewRequestID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Caller{
		sender:  sender,
		opts:    opts,
		log:     opts.Logger,
		pending: make(map[string]*pendingCall),
	}
}

// Register routes command responses and request-scoped device errors to c.
func (c *Caller) Register(r *server.Router) {
	r.Register(proto.TypeCommandResponse, c.HandleResponse)
	r.Register(proto.TypeError, c.HandleResponse)
}

// Call sends command to deviceID and waits for the matching response. It
// returns the response data, a *RemoteError, a *TimeoutError, or an error
// matching ErrDeviceUnavailable when the device has no active session.
func (c *Caller) Call(ctx context.Context, deviceID, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	requestID := c.opts.NewRequestID()
	cmd, err := proto.NewCommand(requestID, command, params)
	if err != nil {
		return nil, ServiceError{Code: ErrCodeInvalidInput, Message: "invalid command", Cause: err}
	}

	pc := &pendingCall{deviceID: deviceID, command: command, started: time.Now(), ch: make(chan callResult, 1)}
	c.mu.Lock()
	if c.closed {
		err := c.closedError()
		c.mu.Unlock()
		return nil, err
	}
	if _, dup := c.pending[requestID]; dup {
		c.mu.Unlock()
		return nil, ServiceError{Code: ErrCodeInternal, Message: "duplicate request id " + requestID}
	}
	c.pending[requestID] = pc
	c.mu.Unlock()
	c.opts.Metrics.CallStarted()

	ctx = logctx.WithCallData(ctx, &logctx.CallData{Command: command, RequestID: requestID})
	if !c.sender.Send(deviceID, cmd) {
		c.remove(requestID)
		c.observe(pc, "unavailable")
		return nil, ServiceError{Code: ErrCodeUnavailable, Message: fmt.Sprintf("device %s is not connected", deviceID)}
	}
	c.log.DebugContext(ctx, "Command sent", "device_id", deviceID, "timeout", timeout)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-pc.ch:
		return c.resolve(pc, requestID, res)
	case <-waitCtx.Done():
		if !c.remove(requestID) {
			// A response won the race; it is already buffered.
			return c.resolve(pc, requestID, <-pc.ch)
		}
		if err := ctx.Err(); err != nil {
			c.observe(pc, "cancelled")
			return nil, err
		}
		c.observe(pc, "timeout")
		c.log.WarnContext(ctx, "Call timed out", "device_id", deviceID, "after", timeout)
		return nil, &TimeoutError{DeviceID: deviceID, Command: command, RequestID: requestID, After: timeout}
	}
}

// CallAs is Call with the response data decoded into T.
func CallAs[T any](ctx context.Context, c *Caller, deviceID, command string, params any, timeout time.Duration) (T, error) {
	var out T
	data, err := c.Call(ctx, deviceID, command, params, timeout)
	if err != nil {
		return out, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, ServiceError{Code: ErrCodeInternal, Message: "decode response for " + command, Cause: err}
	}
	return out, nil
}

// Notify queues msg for deviceID without waiting for anything.
func (c *Caller) Notify(deviceID string, msg proto.Message) bool {
	return c.sender.Send(deviceID, msg)
}

// HandleResponse resolves the call waiting on the message's request id.
// Responses nobody is waiting for are logged and dropped.
func (c *Caller) HandleResponse(ctx context.Context, deviceID string, msg proto.Message) error {
	requestID := proto.RequestID(msg)
	if requestID == "" {
		if e, ok := msg.(*proto.Error); ok {
			c.log.WarnContext(ctx, "Device reported an error", "device_id", deviceID, "code", e.Code, "message", e.Message)
		}
		return nil
	}

	c.mu.Lock()
	pc, ok := c.pending[requestID]
	if ok && pc.deviceID != deviceID {
		c.mu.Unlock()
		c.log.WarnContext(ctx, "Response from a device the call was not sent to", "device_id", deviceID, "expected_device_id", pc.deviceID, "request_id", requestID)
		return nil
	}
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.DebugContext(ctx, "Dropping unmatched response", "device_id", deviceID, "request_id", requestID, "type", msg.Type())
		return nil
	}
	pc.ch <- callResult{msg: msg}
	return nil
}

// Close fails every pending call with err and rejects new ones.
func (c *Caller) Close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	closedErr := c.closedError()
	c.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- callResult{err: closedErr}
	}
	if len(pending) > 0 {
		c.log.Info("Failed pending calls on close", "count", len(pending), "reason", err)
	}
}

// Pending is the number of calls waiting for a response.
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Caller) closedError() error {
	return ServiceError{Code: ErrCodeClosed, Message: "caller closed", Cause: c.closeErr}
}

func (c *Caller) remove(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	return true
}

func (c *Caller) resolve(pc *pendingCall, requestID string, res callResult) (json.RawMessage, error) {
	if res.err != nil {
		c.observe(pc, "closed")
		return nil, res.err
	}

	switch m := res.msg.(type) {
	case *proto.CommandResponse:
		if m.Status == proto.StatusError {
			c.observe(pc, "remote_error")
			return nil, &RemoteError{DeviceID: pc.deviceID, RequestID: requestID, Code: m.ErrorCode, Message: m.Error}
		}
		c.observe(pc, "success")
		return m.Data, nil
	case *proto.Error:
		c.observe(pc, "remote_error")
		return nil, &RemoteError{DeviceID: pc.deviceID, RequestID: requestID, Code: m.Code, Message: m.Message}
	}
	c.observe(pc, "internal")
	return nil, errors.New("unexpected response type " + string(res.msg.Type()))
}

func (c *Caller) observe(pc *pendingCall, outcome string) {
	elapsed := time.Since(pc.started)
	c.log.Debug("Call finished", "device_id", pc.deviceID, "command", pc.command, "outcome", outcome, "elapsed", elapsed)
	c.opts.Metrics.CallFinished(outcome, elapsed)
}
