package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/devicelink/proto"
	"github.com/tidwall/gjson"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrQueueFull    = errors.New("outbound queue full")
)

// Error codes a device reports in failed command responses.
const (
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeCommandFailed  = "COMMAND_FAILED"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultQueueSize         = 64
)

// HandlerFunc executes one command. The returned value becomes the response
// data. An error implementing Code() string sets the response error code.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type Options struct {
	HeartbeatInterval time.Duration // Used until the server announces its own
	QueueSize         int
	Logger            *slog.Logger
}

// Client is the device side of a connection: it identifies, heartbeats,
// answers commands and pushes status updates and notifications.
type Client struct {
	DeviceID  string
	transport Transport
	log       *slog.Logger

	handlerMu sync.RWMutex
	handlers  map[string]HandlerFunc

	out       chan proto.Message
	connected atomic.Bool
	interval  atomic.Int64

	readyMu sync.Mutex
	ready   chan struct{}
}

func NewClient(deviceID string, t Transport, opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		DeviceID:  deviceID,
		transport: t,
		log:       opts.Logger.With("device_id", deviceID),
		handlers:  make(map[string]HandlerFunc),
		out:       make(chan proto.Message, opts.QueueSize),
		ready:     make(chan struct{}),
	}
	c.interval.Store(int64(opts.HeartbeatInterval))
	return c
}

// Handle registers h for command, replacing any previous handler.
func (c *Client) Handle(command string, h HandlerFunc) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[command] = h
}

// Handler returns the handler registered for command.
func (c *Client) Handler(command string) (HandlerFunc, bool) {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	h, ok := c.handlers[command]
	return h, ok
}

// Ready is closed once the server has sent server_ready.
func (c *Client) Ready() <-chan struct{} {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.ready
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) HeartbeatInterval() time.Duration {
	return time.Duration(c.interval.Load())
}

// Run connects to addr and serves the connection until ctx is done or the
// connection fails. It returns nil when ctx ends the session.
func (c *Client) Run(ctx context.Context, addr string) error {
	if err := c.transport.Connect(ctx, addr, c.DeviceID); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	// The identifying heartbeat must be the first frame on TCP, so it goes out
	// before the writer starts and anything queued for an earlier connection
	// is discarded.
	if err := c.transport.Send(proto.NewHeartbeat(c.DeviceID)); err != nil {
		c.transport.Close()
		return fmt.Errorf("identify: %w", err)
	}
	if n := c.drain(); n > 0 {
		c.log.Debug("Discarded messages queued for a previous connection", "count", n)
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("Connected to server", "addr", addr)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writerErr error
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writerErr = c.writeLoop(ctx)
		cancel()
	}()

	// The writer must be gone before Close so the close frame has no competing writer.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-ctx.Done()
		<-writerDone
		c.transport.Close()
	}()

	go c.heartbeatLoop(ctx)

	readErr := c.readLoop(ctx)
	cancel()
	<-closed

	c.readyMu.Lock()
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
	c.readyMu.Unlock()

	if writerErr != nil {
		return writerErr
	}
	if parent.Err() != nil {
		return nil
	}
	return readErr
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		msg, err := c.transport.Read()
		if err != nil {
			var perr *proto.ParseError
			if errors.As(err, &perr) {
				c.log.Warn("Dropping invalid frame from server", "code", perr.Code(), "error", err)
				continue
			}
			return err
		}
		c.log.Debug("Message received", "type", msg.Type(), "request_id", proto.RequestID(msg))

		switch m := msg.(type) {
		case *proto.ServerReady:
			if secs := gjson.GetBytes(m.Data, "heartbeat_interval").Float(); secs > 0 {
				c.interval.Store(int64(time.Duration(secs * float64(time.Second))))
			}
			c.readyMu.Lock()
			select {
			case <-c.ready:
			default:
				close(c.ready)
			}
			c.readyMu.Unlock()
			c.log.Info("Server ready", "heartbeat_interval", c.HeartbeatInterval())
		case *proto.Command:
			go c.handleCommand(ctx, m)
		case *proto.HeartbeatAck:
		case *proto.Error:
			c.log.Warn("Server reported an error", "code", m.Code, "message", m.Message, "request_id", m.RequestID)
		default:
			c.log.Debug("Ignoring message", "type", msg.Type())
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.out:
			if err := c.transport.Send(msg); err != nil {
				c.log.Error("Send failed", "type", msg.Type(), "error", err)
				return err
			}
		}
	}
}

func (c *Client) drain() int {
	n := 0
	for {
		select {
		case <-c.out:
			n++
		default:
			return n
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	for {
		timer := time.NewTimer(c.HeartbeatInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := c.enqueue(proto.NewHeartbeat(c.DeviceID)); err != nil {
				c.log.Warn("Skipped heartbeat", "error", err)
			}
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, cmd *proto.Command) {
	h, ok := c.Handler(cmd.Command)

	var resp proto.Message
	if !ok {
		c.log.Warn("No handler for command", "command", cmd.Command, "request_id", cmd.RequestID)
		resp = proto.NewCommandFailure(cmd.RequestID, CodeUnknownCommand, "unknown command: "+cmd.Command)
	} else {
		resp = c.invoke(ctx, h, cmd)
	}
	if err := c.enqueue(resp); err != nil {
		c.log.Error("Failed to queue command response", "command", cmd.Command, "request_id", cmd.RequestID, "error", err)
	}
}

func (c *Client) invoke(ctx context.Context, h HandlerFunc, cmd *proto.Command) (resp proto.Message) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("Command handler panicked", "command", cmd.Command, "panic", p, "stack", string(debug.Stack()))
			resp = proto.NewCommandFailure(cmd.RequestID, CodeCommandFailed, fmt.Sprint(p))
		}
	}()

	result, err := h(ctx, cmd.Params)
	if err != nil {
		code := CodeCommandFailed
		var coded interface{ Code() string }
		if errors.As(err, &coded) {
			code = coded.Code()
		}
		return proto.NewCommandFailure(cmd.RequestID, code, err.Error())
	}
	ok, err := proto.NewCommandResponse(cmd.RequestID, result)
	if err != nil {
		return proto.NewCommandFailure(cmd.RequestID, CodeCommandFailed, err.Error())
	}
	return ok
}

// PublishStatus sends a status_update with data.
func (c *Client) PublishStatus(data any) error {
	msg, err := proto.NewStatusUpdate(c.DeviceID, data)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

// Notify sends a notification with data.
func (c *Client) Notify(data any) error {
	msg, err := proto.NewNotification(c.DeviceID, data)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *Client) enqueue(msg proto.Message) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}
