package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	reuseport "github.com/kavu/go_reuseport"
)

// DefaultIdentifyTimeout bounds how long a TCP peer may stay silent before its
// identifying heartbeat.
const DefaultIdentifyTimeout = DefaultHeartbeatInterval

type TCPOptions struct {
	ReusePort       bool // Bind with SO_REUSEPORT so several processes can share the port
	MaxMessageBytes int
	WriteTimeout    time.Duration
	IdentifyTimeout time.Duration // Deadline for the first frame
	Logger          *slog.Logger
}

// TCPTransport accepts devices speaking newline-delimited JSON.
type TCPTransport struct {
	Addr      string
	opts      TCPOptions
	log       *slog.Logger
	onConnect ConnectFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	name        string
	description string
	connected   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTCPTransport(addr string, opts TCPOptions) *TCPTransport {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.IdentifyTimeout <= 0 {
		opts.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		Addr:   addr,
		opts:   opts,
		log:    opts.Logger,
		conns:  make(map[net.Conn]struct{}),
		name:   "Device TCP",
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *TCPTransport) listen() (net.Listener, error) {
	if t.opts.ReusePort {
		return reuseport.Listen("tcp", t.Addr)
	}
	return net.Listen("tcp", t.Addr)
}

func (t *TCPTransport) Start() error {
	if t.onConnect == nil {
		return fmt.Errorf("tcp transport has no connect handler; register it with a server first")
	}
	l, err := t.listen()
	if err != nil {
		return err
	}
	return t.Serve(l)
}

// Serve accepts connections on l until Shutdown.
func (t *TCPTransport) Serve(l net.Listener) error {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return l.Close()
	}
	t.listener = l
	t.mu.Unlock()

	t.log.Info("Starting tcp server", "addr", l.Addr().String(), "reuseport", t.opts.ReusePort)
	t.connected.Store(true)
	defer func() {
		l.Close()
		t.connected.Store(false)
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		go t.handleConnection(conn)
	}
}

func (t *TCPTransport) handleConnection(c net.Conn) {
	if !t.track(c) {
		c.Close()
		return
	}
	defer t.untrack(c)

	tc := newTCPConn(c, t.opts.MaxMessageBytes, t.opts.WriteTimeout)
	t.onConnect(t.ctx, tc, func(conn Conn) (string, error) {
		c.SetReadDeadline(time.Now().Add(t.opts.IdentifyTimeout))
		id, err := identifyByHeartbeat(conn)
		c.SetReadDeadline(time.Time{})
		return id, err
	})
}

// track records c until its handler returns so Shutdown can close it, even
// before the peer has identified itself.
func (t *TCPTransport) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *TCPTransport) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *TCPTransport) Shutdown() error {
	t.log.Info("Shutting down tcp server", "addr", t.Addr)
	t.cancel()
	t.mu.Lock()
	l := t.listener
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.log.Debug("Best-effort close of tcp connection failed", "remote_addr", c.RemoteAddr().String(), "error", err)
		}
	}
	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

func (t *TCPTransport) OnConnect(fn ConnectFunc) {
	t.onConnect = fn
}

func (t *TCPTransport) Meta() TransportMetadata {
	addr := t.Addr
	t.mu.Lock()
	if t.listener != nil {
		addr = t.listener.Addr().String()
	}
	t.mu.Unlock()
	return TransportMetadata{
		Name:        t.name,
		Description: t.description,
		Protocol:    "tcp",
		Address:     addr,
		Connected:   t.connected.Load(),
	}
}

func (t *TCPTransport) SetName(name string) {
	t.name = name
}

func (t *TCPTransport) SetDescription(description string) {
	t.description = description
}
