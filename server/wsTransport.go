package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	DefaultWSPath          = "/ws"
	DefaultDeviceHeader    = "X-Device-ID"
	DefaultMaxMessageBytes = 1 << 20
	DefaultWriteTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Devices are not browsers
	},
}

type WSOptions struct {
	Path            string // Upgrade path (default "/ws")
	DeviceHeader    string // Header carrying the device id when the query has none
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	Logger          *slog.Logger
}

// WSTransport serves device WebSockets and any extra HTTP routes mounted on
// its router.
type WSTransport struct {
	Addr      string
	opts      WSOptions
	log       *slog.Logger
	router    chi.Router
	onConnect ConnectFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	name        string
	description string
	connected   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWSTransport(addr string, opts WSOptions) *WSTransport {
	if opts.Path == "" {
		opts.Path = DefaultWSPath
	}
	if opts.DeviceHeader == "" {
		opts.DeviceHeader = DefaultDeviceHeader
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &WSTransport{
		Addr:   addr,
		opts:   opts,
		log:    opts.Logger,
		router: chi.NewRouter(),
		ctx:    ctx,
		cancel: cancel,
		name:   "Device WebSocket",
	}
	t.router.Use(middleware.Recoverer)
	t.router.Get(opts.Path, t.handleWebSocket)
	return t
}

// Router exposes the HTTP router so admin routes can share the listener.
func (t *WSTransport) Router() chi.Router { return t.router }

func (t *WSTransport) Handler() http.Handler { return t.router }

func (t *WSTransport) Start() error {
	if t.onConnect == nil {
		return fmt.Errorf("websocket transport has no connect handler; register it with a server first")
	}

	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}
	return t.Serve(l)
}

// Serve accepts connections on l until Shutdown.
func (t *WSTransport) Serve(l net.Listener) error {
	srv := &http.Server{Handler: t.router, ReadHeaderTimeout: 10 * time.Second}
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return l.Close()
	}
	t.listener = l
	t.server = srv
	t.mu.Unlock()
	t.log.Info("Starting WebSocket server", "addr", l.Addr().String(), "path", t.opts.Path)

	t.connected.Store(true)
	defer t.connected.Store(false)
	err := srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *WSTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = r.Header.Get(t.opts.DeviceHeader)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("Failed to upgrade connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(t.opts.MaxMessageBytes)

	wc := newWSConn(conn, r.RemoteAddr, t.opts.WriteTimeout)
	t.onConnect(t.ctx, wc, func(Conn) (string, error) {
		if deviceID == "" {
			return "", ErrMissingDeviceID
		}
		return deviceID, nil
	})
}

func (t *WSTransport) Shutdown() error {
	t.log.Info("Shutting down WebSocket server", "addr", t.Addr)
	t.cancel()
	t.mu.Lock()
	srv := t.server
	t.mu.Unlock()
	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (t *WSTransport) OnConnect(fn ConnectFunc) {
	t.onConnect = fn
}

func (t *WSTransport) Meta() TransportMetadata {
	addr := t.Addr
	t.mu.Lock()
	if t.listener != nil {
		addr = t.listener.Addr().String()
	}
	t.mu.Unlock()
	return TransportMetadata{
		Name:        t.name,
		Description: t.description,
		Protocol:    "websocket",
		Address:     addr,
		Connected:   t.connected.Load(),
	}
}

func (t *WSTransport) SetName(name string) {
	t.name = name
}

func (t *WSTransport) SetDescription(description string) {
	t.description = description
}
