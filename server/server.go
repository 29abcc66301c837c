package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/devicelink/broker"
	"go.uber.org/multierr"
)

// ErrServerShutdown is what pending calls fail with when the server stops.
var ErrServerShutdown = errors.New("server shutting down")

// CallCloser is the part of the call correlation layer the server needs at
// shutdown.
type CallCloser interface {
	Close(err error)
}

type Options struct {
	Registry    RegistryOptions
	Events      broker.Broker // Optional; device events are only logged when nil
	Logger      *slog.Logger
	Metrics     *Metrics
	MaxDevices  int                // 0 means unlimited
	OnConnState func(ConnEvent)    // Optional lifecycle observer
	Advertiser  *Advertiser        // Optional mDNS advertisement
	ReadyData   func(*Session) any // Optional payload for server_ready
}

// Server ties the registry, router and transports together and owns the
// connection lifecycle.
type Server struct {
	opts       Options
	log        *slog.Logger
	registry   *SessionRegistry
	router     *Router
	events     broker.Broker
	metrics    *Metrics
	transports []Transport

	mu    sync.Mutex
	calls []CallCloser
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		log:     opts.Logger,
		events:  opts.Events,
		metrics: opts.Metrics,
	}

	regOpts := opts.Registry
	if regOpts.Logger == nil {
		regOpts.Logger = opts.Logger
	}
	if regOpts.Metrics == nil {
		regOpts.Metrics = opts.Metrics
	}
	userOpen, userClose := regOpts.OnOpen, regOpts.OnClose
	regOpts.OnOpen = func(sess *Session) {
		s.publishLifecycle(sess, broker.KindConnected)
		if userOpen != nil {
			userOpen(sess)
		}
	}
	regOpts.OnClose = func(sess *Session) {
		s.publishLifecycle(sess, broker.KindDisconnected)
		if userClose != nil {
			userClose(sess)
		}
	}
	s.registry = NewSessionRegistry(regOpts)
	s.router = NewRouter(opts.Logger, opts.Metrics)
	s.registerBuiltins()
	return s
}

func (s *Server) Registry() *SessionRegistry { return s.registry }

func (s *Server) Router() *Router { return s.router }

func (s *Server) Events() broker.Broker { return s.events }

func (s *Server) Transports() []Transport { return s.transports }

// RegisterTransport wires t to the connection lifecycle. Call before Start.
func (s *Server) RegisterTransport(t Transport) {
	t.OnConnect(s.handleConnection)
	s.transports = append(s.transports, t)
}

// AttachCaller makes Start fail c's pending calls on shutdown.
func (s *Server) AttachCaller(c CallCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

// Start runs every transport and the heartbeat sweeper. It blocks until ctx
// is done or a transport fails, then shuts everything down.
func (s *Server) Start(ctx context.Context) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.registry.RunSweeper(sweepCtx)
	}()

	errCh := make(chan error, len(s.transports))
	for _, t := range s.transports {
		go func(t Transport) {
			if err := t.Start(); err != nil {
				s.log.Error("Transport failed", "name", t.Meta().Name, "protocol", t.Meta().Protocol, "error", err)
				errCh <- err
			}
		}(t)
	}

	if s.opts.Advertiser != nil {
		if err := s.opts.Advertiser.Start(); err != nil {
			s.log.Warn("mDNS advertisement failed", "error", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	s.log.Info("Shutting down transports and server")

	err := s.shutdown()
	stopSweep()
	wg.Wait()
	return multierr.Append(runErr, err)
}

func (s *Server) shutdown() error {
	var err error
	if s.opts.Advertiser != nil {
		if aerr := s.opts.Advertiser.Shutdown(); aerr != nil {
			s.log.Error("There was an error when shutting down mDNS", "error", aerr)
		}
	}
	for _, t := range s.transports {
		if terr := t.Shutdown(); terr != nil {
			s.log.Error("There was an error when shutting down transport server", "error", terr)
			err = multierr.Append(err, terr)
		}
	}

	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	for _, c := range calls {
		c.Close(ErrServerShutdown)
	}

	return multierr.Append(err, s.registry.Close())
}

func (s *Server) publishLifecycle(sess *Session, kind string) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := broker.DeviceEvent{Kind: kind, DeviceID: sess.DeviceID, Timestamp: time.Now().UTC()}
	if _, err := broker.PublishDevice(ctx, s.events, ev); err != nil {
		s.log.Warn("Failed to publish device event", "device_id", sess.DeviceID, "kind", kind, "error", err)
	}
}
