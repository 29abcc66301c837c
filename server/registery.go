package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbocsi/devicelink/proto"
	"go.uber.org/multierr"
)

// DefaultHeartbeatInterval is how often devices are expected to send a heartbeat.
const DefaultHeartbeatInterval = 30 * time.Second

var ErrRegistryClosed = errors.New("session registry closed")

type RegistryOptions struct {
	QueueSize         int           // Outbound queue capacity per device (default 200)
	HeartbeatInterval time.Duration // Sessions silent for twice this long are swept
	Logger            *slog.Logger
	Metrics           *Metrics
	Clock             func() time.Time

	OnOpen  func(*Session) // Called after a session becomes active
	OnClose func(*Session) // Called exactly once per session when it stops being active
}

// SessionRegistry maps device ids to their active session. At most one session
// per device is active; registering again supersedes the previous one.
type SessionRegistry struct {
	opts RegistryOptions
	log  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	senders sync.WaitGroup
}

func NewSessionRegistry(opts RegistryOptions) *SessionRegistry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &SessionRegistry{
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
	}
}

func (r *SessionRegistry) now() time.Time { return r.opts.Clock() }

func (r *SessionRegistry) HeartbeatInterval() time.Duration { return r.opts.HeartbeatInterval }

// Register installs a new session for deviceID and starts its sender. Any
// existing session for the same device is deactivated and its connection
// closed first.
func (r *SessionRegistry) Register(deviceID string, conn Conn) (*Session, error) {
	sess := newSession(deviceID, conn, r)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	old := r.sessions[deviceID]
	superseded := old != nil && old.deactivate()
	r.sessions[deviceID] = sess
	r.senders.Add(1)
	r.mu.Unlock()

	if superseded {
		r.log.Info("Superseding existing session", "device_id", deviceID, "old_addr", old.RemoteAddr(), "new_addr", conn.RemoteAddr())
		old.closeConn(r.log)
		r.closed_(old, "superseded")
	}

	go func() {
		defer r.senders.Done()
		sess.run()
	}()

	r.opts.Metrics.sessionOpened()
	r.log.Info("Registered device session", "device_id", deviceID, "addr", conn.RemoteAddr(), "protocol", sess.Protocol)
	if r.opts.OnOpen != nil {
		r.opts.OnOpen(sess)
	}
	return sess, nil
}

// Get returns the active session for deviceID.
func (r *SessionRegistry) Get(deviceID string) (*Session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[deviceID]
	r.mu.RUnlock()
	if !ok || !sess.Active() {
		return nil, false
	}
	return sess, true
}

// Send queues msg for deviceID. It returns false when the device has no
// active session.
func (r *SessionRegistry) Send(deviceID string, msg proto.Message) bool {
	sess, ok := r.Get(deviceID)
	if !ok {
		return false
	}
	return sess.Send(msg)
}

func (r *SessionRegistry) enqueue(sess *Session, msg proto.Message) bool {
	if !sess.Active() {
		return false
	}
	evicted, err := sess.outbox.Push(msg)
	if err != nil {
		return false
	}
	if evicted != nil {
		r.opts.Metrics.queueDropped(evicted.Type())
		r.log.Warn("Outbound queue full, dropping oldest message",
			"device_id", sess.DeviceID,
			"capacity", sess.outbox.Cap(),
			"dropped_type", evicted.Type(),
			"dropped_request_id", proto.RequestID(evicted),
		)
	}
	return true
}

// Touch records a heartbeat for deviceID.
func (r *SessionRegistry) Touch(deviceID string) bool {
	sess, ok := r.Get(deviceID)
	if !ok {
		return false
	}
	sess.touch(r.now())
	return true
}

// Unregister removes whatever session deviceID currently has.
func (r *SessionRegistry) Unregister(deviceID string) {
	r.mu.Lock()
	sess, ok := r.sessions[deviceID]
	if ok {
		delete(r.sessions, deviceID)
	}
	r.mu.Unlock()

	if ok && sess.deactivate() {
		sess.closeConn(r.log)
		r.closed_(sess, "unregistered")
	}
}

// UnregisterSession removes sess if it is still the device's current session
// and deactivates it either way. A superseded connection tearing down never
// touches its successor.
func (r *SessionRegistry) UnregisterSession(sess *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[sess.DeviceID]; ok && cur == sess {
		delete(r.sessions, sess.DeviceID)
	}
	r.mu.Unlock()

	if sess.deactivate() {
		sess.closeConn(r.log)
		r.closed_(sess, "closed")
	}
}

// Sweep unregisters every session whose last heartbeat is older than twice the
// heartbeat interval and returns how many were evicted.
func (r *SessionRegistry) Sweep() int {
	deadline := r.now().Add(-2 * r.opts.HeartbeatInterval)

	r.mu.RLock()
	var stale []*Session
	for _, sess := range r.sessions {
		if sess.LastHeartbeat().Before(deadline) {
			stale = append(stale, sess)
		}
	}
	r.mu.RUnlock()

	evicted := 0
	for _, sess := range stale {
		if r.evictStale(sess, deadline) {
			evicted++
		}
	}
	return evicted
}

// evictStale unregisters sess unless a heartbeat arrived after the sweep
// looked at it.
func (r *SessionRegistry) evictStale(sess *Session, deadline time.Time) bool {
	r.mu.Lock()
	last := sess.LastHeartbeat()
	if !last.Before(deadline) {
		r.mu.Unlock()
		return false
	}
	if cur, ok := r.sessions[sess.DeviceID]; ok && cur == sess {
		delete(r.sessions, sess.DeviceID)
	}
	r.mu.Unlock()

	if !sess.deactivate() {
		return false
	}
	r.log.Warn("Evicting session after missed heartbeats", "device_id", sess.DeviceID, "last_heartbeat", last)
	r.opts.Metrics.sessionEvicted()
	sess.closeConn(r.log)
	r.closed_(sess, "evicted")
	return true
}

// RunSweeper calls Sweep every heartbeat interval until ctx is done.
func (r *SessionRegistry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug("Heartbeat sweep finished", "evicted", n)
			}
		}
	}
}

// List returns the active sessions ordered by device id.
func (r *SessionRegistry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.Active() {
			out = append(out, sess)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close unregisters every session, refuses new ones and waits for all sender
// goroutines to exit.
func (r *SessionRegistry) Close() error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var err error
	for _, sess := range sessions {
		if sess.deactivate() {
			err = multierr.Append(err, sess.closeConn(r.log))
			r.closed_(sess, "shutdown")
		}
	}
	r.senders.Wait()
	return err
}

func (r *SessionRegistry) closed_(sess *Session, reason string) {
	r.opts.Metrics.sessionClosed()
	r.log.Info("Device session closed", "device_id", sess.DeviceID, "reason", reason, "uptime", r.now().Sub(sess.ConnectedAt).Round(time.Millisecond))
	if r.opts.OnClose != nil {
		r.opts.OnClose(sess)
	}
}
