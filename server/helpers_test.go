package server

import (
	"bytes"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/devicelink/proto"
)

// fakeConn is an in-memory Conn. Frames pushed on in are returned by
// ReadMessage; writes are recorded and echoed on written.
type fakeConn struct {
	addr    string
	in      chan []byte
	written chan []byte
	gate    chan struct{} // when set, each write waits for a value

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closes   int

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr:    addr,
		in:      make(chan []byte, 16),
		written: make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closed:
			return net.ErrClosed
		}
	}
	c.mu.Lock()
	err := c.writeErr
	if err == nil {
		c.writes = append(c.writes, data)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.written <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// next waits for the next written frame and parses it.
func (c *fakeConn) next(t *testing.T) proto.Message {
	t.Helper()
	select {
	case data := <-c.written:
		msg, err := proto.Parse(data)
		if err != nil {
			t.Fatalf("Server wrote an unparseable frame %s: %v", data, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a write")
		return nil
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
