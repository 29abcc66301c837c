package services

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mbocsi/devicelink/server"
)

type stubConn struct {
	addr   string
	mu     sync.Mutex
	closed bool
}

func (c *stubConn) ReadMessage() ([]byte, error) { return nil, io.EOF }
func (c *stubConn) WriteMessage([]byte) error    { return nil }
func (c *stubConn) RemoteAddr() string           { return c.addr }
func (c *stubConn) Protocol() string             { return "tcp" }

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func newTestRegistry(t *testing.T, ids ...string) *server.SessionRegistry {
	t.Helper()
	r := server.NewSessionRegistry(server.RegistryOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(func() { r.Close() })
	for _, id := range ids {
		if _, err := r.Register(id, &stubConn{addr: id + ":1"}); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestDeviceServiceList(t *testing.T) {
	ds := NewDeviceService(newTestRegistry(t, "tablet", "phone"))

	devices, err := ds.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0].ID != "phone" || devices[1].ID != "tablet" {
		t.Fatalf("Expected [phone tablet], got %+v", devices)
	}
	if devices[0].Protocol != "tcp" || !devices[0].Connected || devices[0].RemoteAddr != "phone:1" {
		t.Errorf("Expected session details to be copied, got %+v", devices[0])
	}
}

func TestDeviceServiceGetMissing(t *testing.T) {
	ds := NewDeviceService(newTestRegistry(t))

	_, err := ds.GetDevice("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if ok, _ := ds.IsDeviceConnected("ghost"); ok {
		t.Error("Expected ghost to be disconnected")
	}
}

func TestDeviceServiceDisconnect(t *testing.T) {
	r := newTestRegistry(t, "phone")
	ds := NewDeviceService(r)

	if err := ds.DisconnectDevice("phone"); err != nil {
		t.Fatalf("Expected disconnect to succeed, got %v", err)
	}
	if ok, _ := ds.IsDeviceConnected("phone"); ok {
		t.Error("Expected phone to be disconnected")
	}
	if err := ds.DisconnectDevice("phone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second disconnect, got %v", err)
	}
}

func TestServiceErrorMatching(t *testing.T) {
	err := ServiceError{Code: ErrCodeUnavailable, Message: "device x is not connected"}
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Error("Expected errors with the same code to match")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("Expected errors with different codes not to match")
	}

	cause := errors.New("boom")
	wrapped := ServiceError{Code: ErrCodeInternal, Message: "failed", Cause: cause}
	if !errors.Is(wrapped, cause) {
		t.Error("Expected the cause to be reachable")
	}
	if wrapped.Error() != "failed: boom" {
		t.Errorf("Expected 'failed: boom', got %q", wrapped.Error())
	}
}
