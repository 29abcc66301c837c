package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mbocsi/devicelink/proto"
)

type tcpHarness struct {
	srv  *Server
	tcp  *TCPTransport
	addr string
}

func startTCPHarness(t *testing.T) *tcpHarness {
	t.Helper()
	return startTCPHarnessWith(t, TCPOptions{})
}

func startTCPHarnessWith(t *testing.T, opts TCPOptions) *tcpHarness {
	t.Helper()
	logger := testLogger(&syncBuffer{})
	srv := New(Options{Logger: logger})
	opts.Logger = logger
	tcp := NewTCPTransport("127.0.0.1:0", opts)
	srv.RegisterTransport(tcp)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- tcp.Serve(l) }()

	t.Cleanup(func() {
		tcp.Shutdown()
		srv.Registry().Close()
		<-done
	})
	return &tcpHarness{srv: srv, tcp: tcp, addr: l.Addr().String()}
}

type tcpDevice struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialTCP(t *testing.T, addr string) *tcpDevice {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &tcpDevice{conn: conn, reader: bufio.NewReader(conn)}
}

func (d *tcpDevice) send(t *testing.T, msg proto.Message) {
	t.Helper()
	data, err := proto.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	d.sendRaw(t, string(data))
}

func (d *tcpDevice) sendRaw(t *testing.T, line string) {
	t.Helper()
	if _, err := d.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
}

func (d *tcpDevice) read(t *testing.T) proto.Message {
	t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := d.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	msg, err := proto.Parse(line)
	if err != nil {
		t.Fatalf("Invalid envelope %s: %v", line, err)
	}
	return msg
}

func TestTCPHeartbeatIdentifiesDevice(t *testing.T) {
	h := startTCPHarness(t)
	dev := dialTCP(t, h.addr)

	dev.send(t, proto.NewHeartbeat("esp-1"))
	if msg := dev.read(t); msg.Type() != proto.TypeServerReady {
		t.Fatalf("Expected server_ready, got %s", msg.Type())
	}

	sess, ok := h.srv.Registry().Get("esp-1")
	if !ok {
		t.Fatal("Expected esp-1 to be registered")
	}
	if sess.Protocol != "tcp" {
		t.Errorf("Expected protocol tcp, got %s", sess.Protocol)
	}

	dev.sendRaw(t, "")
	dev.send(t, proto.NewHeartbeat("esp-1"))
	if msg := dev.read(t); msg.Type() != proto.TypeHeartbeatAck {
		t.Errorf("Expected heartbeat_ack, got %s", msg.Type())
	}
}

func TestTCPRejectsUnidentifiedConnection(t *testing.T) {
	h := startTCPHarness(t)
	dev := dialTCP(t, h.addr)

	dev.sendRaw(t, `{"type":"status_update","data":{"battery":10}}`)
	e, ok := dev.read(t).(*proto.Error)
	if !ok {
		t.Fatal("Expected an error envelope")
	}
	if e.Code != proto.CodeInvalidMessage {
		t.Errorf("Expected INVALID_MESSAGE, got %s", e.Code)
	}

	dev.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := dev.reader.ReadByte(); err == nil {
		t.Error("Expected the connection to be closed")
	}
	if h.srv.Registry().Len() != 0 {
		t.Error("Expected no session")
	}
}

func TestTCPTransportMeta(t *testing.T) {
	tcp := NewTCPTransport("127.0.0.1:7001", TCPOptions{ReusePort: true})
	tcp.SetName("sensors")
	meta := tcp.Meta()
	if meta.Protocol != "tcp" || meta.Address != "127.0.0.1:7001" || meta.Name != "sensors" {
		t.Errorf("Unexpected meta: %+v", meta)
	}
}

func (h *tcpHarness) tracked() int {
	h.tcp.mu.Lock()
	defer h.tcp.mu.Unlock()
	return len(h.tcp.conns)
}

// expectClosed reads until the server closes the connection. A read deadline
// firing first means the server left it open.
func (d *tcpDevice) expectClosed(t *testing.T) {
	t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := d.reader.ReadBytes('\n'); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("Expected the server to close the connection, it is still open")
			}
			if !errors.Is(err, io.EOF) {
				t.Logf("Connection ended with %v", err)
			}
			return
		}
	}
}

func TestTCPSilentPeerIsDisconnected(t *testing.T) {
	h := startTCPHarnessWith(t, TCPOptions{IdentifyTimeout: 100 * time.Millisecond})
	dev := dialTCP(t, h.addr)

	start := time.Now()
	dev.expectClosed(t)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Expected the server to wait for the identify timeout, closed after %v", elapsed)
	}
	eventually(t, "silent connection to be released", func() bool { return h.tracked() == 0 })
	if h.srv.Registry().Len() != 0 {
		t.Error("Expected no session")
	}
}

func TestTCPIdentifyDeadlineIsCleared(t *testing.T) {
	h := startTCPHarnessWith(t, TCPOptions{IdentifyTimeout: 100 * time.Millisecond})
	dev := dialTCP(t, h.addr)

	dev.send(t, proto.NewHeartbeat("esp-1"))
	if msg := dev.read(t); msg.Type() != proto.TypeServerReady {
		t.Fatalf("Expected server_ready, got %s", msg.Type())
	}
	time.Sleep(250 * time.Millisecond)
	dev.send(t, proto.NewHeartbeat("esp-1"))
	if msg := dev.read(t); msg.Type() != proto.TypeHeartbeatAck {
		t.Errorf("Expected heartbeat_ack after the identify window, got %s", msg.Type())
	}
}

func TestTCPShutdownClosesUnidentifiedConnections(t *testing.T) {
	h := startTCPHarness(t)
	dev := dialTCP(t, h.addr)
	eventually(t, "connection to be accepted", func() bool { return h.tracked() == 1 })

	if err := h.tcp.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	dev.expectClosed(t)
	eventually(t, "connection handler to return", func() bool { return h.tracked() == 0 })
}
