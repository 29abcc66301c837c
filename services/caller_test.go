package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbocsi/devicelink/proto"
	"github.com/mbocsi/devicelink/server"
)

// fakeSender records outbound commands and lets tests answer them.
type fakeSender struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      chan *proto.Command
}

func newFakeSender(devices ...string) *fakeSender {
	s := &fakeSender{connected: make(map[string]bool), sent: make(chan *proto.Command, 64)}
	for _, d := range devices {
		s.connected[d] = true
	}
	return s
}

func (s *fakeSender) Send(deviceID string, msg proto.Message) bool {
	s.mu.Lock()
	ok := s.connected[deviceID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if cmd, isCmd := msg.(*proto.Command); isCmd {
		s.sent <- cmd
	}
	return true
}

func (s *fakeSender) next(t *testing.T) *proto.Command {
	t.Helper()
	select {
	case cmd := <-s.sent:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a command")
		return nil
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestCaller(t *testing.T, sender Sender, opts CallerOptions) (*Caller, *lockedBuffer) {
	t.Helper()
	logs := &lockedBuffer{}
	opts.Logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewCaller(sender, opts)
	t.Cleanup(func() { c.Close(errors.New("test done")) })
	return c, logs
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("req-%d", n.Add(1)) }
}

type callOutcome struct {
	data json.RawMessage
	err  error
}

func callAsync(c *Caller, deviceID, command string, params any, timeout time.Duration) <-chan callOutcome {
	out := make(chan callOutcome, 1)
	go func() {
		data, err := c.Call(context.Background(), deviceID, command, params, timeout)
		out <- callOutcome{data, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for call to return")
		return callOutcome{}
	}
}

func respond(t *testing.T, c *Caller, deviceID, requestID string, data any) {
	t.Helper()
	resp, err := proto.NewCommandResponse(requestID, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.HandleResponse(context.Background(), deviceID, resp); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
}

func TestCallerDefaults(t *testing.T) {
	c := NewCaller(newFakeSender(), CallerOptions{})
	if c.opts.DefaultTimeout != DefaultCallTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultCallTimeout, c.opts.DefaultTimeout)
	}
	if id := c.opts.NewRequestID(); len(id) != 36 {
		t.Errorf("Expected a uuid request id, got %q", id)
	}
}

func TestCallResolvesWithResponseData(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, _ := newTestCaller(t, sender, CallerOptions{NewRequestID: sequentialIDs()})

	result := callAsync(c, "phone-1", "tap", map[string]int{"x": 10, "y": 20}, time.Second)
	cmd := sender.next(t)
	if cmd.Command != "tap" || cmd.RequestID != "req-1" {
		t.Fatalf("Expected tap with req-1, got %s/%s", cmd.Command, cmd.RequestID)
	}
	if string(cmd.Params) != `{"x":10,"y":20}` {
		t.Errorf("Expected params to be forwarded, got %s", cmd.Params)
	}

	respond(t, c, "phone-1", cmd.RequestID, map[string]bool{"ok": true})
	o := await(t, result)
	if o.err != nil {
		t.Fatalf("Expected success, got %v", o.err)
	}
	if string(o.data) != `{"ok":true}` {
		t.Errorf("Expected response data, got %s", o.data)
	}
	if c.Pending() != 0 {
		t.Errorf("Expected no pending calls, got %d", c.Pending())
	}
}

func TestCallDeviceUnavailable(t *testing.T) {
	c, _ := newTestCaller(t, newFakeSender(), CallerOptions{})

	_, err := c.Call(context.Background(), "ghost", "tap", nil, time.Second)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("Expected pending entry to be removed, got %d", c.Pending())
	}
}

func TestCallTimeoutCleansUp(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, logs := newTestCaller(t, sender, CallerOptions{NewRequestID: sequentialIDs()})

	start := time.Now()
	_, err := c.Call(context.Background(), "phone-1", "screenshot", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.RequestID != "req-1" || te.DeviceID != "phone-1" {
		t.Errorf("Expected a TimeoutError for req-1, got %#v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Expected call to wait for the timeout, returned after %v", elapsed)
	}
	if c.Pending() != 0 {
		t.Errorf("Expected pending entry to be removed, got %d", c.Pending())
	}

	// The answer arrives after the caller gave up.
	respond(t, c, "phone-1", "req-1", "late")
	if !strings.Contains(logs.String(), "Dropping unmatched response") {
		t.Errorf("Expected late response to be logged, got:\n%s", logs.String())
	}
}

func TestCallUsesDefaultTimeout(t *testing.T) {
	c, _ := newTestCaller(t, newFakeSender("phone-1"), CallerOptions{DefaultTimeout: 30 * time.Millisecond})

	_, err := c.Call(context.Background(), "phone-1", "tap", nil, 0)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if te.After != 30*time.Millisecond {
		t.Errorf("Expected default timeout to apply, got %v", te.After)
	}
}

func TestCallContextCancelled(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, _ := newTestCaller(t, sender, CallerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "phone-1", "tap", nil, time.Minute)
		done <- err
	}()
	sender.next(t)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		if errors.Is(err, ErrTimeout) {
			t.Error("Expected cancellation not to be reported as a timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected call to return after cancel")
	}
	if c.Pending() != 0 {
		t.Errorf("Expected pending entry to be removed, got %d", c.Pending())
	}
}

func TestCallRemoteError(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, _ := newTestCaller(t, sender, CallerOptions{})

	result := callAsync(c, "phone-1", "open_app", map[string]string{"app": "missing"}, time.Second)
	cmd := sender.next(t)
	c.HandleResponse(context.Background(), "phone-1", proto.NewCommandFailure(cmd.RequestID, "APP_NOT_FOUND", "no such app"))

	o := await(t, result)
	if !errors.Is(o.err, ErrRemote) {
		t.Fatalf("Expected ErrRemote, got %v", o.err)
	}
	var re *RemoteError
	if !errors.As(o.err, &re) || re.Code != "APP_NOT_FOUND" || re.Message != "no such app" {
		t.Errorf("Expected remote code and message, got %#v", o.err)
	}
}

func TestCallResolvedByErrorEnvelope(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, _ := newTestCaller(t, sender, CallerOptions{})

	result := callAsync(c, "phone-1", "tap", nil, time.Second)
	cmd := sender.next(t)
	c.HandleResponse(context.Background(), "phone-1", proto.NewError(proto.CodeInvalidMessage, "bad params", cmd.RequestID))

	o := await(t, result)
	var re *RemoteError
	if !errors.As(o.err, &re) || re.Code != proto.CodeInvalidMessage {
		t.Errorf("Expected RemoteError with INVALID_MESSAGE, got %v", o.err)
	}
}

func TestConcurrentCallsResolveOutOfOrder(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, _ := newTestCaller(t, sender, CallerOptions{})

	const n = 5
	results := make(map[string]<-chan callOutcome)
	for i := 0; i < n; i++ {
		cmdName := fmt.Sprintf("cmd-%d", i)
		results[cmdName] = callAsync(c, "phone-1", cmdName, nil, 2*time.Second)
	}

	var cmds []*proto.Command
	for i := 0; i < n; i++ {
		cmds = append(cmds, sender.next(t))
	}
	if c.Pending() != n {
		t.Fatalf("Expected %d pending calls, got %d", n, c.Pending())
	}

	// Answer in reverse order; each caller must get its own command back.
	for i := len(cmds) - 1; i >= 0; i-- {
		respond(t, c, "phone-1", cmds[i].RequestID, cmds[i].Command)
	}
	for name, ch := range results {
		o := await(t, ch)
		if o.err != nil {
			t.Errorf("%s: unexpected error %v", name, o.err)
			continue
		}
		var got string
		json.Unmarshal(o.data, &got)
		if got != name {
			t.Errorf("Expected %s, got %s", name, got)
		}
	}
}

func TestResponseFromOtherDeviceIsIgnored(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, logs := newTestCaller(t, sender, CallerOptions{})

	result := callAsync(c, "phone-1", "tap", nil, time.Second)
	cmd := sender.next(t)

	respond(t, c, "phone-2", cmd.RequestID, "spoofed")
	if c.Pending() != 1 {
		t.Fatalf("Expected call to stay pending, got %d", c.Pending())
	}
	if !strings.Contains(logs.String(), "was not sent to") {
		t.Errorf("Expected a warning, got:\n%s", logs.String())
	}

	respond(t, c, "phone-1", cmd.RequestID, "real")
	if o := await(t, result); string(o.data) != `"real"` {
		t.Errorf("Expected the real answer, got %s (%v)", o.data, o.err)
	}
}

func TestCallerCloseFailsPending(t *testing.T) {
	sender := newFakeSender("phone-1")
	c := NewCaller(sender, CallerOptions{Logger: slog.New(slog.NewTextHandler(&lockedBuffer{}, nil))})

	result := callAsync(c, "phone-1", "tap", nil, time.Minute)
	sender.next(t)

	c.Close(server.ErrServerShutdown)
	o := await(t, result)
	if !errors.Is(o.err, ErrCallerClosed) {
		t.Errorf("Expected ErrCallerClosed, got %v", o.err)
	}
	if !errors.Is(o.err, server.ErrServerShutdown) {
		t.Errorf("Expected the close reason to be wrapped, got %v", o.err)
	}

	if _, err := c.Call(context.Background(), "phone-1", "tap", nil, time.Second); !errors.Is(err, ErrCallerClosed) {
		t.Errorf("Expected new calls to be rejected, got %v", err)
	}
	c.Close(nil)
}

func TestCallAsDecodes(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, _ := newTestCaller(t, sender, CallerOptions{})

	type battery struct {
		Level    int  `json:"level"`
		Charging bool `json:"charging"`
	}
	out := make(chan battery, 1)
	errs := make(chan error, 1)
	go func() {
		b, err := CallAs[battery](context.Background(), c, "phone-1", "battery", nil, time.Second)
		out <- b
		errs <- err
	}()
	cmd := sender.next(t)
	respond(t, c, "phone-1", cmd.RequestID, battery{Level: 80, Charging: true})

	if err := <-errs; err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if b := <-out; b.Level != 80 || !b.Charging {
		t.Errorf("Expected decoded battery, got %+v", b)
	}
}

func TestCallRejectsUnencodableParams(t *testing.T) {
	c, _ := newTestCaller(t, newFakeSender("phone-1"), CallerOptions{})
	_, err := c.Call(context.Background(), "phone-1", "tap", make(chan int), time.Second)
	var se ServiceError
	if !errors.As(err, &se) || se.Code != ErrCodeInvalidInput {
		t.Errorf("Expected INVALID_INPUT, got %v", err)
	}
}

func TestCallerRegisterRoutesResponses(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, _ := newTestCaller(t, sender, CallerOptions{})
	router := server.NewRouter(slog.New(slog.NewTextHandler(&lockedBuffer{}, nil)), nil)
	c.Register(router)

	result := callAsync(c, "phone-1", "tap", nil, time.Second)
	cmd := sender.next(t)
	resp, _ := proto.NewCommandResponse(cmd.RequestID, 1)
	if !router.Dispatch(context.Background(), "phone-1", resp) {
		t.Fatal("Expected the router to have a command_response handler")
	}
	if o := await(t, result); o.err != nil || string(o.data) != "1" {
		t.Errorf("Expected data 1, got %s (%v)", o.data, o.err)
	}
}

// deliverFrame hands a raw device frame to the caller the way the connection
// layer does: only frames that parse are dispatched.
func deliverFrame(c *Caller, deviceID, frame string) error {
	msg, err := proto.Parse([]byte(frame))
	if err != nil {
		return err
	}
	return c.HandleResponse(context.Background(), deviceID, msg)
}

func TestCallFailureFramesNeverResolveAsSuccess(t *testing.T) {
	sender := newFakeSender("phone-1")
	c, _ := newTestCaller(t, sender, CallerOptions{NewRequestID: sequentialIDs()})

	result := callAsync(c, "phone-1", "unlock", nil, time.Second)
	cmd := sender.next(t)
	frame := fmt.Sprintf(`{"type":"command_response","status":"error","request_id":%q,"error":"screen locked","error_code":"LOCKED"}`, cmd.RequestID)
	if err := deliverFrame(c, "phone-1", frame); err != nil {
		t.Fatalf("Expected error response to parse, got %v", err)
	}
	o := await(t, result)
	var re *RemoteError
	if !errors.As(o.err, &re) || re.Code != "LOCKED" || re.Message != "screen locked" {
		t.Fatalf("Expected RemoteError LOCKED, got data=%s err=%v", o.data, o.err)
	}

	frames := []string{
		`{"type":"command_response","status":"failed","request_id":%q,"error":"screen locked"}`,
		`{"type":"command_response","request_id":%q,"error_code":"BUSY"}`,
	}
	for _, f := range frames {
		result := callAsync(c, "phone-1", "unlock", nil, 100*time.Millisecond)
		cmd := sender.next(t)
		var perr *proto.ParseError
		if err := deliverFrame(c, "phone-1", fmt.Sprintf(f, cmd.RequestID)); !errors.As(err, &perr) {
			t.Errorf("Expected a parse error for %s, got %v", f, err)
		}
		o := await(t, result)
		if !errors.Is(o.err, ErrTimeout) {
			t.Errorf("Expected the call to stay unresolved until timeout, got data=%s err=%v", o.data, o.err)
		}
	}
	if c.Pending() != 0 {
		t.Errorf("Expected no pending calls, got %d", c.Pending())
	}
}

func TestTimeoutFromMillis(t *testing.T) {
	tests := []struct {
		ms   float64
		want time.Duration
		ok   bool
	}{
		{0, 0, true},
		{1500, 1500 * time.Millisecond, true},
		{float64(MaxCallTimeout.Milliseconds()), MaxCallTimeout, true},
		{-1, 0, false},
		{float64(MaxCallTimeout.Milliseconds()) + 1, 0, false},
		{9223372036854775807, 0, false},
	}
	for _, tt := range tests {
		got, err := TimeoutFromMillis(tt.ms)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("TimeoutFromMillis(%v): expected %v, got %v (%v)", tt.ms, tt.want, got, err)
			}
			continue
		}
		if !errors.Is(err, ServiceError{Code: ErrCodeInvalidInput}) {
			t.Errorf("TimeoutFromMillis(%v): expected INVALID_INPUT, got %v", tt.ms, err)
		}
	}
}
