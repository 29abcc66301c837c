package proto

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func fixedClock(t *testing.T) {
	t.Helper()
	prev := Now
	Now = func() time.Time { return time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC) }
	t.Cleanup(func() { Now = prev })
}

func mustMsg[T Message](t *testing.T, m T, err error) Message {
	t.Helper()
	if err != nil {
		t.Fatalf("Failed to build message: %v", err)
	}
	return m
}

func TestParseRoundTrip(t *testing.T) {
	fixedClock(t)

	cmd, err := NewCommand("r1", "tap_by_index", map[string]any{"index": 5})
	cmdMsg := mustMsg(t, cmd, err)
	noParams, err := NewCommand("r2", "screenshot", nil)
	noParamsMsg := mustMsg(t, noParams, err)
	resp, err := NewCommandResponse("r1", map[string]string{"message": "ok"})
	respMsg := mustMsg(t, resp, err)
	ready, err := NewServerReady("dev1", map[string]int{"heartbeat_interval": 30})
	readyMsg := mustMsg(t, ready, err)
	status, err := NewStatusUpdate("dev1", map[string]any{"battery": 87, "screen": "on"})
	statusMsg := mustMsg(t, status, err)
	note, err := NewNotification("", []string{"a", "b"})
	noteMsg := mustMsg(t, note, err)
	built, err := Build(TypeCommand, WithRequestID("r3"), WithDeviceID("dev9"),
		WithData(CommandData{Command: "swipe", Params: json.RawMessage(`{ "dir" : "up" }`)}))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	tests := []struct {
		name string
		msg  Message
	}{
		{"command", cmdMsg},
		{"command without params", noParamsMsg},
		{"built command", built},
		{"command response", respMsg},
		{"command failure", NewCommandFailure("r4", "DEVICE_BUSY", "screen locked")},
		{"error", NewError(CodeInvalidMessage, "malformed JSON", "")},
		{"error with request", NewError(CodeInternalError, "boom", "r5")},
		{"server ready", readyMsg},
		{"heartbeat", NewHeartbeat("dev1")},
		{"heartbeat ack", NewHeartbeatAck("dev1")},
		{"status update", statusMsg},
		{"notification", noteMsg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.msg); err != nil {
				t.Fatalf("Expected valid message, got %v", err)
			}
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			parsed, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse failed: %v (%s)", err, data)
			}
			if !reflect.DeepEqual(parsed, tt.msg) {
				t.Errorf("Round trip mismatch\n got: %#v\nwant: %#v", parsed, tt.msg)
			}
		})
	}
}

func TestEncodeWireShape(t *testing.T) {
	fixedClock(t)

	cmd, err := NewCommand("r1", "tap_by_index", map[string]int{"index": 5})
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(cmd)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"version":      Version,
		"type":         "command",
		"timestamp":    "2025-03-14T09:26:53.589793Z",
		"status":       "success",
		"request_id":   "r1",
		"data.command": "tap_by_index",
		"data.params":  `{"index":5}`,
	}
	for path, expected := range want {
		got := gjson.GetBytes(data, path)
		if path == "data.params" {
			if got.Raw != expected {
				t.Errorf("Expected %s=%s, got %s", path, expected, got.Raw)
			}
			continue
		}
		if got.String() != expected {
			t.Errorf("Expected %s=%q, got %q", path, expected, got.String())
		}
	}
	if gjson.GetBytes(data, "error").Exists() {
		t.Error("Expected no error field on a successful command")
	}

	failure, err := Encode(NewCommandFailure("r1", "NOPE", "denied"))
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(failure, "data").Exists() {
		t.Error("Expected no data on a failed response")
	}
	if s := gjson.GetBytes(failure, "status").String(); s != "error" {
		t.Errorf("Expected status error, got %q", s)
	}
	if c := gjson.GetBytes(failure, "error_code").String(); c != "NOPE" {
		t.Errorf("Expected error_code NOPE, got %q", c)
	}
}

func TestParseRejectsInvalidFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"empty", ``},
		{"garbage", `not json`},
		{"truncated", `{"type":"heartbeat"`},
		{"array", `[1,2,3]`},
		{"missing type", `{"version":"1.0","status":"success"}`},
		{"empty type", `{"type":""}`},
		{"numeric type", `{"type":7}`},
		{"command without request id", `{"type":"command","data":{"command":"tap"}}`},
		{"command without data", `{"type":"command","request_id":"r1"}`},
		{"command without command name", `{"type":"command","request_id":"r1","data":{"params":{}}}`},
		{"command with non-string name", `{"type":"command","request_id":"r1","data":{"command":3}}`},
		{"response without request id", `{"type":"command_response","status":"success","data":{}}`},
		{"response with unknown status", `{"type":"command_response","request_id":"r1","status":"failed","error":"screen locked"}`},
		{"response without status", `{"type":"command_response","request_id":"r1","error_code":"BUSY"}`},
		{"response with non-string status", `{"type":"command_response","request_id":"r1","status":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.frame))
			if err == nil {
				t.Fatalf("Expected parse error, got %#v", msg)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("Expected *ParseError, got %T", err)
			}
			if perr.Code() != CodeInvalidMessage {
				t.Errorf("Expected code %s, got %s", CodeInvalidMessage, perr.Code())
			}
		})
	}
}

func TestParseUnknownType(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"not_a_real_type","request_id":"x1","data":{"a":1}}`))
	if err != nil {
		t.Fatalf("Expected unknown type to parse, got %v", err)
	}
	u, ok := msg.(*Unknown)
	if !ok {
		t.Fatalf("Expected *Unknown, got %T", msg)
	}
	if u.Type() != "not_a_real_type" {
		t.Errorf("Expected raw type to be preserved, got %q", u.Type())
	}
	if RequestID(u) != "x1" {
		t.Errorf("Expected request id x1, got %q", RequestID(u))
	}

	var verr *ValidationError
	if err := Validate(msg); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for unknown type, got %v", err)
	}
}

func TestParseNullData(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"status_update","data":null}`))
	if err != nil {
		t.Fatal(err)
	}
	if su := msg.(*StatusUpdate); su.Data != nil {
		t.Errorf("Expected null data to decode as nil, got %s", su.Data)
	}
}

func TestParseErrorResponseIgnoresData(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"command_response","request_id":"r1","status":"error","error":"boom","error_code":"E1","data":{"x":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp := msg.(*CommandResponse)
	if resp.Status != StatusError || resp.Error != "boom" || resp.ErrorCode != "E1" {
		t.Errorf("Unexpected response: %#v", resp)
	}
	if resp.Data != nil {
		t.Error("Expected data to be dropped on an error response")
	}
}

func TestBuild(t *testing.T) {
	if _, err := Build(TypeCommand, WithData(CommandData{Command: "tap"})); err == nil {
		t.Error("Expected command without request id to fail")
	}
	if _, err := Build(TypeCommandResponse, WithData(map[string]any{})); err == nil {
		t.Error("Expected command_response without request id to fail")
	}
	if _, err := Build("bogus"); err == nil {
		t.Error("Expected unknown type to fail")
	}
	if _, err := Build(TypeError); err == nil {
		t.Error("Expected error envelope without code to fail")
	}

	msg, err := Build(TypeCommandResponse, WithRequestID("r1"), WithError("E", "bad"))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	resp := msg.(*CommandResponse)
	if resp.Status != StatusError || resp.ErrorCode != "E" || resp.Error != "bad" {
		t.Errorf("Unexpected response: %#v", resp)
	}

	msg, err = Build(TypeHeartbeat, WithDeviceID("dev1"))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Meta().DeviceID != "dev1" || msg.Meta().Version != Version {
		t.Errorf("Unexpected header: %#v", msg.Meta())
	}
	if _, err := msg.Meta().Time(); err != nil {
		t.Errorf("Expected RFC 3339 timestamp, got %q", msg.Meta().Timestamp)
	}
}

func TestParsedMessagesRoundTrip(t *testing.T) {
	frames := []struct {
		name   string
		frame  string
		params string
	}{
		{
			name:   "spaced params",
			frame:  `{"type":"command","request_id":"r1","status":"success","data":{ "command" : "tap", "params" : { "index" : 5 } }}`,
			params: `{"index":5}`,
		},
		{
			name:   "extra data keys",
			frame:  `{"type":"command","request_id":"r2","status":"success","data":{"command":"type_text","params":{"text":"<b>&</b>"},"trace":"x"}}`,
			params: `{"text":"<b>&</b>"}`,
		},
		{
			name:  "spaced status data",
			frame: "{\"type\":\"status_update\",\"status\":\"success\",\"data\":{\n  \"battery\": 80,\n  \"app\": \"<home>\"\n}}",
		},
	}

	for _, tt := range frames {
		t.Run(tt.name, func(t *testing.T) {
			first, err := Parse([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if cmd, ok := first.(*Command); ok && string(cmd.Params) != tt.params {
				t.Errorf("Expected params %s, got %s", tt.params, cmd.Params)
			}
			data, err := Encode(first)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			second, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse of encoded frame failed: %v (%s)", err, data)
			}
			if !reflect.DeepEqual(first, second) {
				t.Errorf("Round trip mismatch\n got: %#v\nwant: %#v", second, first)
			}
		})
	}
}
