package proto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Envelope is the JSON wire shape shared by every message type.
type Envelope struct {
	Version   string          `json:"version"`
	Type      MessageType     `json:"type"`
	Timestamp string          `json:"timestamp"`
	Status    Status          `json:"status"`
	RequestID string          `json:"request_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// CommandData is the data payload of a command envelope.
type CommandData struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ParseError is returned by Parse for frames that cannot become a Message.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "invalid message: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid message: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Code is the protocol error code a peer should receive for this failure.
func (e *ParseError) Code() string { return CodeInvalidMessage }

// ValidationError describes a message that is well-formed JSON but breaks a
// protocol rule.
type ValidationError struct {
	Type   MessageType
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

// Encode serialises m into its JSON wire form.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	return marshal(m.toEnvelope())
}

// marshal is json.Marshal without HTML escaping, so payload bytes a device
// sent come back out unchanged.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Parse decodes a single frame. It never panics; every failure is a *ParseError.
//
// Frames with a syntactically valid but unrecognised type decode to *Unknown so
// that routing can decide what to do with them.
//
// The frame is compacted first, so raw payloads carry no insignificant
// whitespace and Parse(Encode(m)) equals m for any parsed m. Keys in a
// command's data other than command and params are not kept.
func Parse(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if !gjson.ValidBytes(data) {
		return nil, &ParseError{Reason: "malformed JSON"}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, &ParseError{Reason: "malformed JSON", Err: err}
	}
	data = compact.Bytes()
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &ParseError{Reason: "envelope must be a JSON object"}
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.String() == "" {
		return nil, &ParseError{Reason: "missing type", Err: &ValidationError{Reason: "type is required"}}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Reason: "malformed envelope", Err: err}
	}
	return FromEnvelope(env)
}

// FromEnvelope converts a decoded wire envelope into its typed variant,
// enforcing the per-type required fields.
func FromEnvelope(env Envelope) (Message, error) {
	if isNull(env.Data) {
		env.Data = nil
	}
	h := Header{Version: env.Version, Timestamp: env.Timestamp, DeviceID: env.DeviceID}

	switch env.Type {
	case TypeServerReady:
		return &ServerReady{Header: h, Data: env.Data}, nil
	case TypeHeartbeat:
		return &Heartbeat{Header: h, Data: env.Data}, nil
	case TypeHeartbeatAck:
		return &HeartbeatAck{Header: h, Data: env.Data}, nil
	case TypeCommand:
		cmd := &Command{Header: h, RequestID: env.RequestID}
		if cmd.RequestID == "" {
			return nil, invalid(env.Type, "request_id is required")
		}
		name := gjson.GetBytes(env.Data, "command")
		if name.Type != gjson.String || name.String() == "" {
			return nil, invalid(env.Type, "data.command is required")
		}
		var cd CommandData
		if err := json.Unmarshal(env.Data, &cd); err != nil {
			return nil, &ParseError{Reason: "malformed command data", Err: err}
		}
		cmd.Command = cd.Command
		if !isNull(cd.Params) {
			cmd.Params = cd.Params
		}
		return cmd, nil
	case TypeCommandResponse:
		if env.RequestID == "" {
			return nil, invalid(env.Type, "request_id is required")
		}
		resp := &CommandResponse{Header: h, RequestID: env.RequestID, Status: env.Status}
		switch resp.Status {
		case StatusError:
			resp.Error = env.Error
			resp.ErrorCode = env.ErrorCode
		case StatusSuccess:
			resp.Data = env.Data
		default:
			return nil, invalid(env.Type, fmt.Sprintf("status must be %q or %q, got %q", StatusSuccess, StatusError, env.Status))
		}
		return resp, nil
	case TypeError:
		return &Error{Header: h, RequestID: env.RequestID, Code: env.ErrorCode, Message: env.Error}, nil
	case TypeStatusUpdate:
		return &StatusUpdate{Header: h, RequestID: env.RequestID, Data: env.Data}, nil
	case TypeNotification:
		return &Notification{Header: h, RequestID: env.RequestID, Data: env.Data}, nil
	case "":
		return nil, invalid("", "type is required")
	default:
		return &Unknown{Header: h, RawType: string(env.Type), RequestID: env.RequestID, Status: env.Status, Data: env.Data}, nil
	}
}

// Validate checks m against the protocol rules. A nil result means m may be
// sent as is.
func Validate(m Message) error {
	switch v := m.(type) {
	case nil:
		return &ValidationError{Reason: "message is nil"}
	case *Unknown:
		return &ValidationError{Type: v.Type(), Reason: "unknown message type"}
	case *Command:
		if v.RequestID == "" {
			return &ValidationError{Type: TypeCommand, Reason: "request_id is required"}
		}
		if v.Command == "" {
			return &ValidationError{Type: TypeCommand, Reason: "data.command is required"}
		}
	case *CommandResponse:
		if v.RequestID == "" {
			return &ValidationError{Type: TypeCommandResponse, Reason: "request_id is required"}
		}
		if v.Status != StatusSuccess && v.Status != StatusError {
			return &ValidationError{Type: TypeCommandResponse, Reason: fmt.Sprintf("invalid status %q", v.Status)}
		}
	case *Error:
		if v.Code == "" {
			return &ValidationError{Type: TypeError, Reason: "error_code is required"}
		}
	}
	return nil
}

func invalid(t MessageType, reason string) *ParseError {
	return &ParseError{Reason: reason, Err: &ValidationError{Type: t, Reason: reason}}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func (m *ServerReady) toEnvelope() Envelope {
	return m.Header.envelope(TypeServerReady, StatusSuccess, "", m.Data)
}

func (m *Heartbeat) toEnvelope() Envelope {
	return m.Header.envelope(TypeHeartbeat, StatusSuccess, "", m.Data)
}

func (m *HeartbeatAck) toEnvelope() Envelope {
	return m.Header.envelope(TypeHeartbeatAck, StatusSuccess, "", m.Data)
}

func (m *Command) toEnvelope() Envelope {
	data, _ := marshal(CommandData{Command: m.Command, Params: m.Params})
	return m.Header.envelope(TypeCommand, StatusSuccess, m.RequestID, data)
}

func (m *CommandResponse) toEnvelope() Envelope {
	if m.Status == StatusError {
		env := m.Header.envelope(TypeCommandResponse, StatusError, m.RequestID, nil)
		env.Error = m.Error
		env.ErrorCode = m.ErrorCode
		return env
	}
	return m.Header.envelope(TypeCommandResponse, StatusSuccess, m.RequestID, m.Data)
}

func (m *Error) toEnvelope() Envelope {
	env := m.Header.envelope(TypeError, StatusError, m.RequestID, nil)
	env.Error = m.Message
	env.ErrorCode = m.Code
	return env
}

func (m *StatusUpdate) toEnvelope() Envelope {
	return m.Header.envelope(TypeStatusUpdate, StatusSuccess, m.RequestID, m.Data)
}

func (m *Notification) toEnvelope() Envelope {
	return m.Header.envelope(TypeNotification, StatusSuccess, m.RequestID, m.Data)
}

func (m *Unknown) toEnvelope() Envelope {
	status := m.Status
	if status == "" {
		status = StatusSuccess
	}
	return m.Header.envelope(MessageType(m.RawType), status, m.RequestID, m.Data)
}

func (h *Header) envelope(t MessageType, status Status, requestID string, data json.RawMessage) Envelope {
	return Envelope{
		Version:   h.Version,
		Type:      t,
		Timestamp: h.Timestamp,
		Status:    status,
		RequestID: requestID,
		DeviceID:  h.DeviceID,
		Data:      data,
	}
}
