package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Now is the clock used to stamp envelopes. Tests may replace it.
var Now = func() time.Time { return time.Now() }

// Option customises a message produced by Build.
type Option func(*Envelope) error

// WithData sets the data payload. v is marshalled with encoding/json; a
// json.RawMessage is compacted but otherwise kept as is.
func WithData(v any) Option {
	return func(env *Envelope) error {
		if v == nil {
			env.Data = nil
			return nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
		env.Data = raw
		return nil
	}
}

func WithRequestID(id string) Option {
	return func(env *Envelope) error {
		env.RequestID = id
		return nil
	}
}

func WithDeviceID(id string) Option {
	return func(env *Envelope) error {
		env.DeviceID = id
		return nil
	}
}

// WithError marks the message as failed with the given machine code and
// human readable message.
func WithError(code, message string) Option {
	return func(env *Envelope) error {
		env.Status = StatusError
		env.ErrorCode = code
		env.Error = message
		env.Data = nil
		return nil
	}
}

// Build constructs a message of type t. The result passes Validate or an
// error is returned.
func Build(t MessageType, opts ...Option) (Message, error) {
	if !t.Known() {
		return nil, &ValidationError{Type: t, Reason: "unknown message type"}
	}
	env := Envelope{
		Version:   Version,
		Type:      t,
		Timestamp: timestamp(),
		Status:    StatusSuccess,
	}
	for _, opt := range opts {
		if err := opt(&env); err != nil {
			return nil, err
		}
	}
	msg, err := FromEnvelope(env)
	if err != nil {
		return nil, err
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewCommand builds a command envelope for the given request id.
func NewCommand(requestID, command string, params any) (*Command, error) {
	if requestID == "" {
		return nil, &ValidationError{Type: TypeCommand, Reason: "request_id is required"}
	}
	if command == "" {
		return nil, &ValidationError{Type: TypeCommand, Reason: "data.command is required"}
	}
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		if !isNull(b) {
			raw = b
		}
	}
	return &Command{Header: newHeader(""), RequestID: requestID, Command: command, Params: raw}, nil
}

// NewCommandResponse builds a successful reply carrying data.
func NewCommandResponse(requestID string, data any) (*CommandResponse, error) {
	resp := &CommandResponse{Header: newHeader(""), RequestID: requestID, Status: StatusSuccess}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		if !isNull(raw) {
			resp.Data = raw
		}
	}
	return resp, nil
}

// NewCommandFailure builds a failed reply.
func NewCommandFailure(requestID, code, message string) *CommandResponse {
	return &CommandResponse{
		Header:    newHeader(""),
		RequestID: requestID,
		Status:    StatusError,
		Error:     message,
		ErrorCode: code,
	}
}

// NewError builds an error envelope. requestID may be empty.
func NewError(code, message, requestID string) *Error {
	return &Error{Header: newHeader(""), RequestID: requestID, Code: code, Message: message}
}

func NewServerReady(deviceID string, data any) (*ServerReady, error) {
	raw, err := marshalOptional(data)
	if err != nil {
		return nil, err
	}
	return &ServerReady{Header: newHeader(deviceID), Data: raw}, nil
}

func NewHeartbeat(deviceID string) *Heartbeat {
	return &Heartbeat{Header: newHeader(deviceID)}
}

func NewHeartbeatAck(deviceID string) *HeartbeatAck {
	return &HeartbeatAck{Header: newHeader(deviceID)}
}

func NewStatusUpdate(deviceID string, data any) (*StatusUpdate, error) {
	raw, err := marshalOptional(data)
	if err != nil {
		return nil, err
	}
	return &StatusUpdate{Header: newHeader(deviceID), Data: raw}, nil
}

func NewNotification(deviceID string, data any) (*Notification, error) {
	raw, err := marshalOptional(data)
	if err != nil {
		return nil, err
	}
	return &Notification{Header: newHeader(deviceID), Data: raw}, nil
}

func newHeader(deviceID string) Header {
	return Header{Version: Version, Timestamp: timestamp(), DeviceID: deviceID}
}

func timestamp() string {
	return Now().UTC().Format(time.RFC3339Nano)
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	if isNull(raw) {
		return nil, nil
	}
	return raw, nil
}
