package proto

import (
	"encoding/json"
	"time"
)

// Version is the protocol version tag stamped on every envelope built by this package.
const Version = "1.0"

type MessageType string

const (
	TypeServerReady     MessageType = "server_ready"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeHeartbeatAck    MessageType = "heartbeat_ack"
	TypeCommand         MessageType = "command"
	TypeCommandResponse MessageType = "command_response"
	TypeError           MessageType = "error"
	TypeStatusUpdate    MessageType = "status_update"
	TypeNotification    MessageType = "notification"
)

var knownTypes = map[MessageType]struct{}{
	TypeServerReady:     {},
	TypeHeartbeat:       {},
	TypeHeartbeatAck:    {},
	TypeCommand:         {},
	TypeCommandResponse: {},
	TypeError:           {},
	TypeStatusUpdate:    {},
	TypeNotification:    {},
}

// Known reports whether t is one of the message types defined by the protocol.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Error codes produced by the transport itself.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Header holds the fields shared by every variant.
type Header struct {
	Version   string
	Timestamp string // RFC 3339, UTC
	DeviceID  string
}

func (h *Header) Meta() *Header { return h }

// Time parses the header timestamp.
func (h *Header) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, h.Timestamp)
}

// Message is one of the envelope variants below. The set is closed: only this
// package can add implementations.
type Message interface {
	Type() MessageType
	Meta() *Header
	toEnvelope() Envelope
}

type ServerReady struct {
	Header
	Data json.RawMessage
}

type Heartbeat struct {
	Header
	Data json.RawMessage
}

type HeartbeatAck struct {
	Header
	Data json.RawMessage
}

// Command asks a device to perform Command with Params. RequestID and Command
// are always set on a Command obtained from Parse or Build.
type Command struct {
	Header
	RequestID string
	Command   string
	Params    json.RawMessage
}

// CommandResponse answers the Command with the same RequestID. Data is set when
// Status is success, Error/ErrorCode when it is error.
type CommandResponse struct {
	Header
	RequestID string
	Status    Status
	Data      json.RawMessage
	Error     string
	ErrorCode string
}

// Error reports a protocol or handler failure to the peer.
type Error struct {
	Header
	RequestID string
	Code      string
	Message   string
}

type StatusUpdate struct {
	Header
	RequestID string
	Data      json.RawMessage
}

type Notification struct {
	Header
	RequestID string
	Data      json.RawMessage
}

// Unknown is a well-formed envelope whose type is not part of the protocol.
// It exists so the router can hand it to a fallback handler; Validate always
// rejects it.
type Unknown struct {
	Header
	RawType   string
	RequestID string
	Status    Status
	Data      json.RawMessage
}

func (*ServerReady) Type() MessageType     { return TypeServerReady }
func (*Heartbeat) Type() MessageType       { return TypeHeartbeat }
func (*HeartbeatAck) Type() MessageType    { return TypeHeartbeatAck }
func (*Command) Type() MessageType         { return TypeCommand }
func (*CommandResponse) Type() MessageType { return TypeCommandResponse }
func (*Error) Type() MessageType           { return TypeError }
func (*StatusUpdate) Type() MessageType    { return TypeStatusUpdate }
func (*Notification) Type() MessageType    { return TypeNotification }
func (u *Unknown) Type() MessageType       { return MessageType(u.RawType) }

// RequestID returns the request id carried by m, or "" if the variant has none.
func RequestID(m Message) string {
	switch v := m.(type) {
	case *Command:
		return v.RequestID
	case *CommandResponse:
		return v.RequestID
	case *Error:
		return v.RequestID
	case *StatusUpdate:
		return v.RequestID
	case *Notification:
		return v.RequestID
	case *Unknown:
		return v.RequestID
	}
	return ""
}

var (
	_ Message = (*ServerReady)(nil)
	_ Message = (*Heartbeat)(nil)
	_ Message = (*HeartbeatAck)(nil)
	_ Message = (*Command)(nil)
	_ Message = (*CommandResponse)(nil)
	_ Message = (*Error)(nil)
	_ Message = (*StatusUpdate)(nil)
	_ Message = (*Notification)(nil)
	_ Message = (*Unknown)(nil)
)
