package services

import (
	"fmt"
	"time"
)

// DeviceInfo is the service-layer view of a connected device.
type DeviceInfo struct {
	ID            string    `json:"id"`
	Protocol      string    `json:"protocol"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Queued        int       `json:"queued"`
	Dropped       uint64    `json:"dropped"`
	Connected     bool      `json:"connected"`
}

// TransportInfo represents transport connection information
type TransportInfo struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Address string `json:"address"`
	Status  string `json:"status"`
}

// ServiceError represents structured service layer errors. Two ServiceErrors
// match under errors.Is when their codes are equal.
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"cause,omitempty"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error { return e.Cause }

func (e ServiceError) Is(target error) bool {
	t, ok := target.(ServiceError)
	return ok && t.Code == e.Code
}

// Common error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodeUnavailable  = "DEVICE_UNAVAILABLE"
	ErrCodeRemote       = "REMOTE_ERROR"
	ErrCodeClosed       = "CALLER_CLOSED"
)

// Sentinels for errors.Is.
var (
	ErrDeviceUnavailable = ServiceError{Code: ErrCodeUnavailable, Message: "device unavailable"}
	ErrTimeout           = ServiceError{Code: ErrCodeTimeout, Message: "call timed out"}
	ErrRemote            = ServiceError{Code: ErrCodeRemote, Message: "device returned an error"}
	ErrCallerClosed      = ServiceError{Code: ErrCodeClosed, Message: "caller closed"}
	ErrNotFound          = ServiceError{Code: ErrCodeNotFound, Message: "not found"}
)

// TimeoutError is returned when a device does not answer a call in time.
type TimeoutError struct {
	DeviceID  string
	Command   string
	RequestID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s to device %s timed out after %v (request %s)", e.Command, e.DeviceID, e.After, e.RequestID)
}

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Is(target error) bool {
	t, ok := target.(ServiceError)
	return ok && t.Code == ErrCodeTimeout
}

// RemoteError carries a failed command_response, or an error envelope the
// device sent for the request.
type RemoteError struct {
	DeviceID  string
	RequestID string
	Code      string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("device %s: %s (%s)", e.DeviceID, e.Message, e.Code)
	}
	return fmt.Sprintf("device %s: %s", e.DeviceID, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	t, ok := target.(ServiceError)
	return ok && t.Code == ErrCodeRemote
}
