package services

import (
	"context"
	"encoding/json"
	"time"
)

// DeviceService handles device-related operations
type DeviceService interface {
	ListDevices() ([]DeviceInfo, error)
	GetDevice(id string) (*DeviceInfo, error)
	IsDeviceConnected(id string) (bool, error)
	DisconnectDevice(id string) error
}

// CallService sends commands to devices and waits for their responses.
type CallService interface {
	Call(ctx context.Context, deviceID, command string, params any, timeout time.Duration) (json.RawMessage, error)
}

// TransportService handles transport information
type TransportService interface {
	ListTransports() ([]TransportInfo, error)
	GetTransport(index int) (*TransportInfo, error)
	GetTransportStats() (map[string]any, error)
}

// ServiceContainer holds all service implementations
type ServiceContainer struct {
	Device    DeviceService
	Calls     CallService
	Transport TransportService
}

var _ CallService = (*Caller)(nil)
