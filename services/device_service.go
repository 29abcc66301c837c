package services

import (
	"github.com/mbocsi/devicelink/server"
)

// DeviceServiceImpl implements DeviceService
type DeviceServiceImpl struct {
	registry *server.SessionRegistry
}

func NewDeviceService(registry *server.SessionRegistry) DeviceService {
	return &DeviceServiceImpl{
		registry: registry,
	}
}

// ListDevices returns every device with an active session, ordered by id.
func (ds *DeviceServiceImpl) ListDevices() ([]DeviceInfo, error) {
	sessions := ds.registry.List()
	result := make([]DeviceInfo, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, convertSession(sess))
	}
	return result, nil
}

func (ds *DeviceServiceImpl) GetDevice(id string) (*DeviceInfo, error) {
	sess, ok := ds.registry.Get(id)
	if !ok {
		return nil, ServiceError{
			Code:    ErrCodeNotFound,
			Message: "Device not found: " + id,
		}
	}
	info := convertSession(sess)
	return &info, nil
}

func (ds *DeviceServiceImpl) IsDeviceConnected(id string) (bool, error) {
	_, ok := ds.registry.Get(id)
	return ok, nil
}

// DisconnectDevice closes the device's session. The device may reconnect.
func (ds *DeviceServiceImpl) DisconnectDevice(id string) error {
	if _, ok := ds.registry.Get(id); !ok {
		return ServiceError{
			Code:    ErrCodeNotFound,
			Message: "Device not found: " + id,
		}
	}
	ds.registry.Unregister(id)
	return nil
}
