package services

import (
	"github.com/mbocsi/devicelink/server"
)

// NewServiceContainer wires the services over a running server and its caller.
func NewServiceContainer(srv *server.Server, caller *Caller) *ServiceContainer {
	return &ServiceContainer{
		Device:    NewDeviceService(srv.Registry()),
		Calls:     caller,
		Transport: NewTransportService(srv.Transports()),
	}
}
