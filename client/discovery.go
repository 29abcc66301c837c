package client

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/mbocsi/devicelink/server"
)

// DiscoveredService is a devicelink server found over mDNS.
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	Path        string
	TXTRecords  []string
}

// URL is the WebSocket endpoint to pass to Run.
func (s *DiscoveredService) URL() string {
	path := s.Path
	if path == "" {
		path = server.DefaultWSPath
	}
	return "ws://" + net.JoinHostPort(s.Address, strconv.Itoa(s.Port)) + path
}

// DiscoverWebSocketService returns the first devicelink WebSocket endpoint
// that answers within timeout.
func DiscoverWebSocketService(timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	go func() {
		defer close(entriesCh)
		params := mdns.DefaultParams(server.WebSocketServiceType)
		params.Entries = entriesCh
		params.Timeout = timeout
		params.DisableIPv6 = true
		if err := mdns.Query(params); err != nil {
			slog.Debug("mDNS query failed", "error", err)
		}
	}()
	defer func() {
		go func() {
			for range entriesCh {
			}
		}()
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", server.WebSocketServiceType)
		}
		return newDiscoveredService(entry)
	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", server.WebSocketServiceType)
	}
}

func newDiscoveredService(entry *mdns.ServiceEntry) (*DiscoveredService, error) {
	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		return nil, fmt.Errorf("no valid address found for service %s", entry.Name)
	}

	service := &DiscoveredService{
		ServiceName: entry.Name,
		Address:     address,
		Port:        entry.Port,
		TXTRecords:  entry.InfoFields,
	}
	for _, field := range entry.InfoFields {
		if path, ok := strings.CutPrefix(field, "path="); ok {
			service.Path = path
		}
	}

	slog.Info("Discovered devicelink server",
		"service_name", service.ServiceName,
		"address", service.Address,
		"port", service.Port,
		"path", service.Path,
	)
	return service, nil
}
