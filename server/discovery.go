package server

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/mdns"
)

// WebSocketServiceType is the mDNS service devices browse for.
const WebSocketServiceType = "_devicelink-ws._tcp"

// Advertiser announces the WebSocket endpoint on the local network.
type Advertiser struct {
	Instance string
	Port     int
	Path     string

	server *mdns.Server
}

func NewAdvertiser(port int, path string) *Advertiser {
	host, _ := os.Hostname()
	if host == "" {
		host = "devicelink"
	}
	return &Advertiser{Instance: host, Port: port, Path: path}
}

func (a *Advertiser) Start() error {
	info := []string{"path=" + a.Path, "transport=websocket"}
	service, err := mdns.NewMDNSService(a.Instance, WebSocketServiceType, "", "", a.Port, nil, info)
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}
	a.server = server
	slog.Info("Advertising WebSocket endpoint over mDNS", "service", WebSocketServiceType, "instance", a.Instance, "port", a.Port)
	return nil
}

func (a *Advertiser) Shutdown() error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}
