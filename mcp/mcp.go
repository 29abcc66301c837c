package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mbocsi/devicelink/services"
)

// Version is reported to MCP clients during initialisation.
const Version = "0.1.0"

// MCPServer exposes device calls as MCP tools over stdio.
type MCPServer struct {
	Server   *server.MCPServer
	services *services.ServiceContainer
	log      *slog.Logger
}

func NewMCPServer(svc *services.ServiceContainer, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		Server:   server.NewMCPServer("devicelink", Version, server.WithToolCapabilities(false)),
		services: svc,
		log:      logger,
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdin/stdout until stdin closes.
func (s *MCPServer) Run() error {
	s.log.Info("Started stdio MCP server")
	defer func() {
		s.log.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}
