package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/devicelink/services"
)

func (s *MCPServer) registerTools() {
	s.Server.AddTool(mcp.NewTool("list_devices",
		mcp.WithDescription("List the mobile devices currently connected"),
	), s.handleListDevices)

	s.Server.AddTool(mcp.NewTool("get_device",
		mcp.WithDescription("Show connection details for one device"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device identifier"),
		),
	), s.handleGetDevice)

	s.Server.AddTool(mcp.NewTool("call_device",
		mcp.WithDescription("Run an automation command on a device and wait for its response"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device identifier"),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Command name, e.g. tap or screenshot"),
		),
		mcp.WithObject("params",
			mcp.Description("Command parameters as an object or a JSON-encoded string"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("How long to wait for the device, in milliseconds"),
		),
	), s.handleCallDevice)

	s.Server.AddTool(mcp.NewTool("list_transports",
		mcp.WithDescription("List the listeners devices can connect through"),
	), s.handleListTransports)
}

func (s *MCPServer) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.services.Device.ListDevices()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error listing devices: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *MCPServer) handleGetDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("device_id")
	if err != nil {
		return mcp.NewToolResultError("device_id is required and must be a string"), nil
	}
	device, err := s.services.Device.GetDevice(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(device)
}

func (s *MCPServer) handleCallDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID, err := request.RequireString("device_id")
	if err != nil {
		return mcp.NewToolResultError("device_id is required and must be a string"), nil
	}
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required and must be a string"), nil
	}

	var params any
	if args, ok := request.GetRawArguments().(map[string]any); ok {
		params = args["params"]
	}
	if raw, ok := params.(string); ok {
		params, err = decodeParams(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	timeout, err := services.TimeoutFromMillis(request.GetFloat("timeout_ms", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := s.services.Calls.Call(ctx, deviceID, command, params, timeout)
	if err != nil {
		s.log.WarnContext(ctx, "MCP device call failed", "device_id", deviceID, "command", command, "error", err)
		return mcp.NewToolResultError(describeCallError(err)), nil
	}
	if len(data) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("%s on %s succeeded", command, deviceID)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *MCPServer) handleListTransports(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	transports, err := s.services.Transport.ListTransports()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error listing transports: %v", err)), nil
	}
	return jsonResult(transports)
}

// decodeParams accepts params passed as a JSON-encoded string.
func decodeParams(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return v, nil
}

func describeCallError(err error) string {
	var remote *services.RemoteError
	switch {
	case errors.As(err, &remote):
		return fmt.Sprintf("device error %s: %s", remote.Code, remote.Message)
	case errors.Is(err, services.ErrTimeout):
		return "timed out: " + err.Error()
	case errors.Is(err, services.ErrDeviceUnavailable):
		return "device unavailable: " + err.Error()
	}
	return err.Error()
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
