package main

import (
	"log/slog"
	"os"

	"github.com/mbocsi/devicelink/internal/config"
	"github.com/mbocsi/devicelink/internal/logctx"
)

// newLogger writes to stderr so stdout stays free for the MCP stdio transport.
func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(logctx.Handler{Handler: handler})
	slog.SetDefault(logger)
	return logger
}
