package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mbocsi/devicelink/broker"
	"github.com/mbocsi/devicelink/broker/memory"
	redisbroker "github.com/mbocsi/devicelink/broker/redis"
	"github.com/mbocsi/devicelink/internal/config"
	"github.com/mbocsi/devicelink/mcp"
	"github.com/mbocsi/devicelink/server"
	"github.com/mbocsi/devicelink/services"
	"github.com/mbocsi/devicelink/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept device connections and serve the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(ctx, config.LoadOptions{File: configFile, EnvFile: envFile})
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	events, closeEvents, err := newEventBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeEvents()

	var advertiser *server.Advertiser
	if cfg.MDNS {
		port, err := listenPort(cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("mdns: %w", err)
		}
		advertiser = server.NewAdvertiser(port, cfg.WSPath)
	}

	srv := server.New(server.Options{
		Registry: server.RegistryOptions{
			QueueSize:         cfg.QueueSize,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
		Events:     events,
		Logger:     log,
		Metrics:    metrics,
		MaxDevices: cfg.MaxDevices,
		Advertiser: advertiser,
		OnConnState: func(ev server.ConnEvent) {
			log.Debug("Connection state", "remote_addr", ev.RemoteAddr, "device_id", ev.DeviceID, "state", ev.State.String())
		},
	})

	ws := server.NewWSTransport(cfg.ListenAddr, server.WSOptions{
		Path:            cfg.WSPath,
		DeviceHeader:    cfg.DeviceHeader,
		MaxMessageBytes: cfg.MaxMessageBytes,
		WriteTimeout:    cfg.WriteTimeout,
		Logger:          log,
	})
	ws.SetName("Device WebSocket")
	srv.RegisterTransport(ws)
	srv.MountAdmin(ws.Router(), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if cfg.TCPAddr != "" {
		tcp := server.NewTCPTransport(cfg.TCPAddr, server.TCPOptions{
			ReusePort:       cfg.ReusePort,
			MaxMessageBytes: int(cfg.MaxMessageBytes),
			WriteTimeout:    cfg.WriteTimeout,
			IdentifyTimeout: cfg.HeartbeatInterval,
			Logger:          log,
		})
		tcp.SetName("Device TCP")
		srv.RegisterTransport(tcp)
	}

	caller := services.NewCaller(srv.Registry(), services.CallerOptions{
		DefaultTimeout: cfg.CallTimeout,
		Logger:         log,
		Metrics:        metrics,
	})
	caller.Register(srv.Router())
	srv.AttachCaller(caller)

	container := services.NewServiceContainer(srv, caller)
	web.NewAPI(container, log).Mount(ws.Router())

	if cfg.MCPStdio {
		mcpServer := mcp.NewMCPServer(container, log)
		go func() {
			if err := mcpServer.Run(); err != nil {
				log.Error("MCP server stopped", "error", err)
			}
		}()
	}

	log.Info("Starting devicelink",
		"listen_addr", cfg.ListenAddr,
		"ws_path", cfg.WSPath,
		"tcp_addr", cfg.TCPAddr,
		"event_backend", cfg.EventBackend,
		"heartbeat_interval", cfg.HeartbeatInterval,
	)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

func newEventBroker(ctx context.Context, cfg *config.Config, log *slog.Logger) (broker.Broker, func(), error) {
	switch cfg.EventBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		b := redisbroker.New(redisbroker.Config{Client: client, KeyPrefix: cfg.RedisPrefix, MaxLen: cfg.RedisStreamMaxLen})
		return b, func() {
			if err := b.Close(); err != nil {
				log.Debug("Closing redis client failed", "error", err)
			}
		}, nil
	case "memory", "":
		return memory.New(memory.DefaultHistory), func() {}, nil
	}
	return nil, nil, errors.New("unknown event backend " + cfg.EventBackend)
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
