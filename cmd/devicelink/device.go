package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mbocsi/devicelink/client"
	"github.com/mbocsi/devicelink/internal/config"
	"github.com/spf13/cobra"
)

var (
	deviceID       string
	deviceAddr     string
	deviceProtocol string
	statusEvery    time.Duration
	reconnectDelay time.Duration
)

func init() {
	flags := deviceCmd.Flags()
	flags.StringVar(&deviceID, "id", "", "Device id to connect as (required)")
	flags.StringVar(&deviceAddr, "addr", "", "Server address; discovered over mDNS when empty")
	flags.StringVar(&deviceProtocol, "protocol", "websocket", "websocket or tcp")
	flags.DurationVar(&statusEvery, "status-every", 15*time.Second, "How often to publish a status update (0 disables)")
	flags.DurationVar(&reconnectDelay, "reconnect", 3*time.Second, "Delay before reconnecting (0 exits on disconnect)")
	deviceCmd.MarkFlagRequired("id")
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run a simulated device that answers automation commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(ctx, config.LoadOptions{File: configFile, EnvFile: envFile})
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		var transport client.Transport
		switch deviceProtocol {
		case "websocket", "ws":
			transport = client.NewWebSocketTransport()
		case "tcp":
			transport = client.NewTCPTransport()
		default:
			return fmt.Errorf("unknown protocol %q", deviceProtocol)
		}

		addr := deviceAddr
		if addr == "" {
			if deviceProtocol == "tcp" {
				return errors.New("--addr is required for tcp")
			}
			svc, err := client.DiscoverWebSocketService(5 * time.Second)
			if err != nil {
				return err
			}
			addr = svc.URL()
		}

		c := client.NewClient(deviceID, transport, client.Options{Logger: log})
		sim := newSimulatedDevice()
		sim.register(c)
		go sim.publishStatus(ctx, c, statusEvery)

		for {
			err := c.Run(ctx, addr)
			if ctx.Err() != nil {
				return nil
			}
			if reconnectDelay <= 0 {
				return err
			}
			log.Warn("Disconnected, reconnecting", "error", err, "delay", reconnectDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reconnectDelay):
			}
		}
	},
}

// simulatedDevice pretends to be a phone: enough state to make commands
// observable from a planner.
type simulatedDevice struct {
	started time.Time

	mu   sync.Mutex
	app  string
	text strings.Builder
}

func (d *simulatedDevice) foreground() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.app
}

func newSimulatedDevice() *simulatedDevice {
	return &simulatedDevice{started: time.Now(), app: "launcher"}
}

type commandError struct {
	code, msg string
}

func (e *commandError) Error() string { return e.msg }
func (e *commandError) Code() string  { return e.code }

func (d *simulatedDevice) register(c *client.Client) {
	c.Handle("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"pong": true, "uptime_seconds": int(time.Since(d.started).Seconds())}, nil
	})
	c.Handle("tap", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			X *int `json:"x"`
			Y *int `json:"y"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.X == nil || p.Y == nil {
			return nil, &commandError{code: "INVALID_PARAMS", msg: "tap needs integer x and y"}
		}
		return map[string]int{"x": *p.X, "y": *p.Y}, nil
	})
	c.Handle("type_text", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &commandError{code: "INVALID_PARAMS", msg: "type_text needs text"}
		}
		d.mu.Lock()
		d.text.WriteString(p.Text)
		d.mu.Unlock()
		return map[string]int{"typed": len(p.Text)}, nil
	})
	c.Handle("open_app", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			App string `json:"app"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.App == "" {
			return nil, &commandError{code: "INVALID_PARAMS", msg: "open_app needs app"}
		}
		d.mu.Lock()
		d.app = p.App
		d.mu.Unlock()
		return map[string]string{"foreground": p.App}, nil
	})
	c.Handle("screen_info", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"width": 1080, "height": 2400, "foreground": d.foreground()}, nil
	})
}

func (d *simulatedDevice) publishStatus(ctx context.Context, c *client.Client, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	battery := 100
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if battery > 5 && rand.IntN(3) == 0 {
				battery--
			}
			if !c.Connected() {
				continue
			}
			if err := c.PublishStatus(map[string]any{"battery": battery, "foreground": d.foreground()}); err != nil {
				slog.Debug("Status update not sent", "error", err)
			}
		}
	}
}
