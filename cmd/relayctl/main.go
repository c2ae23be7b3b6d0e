// relayctl inspects and drives a running relay. Buffer commands can also open a stopped
// relay's badger directory with --dir.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/InsulaLabs/relay/client"
	"github.com/InsulaLabs/relay/db/tkv"
	"github.com/InsulaLabs/relay/internal/backend"
	"github.com/InsulaLabs/relay/internal/buffer"
	"github.com/InsulaLabs/relay/internal/devices"
	"github.com/InsulaLabs/relay/internal/fanout"
)

var (
	addr    string
	token   string
	dataDir string
	limit   int
	timeout time.Duration

	logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "relayctl"})
)

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: relayctl [flags] <command>\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  status                  backend liveness, subscriptions and buffer size\n")
	fmt.Fprintf(os.Stderr, "  buffer ls               list buffered records\n")
	fmt.Fprintf(os.Stderr, "  buffer drop <deviceId>  delete every buffered record of a device\n")
	fmt.Fprintf(os.Stderr, "  device <created|updated|deleted> <deviceId> [status] [intervalSeconds]\n")
	fmt.Fprintf(os.Stderr, "                          report a device status change\n")
	fmt.Fprintf(os.Stderr, "  resync                  reload active devices from the directory\n")
	fmt.Fprintf(os.Stderr, "  watch [deviceId]        stream live telemetry and backend status\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fs.PrintDefaults()
}

func main() {
	fs := pflag.NewFlagSet("relayctl", pflag.ContinueOnError)
	fs.StringVar(&addr, "addr", envOr("RELAY_ADDR", "http://localhost:8080"), "Base URL of the running relay.")
	fs.StringVar(&token, "token", os.Getenv("RELAY_ADMIN_TOKEN"), "Admin token for buffer commands.")
	fs.StringVar(&dataDir, "dir", "", "Open this badger buffer directory instead of calling the relay. The relay must be stopped.")
	fs.IntVar(&limit, "limit", 100, "Maximum records listed by buffer ls (0 for all).")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP request timeout.")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	args := fs.Args()
	if len(args) == 0 {
		usage(fs)
		os.Exit(2)
	}

	var err error
	switch {
	case args[0] == "status":
		err = runStatus()
	case args[0] == "buffer" && len(args) >= 2 && args[1] == "ls":
		err = runBufferList()
	case args[0] == "buffer" && len(args) == 3 && args[1] == "drop":
		err = runBufferDrop(args[2])
	case args[0] == "device" && len(args) >= 3 && len(args) <= 5:
		err = runDeviceEvent(args[1:])
	case args[0] == "resync":
		err = runResync()
	case args[0] == "watch" && len(args) <= 2:
		deviceID := ""
		if len(args) == 2 {
			deviceID = args[1]
		}
		err = runWatch(deviceID)
	default:
		usage(fs)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("command failed", "command", args[0], "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient(admin bool) (*client.Client, error) {
	if admin && token == "" {
		return nil, errors.New("--token (or RELAY_ADMIN_TOKEN) is required")
	}
	return client.New(client.Config{
		BaseURL:    addr,
		AdminToken: token,
		Timeout:    timeout,
	})
}

func requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func runStatus() error {
	c, err := newClient(false)
	if err != nil {
		return err
	}
	ctx, cancel := requestCtx()
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	state := color.New(color.FgRed, color.Bold).Sprint(st.Backend.Status)
	if st.Backend.Status == backend.StatusOnline {
		state = color.New(color.FgGreen, color.Bold).Sprint(st.Backend.Status)
	}
	fmt.Printf("backend:       %s (checked %s, breaker %s)\n", state, st.Backend.CheckedAt.Format(time.RFC3339), st.Backend.Breaker)
	fmt.Printf("uptime:        %s\n", st.Uptime)
	fmt.Printf("live clients:  %d\n", st.LiveClients)
	fmt.Printf("buffered:      %d\n", st.Buffered)
	fmt.Printf("subscriptions: %d\n", len(st.Subscriptions))
	for _, e := range st.Subscriptions {
		interval := "unthrottled"
		if e.DataIntervalSeconds > 0 {
			interval = strconv.Itoa(e.DataIntervalSeconds) + "s"
		}
		fmt.Printf("  %s  %s\n", color.CyanString(e.Topic), interval)
	}
	return nil
}

// openLocal opens a stopped relay's buffer directory.
func openLocal() (*buffer.Buffer, func(), error) {
	store, err := tkv.New(tkv.Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Directory: dataDir,
		AppCtx:    context.Background(),
	})
	if err != nil {
		return nil, nil, err
	}
	buf := buffer.New(buffer.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  store,
	})
	return buf, func() { store.Close() }, nil
}

func runBufferList() error {
	var entries []buffer.Entry
	if dataDir != "" {
		buf, closeFn, err := openLocal()
		if err != nil {
			return err
		}
		defer closeFn()
		if entries, err = buf.List(limit); err != nil {
			return err
		}
	} else {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := requestCtx()
		defer cancel()
		if entries, err = c.BufferList(ctx, limit); err != nil {
			return err
		}
	}

	if len(entries) == 0 {
		logger.Info("buffer is empty")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %s  %s  %s\n",
			color.HiBlackString(e.BufferedAt.Format(time.RFC3339)),
			color.CyanString(e.DeviceID),
			e.Key,
			e.Message,
		)
	}
	logger.Info("listed buffered records", "count", len(entries))
	return nil
}

func runBufferDrop(deviceID string) error {
	var dropped int
	if dataDir != "" {
		buf, closeFn, err := openLocal()
		if err != nil {
			return err
		}
		defer closeFn()
		if dropped, err = buf.Drop(deviceID); err != nil {
			return err
		}
	} else {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := requestCtx()
		defer cancel()
		if dropped, err = c.BufferDrop(ctx, deviceID); err != nil {
			return err
		}
	}
	logger.Info("dropped buffered records", "device_id", deviceID, "count", color.YellowString("%d", dropped))
	return nil
}

func runDeviceEvent(args []string) error {
	ev := devices.Event{
		Type:   devices.EventType(args[0]),
		Device: devices.Device{ID: args[1], Status: devices.StatusActive},
	}
	if len(args) >= 3 {
		ev.Device.Status = args[2]
	}
	if len(args) == 4 {
		n, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", args[3], err)
		}
		ev.Device.DataIntervalSeconds = n
	}
	if err := ev.Valid(); err != nil {
		return err
	}

	c, err := newClient(true)
	if err != nil {
		return err
	}
	ctx, cancel := requestCtx()
	defer cancel()
	if err := c.ApplyDeviceEvent(ctx, ev); err != nil {
		return err
	}
	logger.Info("device event applied", "type", ev.Type, "device_id", ev.Device.ID, "status", ev.Device.Status)
	return nil
}

func runResync() error {
	c, err := newClient(true)
	if err != nil {
		return err
	}
	ctx, cancel := requestCtx()
	defer cancel()
	entries, err := c.Resync(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("  %s  %ds\n", color.CyanString(e.Topic), e.DataIntervalSeconds)
	}
	logger.Info("resync complete", "subscriptions", len(entries))
	return nil
}

func runWatch(deviceID string) error {
	c, err := newClient(false)
	if err != nil {
		return err
	}
	topic := ""
	if deviceID != "" {
		topic = devices.Topic(deviceID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("watching live events", "addr", addr, "topic", topic)
	err = c.Watch(ctx, topic, func(ev fanout.Envelope) {
		data, _ := json.Marshal(ev.Data)
		name := color.CyanString(ev.Event)
		if ev.Event == backend.DefaultStatusEvent {
			name = color.YellowString(ev.Event)
		}
		fmt.Printf("%s  %s  %s\n", color.HiBlackString(ev.EmittedAt.Format(time.RFC3339)), name, data)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
