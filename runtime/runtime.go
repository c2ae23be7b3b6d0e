// Package runtime wires the relay together from configuration and owns its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/InsulaLabs/relay/config"
	"github.com/InsulaLabs/relay/db/rkv"
	"github.com/InsulaLabs/relay/db/tkv"
	"github.com/InsulaLabs/relay/internal/backend"
	"github.com/InsulaLabs/relay/internal/broker"
	"github.com/InsulaLabs/relay/internal/buffer"
	"github.com/InsulaLabs/relay/internal/devices"
	"github.com/InsulaLabs/relay/internal/fanout"
	"github.com/InsulaLabs/relay/internal/lifecycle"
	"github.com/InsulaLabs/relay/internal/metrics"
	"github.com/InsulaLabs/relay/internal/pipeline"
	"github.com/InsulaLabs/relay/internal/registry"
	"github.com/InsulaLabs/relay/internal/service"
	"github.com/InsulaLabs/relay/internal/throttle"
)

// ErrConfigGenerated is returned by New after --new-cfg wrote a file; the caller should exit.
var ErrConfigGenerated = errors.New("configuration generated")

// Runtime handles flags, configuration, signals and the start/stop order of the relay.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Relay
	configFile string
	envFile    string
	logLevel   slog.Level
}

type storeCloser interface {
	buffer.Store
	Close() error
}

// New parses args, loads .env and the config file and sets up signal handling.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{logLevel: slog.LevelInfo}
	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "relayd")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("received signal, shutting down", "signal", sig.String())
		r.appCancel()
	}()

	var genConfigFile string
	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the relay configuration file. Empty runs from environment only.")
	fs.StringVar(&r.envFile, "env", ".env", "Path to a .env file loaded before the configuration.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Write a configuration file with defaults to the given path and exit.")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		if err := writeConfig(genConfigFile); err != nil {
			return nil, err
		}
		r.logger.Info("generated new configuration file", "path", genConfigFile)
		return nil, ErrConfigGenerated
	}

	if err := config.LoadDotEnv(r.envFile); err != nil {
		return nil, err
	}

	cfgFile := r.configFile
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) && !fs.Changed("config") {
			cfgFile = ""
		}
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	r.cfg = cfg

	switch cfg.Logging.Level {
	case "debug":
		r.logLevel = slog.LevelDebug
	case "info", "":
		r.logLevel = slog.LevelInfo
	case "warn":
		r.logLevel = slog.LevelWarn
	case "error":
		r.logLevel = slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", cfg.Logging.Level)
	}
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.logLevel,
	})).With("service", "relayd")

	return r, nil
}

func writeConfig(path string) error {
	data, err := yaml.Marshal(config.GenerateConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write generated configuration to %s: %w", path, err)
	}
	return nil
}

func (r *Runtime) openStore() (storeCloser, error) {
	switch r.cfg.Buffer.Driver {
	case config.BufferDriverRedis:
		return rkv.New(rkv.Config{
			Logger:   r.logger.WithGroup("rkv"),
			Addr:     r.cfg.Buffer.Redis.Addr,
			Username: r.cfg.Buffer.Redis.Username,
			Password: r.cfg.Buffer.Redis.Password,
			DB:       r.cfg.Buffer.Redis.DB,
			AppCtx:   context.WithoutCancel(r.appCtx),
		})
	default:
		if err := os.MkdirAll(r.cfg.Buffer.Directory, os.ModePerm); err != nil {
			return nil, fmt.Errorf("create buffer directory %s: %w", r.cfg.Buffer.Directory, err)
		}
		return tkv.New(tkv.Config{
			Logger:    r.logger.WithGroup("tkv"),
			Directory: r.cfg.Buffer.Directory,
			AppCtx:    r.appCtx,
		})
	}
}

type directory interface {
	devices.Directory
	Close() error
}

type staticCloser struct{ *devices.StaticDirectory }

func (staticCloser) Close() error { return nil }

func (r *Runtime) openDirectory() (directory, lifecycle.Observer, error) {
	if dsn := r.cfg.Devices.PostgresDSN; dsn != "" {
		dir, err := devices.OpenPostgres(r.appCtx, dsn, r.logger)
		if err != nil {
			return nil, nil, err
		}
		return dir, nil, nil
	}

	list := make([]devices.Device, 0, len(r.cfg.Devices.Static))
	for _, d := range r.cfg.Devices.Static {
		list = append(list, devices.Device{
			ID:                  d.ID,
			Status:              devices.StatusActive,
			DataIntervalSeconds: d.DataIntervalSeconds,
		})
	}
	r.logger.Warn("no device database configured, using static device list", "devices", len(list))
	static := devices.NewStaticDirectory(list)
	return staticCloser{static}, static, nil
}

func (r *Runtime) hclogLevel() hclog.Level {
	switch r.logLevel {
	case slog.LevelDebug:
		return hclog.Debug
	case slog.LevelWarn:
		return hclog.Warn
	case slog.LevelError:
		return hclog.Error
	}
	return hclog.Info
}

// Run starts every component and blocks until the app context is cancelled, then shuts down
// in order: http, broker clients, background loops, store.
func (r *Runtime) Run() error {
	if r.cfg == nil {
		return nil
	}
	cfg := r.cfg

	broker.InstallLogger(hclog.New(&hclog.LoggerOptions{
		Name:       "mqtt",
		Level:      r.hclogLevel(),
		Output:     os.Stderr,
		JSONFormat: true,
	}))

	m := metrics.New()

	store, err := r.openStore()
	if err != nil {
		return fmt.Errorf("failed to open buffer store: %w", err)
	}
	defer store.Close()

	dir, observer, err := r.openDirectory()
	if err != nil {
		return fmt.Errorf("failed to open device directory: %w", err)
	}
	defer dir.Close()

	hub := fanout.New(fanout.Config{
		Logger:          r.logger,
		Metrics:         m,
		AppCtx:          r.appCtx,
		MaxConnections:  cfg.HTTP.MaxConnections,
		ReadBufferSize:  cfg.HTTP.ReadBufferSize,
		WriteBufferSize: cfg.HTTP.WriteBufferSize,
		SendBufferSize:  cfg.HTTP.SendBufferSize,
		AllowAllOrigins: cfg.HTTP.AllowAllOrigins,
	})

	pubClient := broker.New(broker.Config{
		Logger:         r.logger.WithGroup("mqtt-pub"),
		URL:            cfg.Broker.URL,
		ClientID:       cfg.Broker.ClientID + "-pub",
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
	})

	publisher := backend.NewPublisher(backend.PublisherConfig{
		Logger:          r.logger,
		Client:          pubClient,
		Metrics:         m,
		Topic:           cfg.Backend.Topic,
		ProjectID:       cfg.Backend.ProjectID,
		TokenID:         cfg.Backend.TokenID,
		BreakerFailures: cfg.Backend.Breaker.ConsecutiveFailures,
		BreakerTimeout:  cfg.Backend.Breaker.OpenTimeout,
	})

	monitor := backend.NewMonitor(backend.MonitorConfig{
		Logger:   r.logger,
		Emitter:  hub,
		Metrics:  m,
		URL:      cfg.Backend.HealthURL,
		Field:    cfg.Backend.HealthField,
		Sentinel: cfg.Backend.HealthSentinel,
		Event:    cfg.Backend.StatusEvent,
		Interval: cfg.Backend.PollInterval,
		Timeout:  cfg.Backend.PollTimeout,
	})

	runners := []func(context.Context){monitor.Run}
	if cfg.Backend.Stream.Enabled() {
		streamURL, err := backend.CollectionStreamURL(cfg.Backend.Stream.URL, cfg.Backend.ProjectID,
			cfg.Backend.Stream.CollectionID, cfg.Backend.Stream.AuthToken)
		if err != nil {
			return fmt.Errorf("failed to build collection stream url: %w", err)
		}
		stream := backend.NewCollectionStream(backend.StreamConfig{
			Logger:         r.logger,
			Emitter:        hub,
			Metrics:        m,
			URL:            streamURL,
			Event:          cfg.Backend.Stream.Event,
			ReconnectDelay: cfg.Backend.Stream.ReconnectDelay,
		})
		runners = append(runners, stream.Run)
	}

	buf := buffer.New(buffer.Config{
		Logger:    r.logger,
		Store:     store,
		Forwarder: publisher.Replayer(),
		Liveness:  monitor,
		Metrics:   m,
		Interval:  cfg.Buffer.FlushInterval,
	})

	var (
		reg *registry.Registry
		ctl *lifecycle.Controller
	)
	subClient := broker.New(broker.Config{
		Logger:         r.logger.WithGroup("mqtt-sub"),
		URL:            cfg.Broker.URL,
		ClientID:       cfg.Broker.ClientID + "-sub",
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		QoS:            cfg.Broker.DeviceQoS,
		MessageBuffer:  cfg.Broker.MessageBuffer,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		OnConnect: func() {
			if err := ctl.Initialize(r.appCtx); err != nil {
				r.logger.Error("failed to initialize subscriptions", "error", err)
			}
		},
		OnConnectionLost: func(error) {
			reg.Reset()
		},
	})

	gate := throttle.New()
	reg = registry.New(registry.Config{
		Logger:     r.logger,
		Subscriber: subClient,
		Gate:       gate,
		Metrics:    m,
	})
	ctl = lifecycle.New(lifecycle.Config{
		Logger:    r.logger,
		Registry:  reg,
		Directory: dir,
		Observer:  observer,
	})

	pipe := pipeline.New(pipeline.Config{
		Logger:    r.logger,
		Metrics:   m,
		Emitter:   hub,
		Intervals: reg,
		Gate:      gate,
		Forwarder: publisher,
		Liveness:  monitor,
		Buffer:    buf,
	})

	srv := service.New(service.Config{
		Logger:        r.logger,
		AppCtx:        r.appCtx,
		Binding:       cfg.HTTP.Binding,
		AdminToken:    cfg.HTTP.AdminToken,
		RateLimit:     cfg.HTTP.RateLimit.Limit,
		RateBurst:     cfg.HTTP.RateLimit.Burst,
		Hub:           hub,
		Liveness:      monitor,
		Subscriptions: reg,
		Buffer:        buf,
		Lifecycle:     ctl,
		Metrics:       m.Handler(),
		BreakerState:  publisher.BreakerState,
	})

	var (
		wg     sync.WaitGroup
		srvErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(); err != nil {
			srvErr = err
			r.logger.Error("http server failed", "error", err)
			r.appCancel()
		}
	}()

	if err := pubClient.Connect(r.appCtx); err != nil {
		r.appCancel()
		wg.Wait()
		return fmt.Errorf("failed to connect publisher: %w", err)
	}
	if err := subClient.Connect(r.appCtx); err != nil {
		pubClient.Close()
		r.appCancel()
		wg.Wait()
		return fmt.Errorf("failed to connect subscriber: %w", err)
	}

	runners = append(runners,
		buf.Run,
		func(ctx context.Context) { pipe.Run(ctx, subClient.Messages()) },
	)
	for _, run := range runners {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(r.appCtx)
		}(run)
	}

	r.logger.Info("relay running",
		"broker", cfg.Broker.URL,
		"ingest_topic", cfg.Backend.Topic,
		"buffer_driver", cfg.Buffer.Driver,
		"http", cfg.HTTP.Binding,
		"collection_stream", cfg.Backend.Stream.Enabled(),
	)

	<-r.appCtx.Done()
	r.logger.Info("shutting down relay")

	hub.Close()
	subClient.Close()
	pubClient.Close()
	wg.Wait()
	buf.Wait()

	r.logger.Info("relay stopped")
	return srvErr
}

// Stop cancels the app context.
func (r *Runtime) Stop() {
	r.appCancel()
}
