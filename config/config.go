package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BufferDriverBadger = "badger"
	BufferDriverRedis  = "redis"
)

const (
	DefaultMessageBuffer   = 1024
	DefaultConnectTimeout  = 10 * time.Second
	DefaultPollInterval    = 3 * time.Second
	DefaultPollTimeout     = 2 * time.Second
	DefaultFlushInterval   = 10 * time.Second
	DefaultHealthField     = "data"
	DefaultHealthSentinel  = "Hyperbase is running"
	DefaultStatusEvent     = "backend_status"
	DefaultMaxConnections  = 256
	DefaultWSBufferSize    = 4096
	DefaultSendBufferSize  = 256
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 15 * time.Second
	DefaultStreamEvent     = "sensorData"
	DefaultStreamPort      = "8081"
	DefaultReconnectDelay  = time.Second
)

type Logging struct {
	Level string `yaml:"level"`
}

type Broker struct {
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"clientId"`
	Username       string        `yaml:"username,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	DeviceQoS      byte          `yaml:"deviceQos"`
	MessageBuffer  int           `yaml:"messageBuffer"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

type Breaker struct {
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures"`
	OpenTimeout         time.Duration `yaml:"openTimeout"`
}

// Stream is the backend collection subscription re-emitted to live clients. It is enabled when
// CollectionID is set. An empty URL derives ws://{healthUrl host}:8081.
type Stream struct {
	URL            string        `yaml:"url,omitempty"`
	CollectionID   string        `yaml:"collectionId,omitempty"`
	AuthToken      string        `yaml:"authToken,omitempty"`
	Event          string        `yaml:"event"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
}

func (s Stream) Enabled() bool {
	return s.CollectionID != ""
}

type Backend struct {
	Topic          string        `yaml:"topic"`
	ProjectID      string        `yaml:"projectId"`
	TokenID        string        `yaml:"tokenId"`
	HealthURL      string        `yaml:"healthUrl"`
	HealthField    string        `yaml:"healthField"`
	HealthSentinel string        `yaml:"healthSentinel"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	PollTimeout    time.Duration `yaml:"pollTimeout"`
	StatusEvent    string        `yaml:"statusEvent"`
	Breaker        Breaker       `yaml:"breaker"`
	Stream         Stream        `yaml:"stream"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

type Buffer struct {
	Driver        string        `yaml:"driver"` // badger | redis
	Directory     string        `yaml:"directory"`
	Redis         Redis         `yaml:"redis"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

type StaticDevice struct {
	ID                  string `yaml:"id"`
	DataIntervalSeconds int    `yaml:"dataIntervalSeconds"`
}

// Devices selects the directory of active devices. PostgresDSN wins over Static when both are set.
type Devices struct {
	PostgresDSN string         `yaml:"postgresDsn,omitempty"`
	Static      []StaticDevice `yaml:"static,omitempty"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"`
}

type HTTP struct {
	Binding         string            `yaml:"binding"`
	AdminToken      string            `yaml:"adminToken,omitempty"`
	MaxConnections  int               `yaml:"maxConnections"`
	ReadBufferSize  int               `yaml:"readBufferSize"`
	WriteBufferSize int               `yaml:"writeBufferSize"`
	SendBufferSize  int               `yaml:"sendBufferSize"`
	RateLimit       RateLimiterConfig `yaml:"rateLimit"`
	AllowAllOrigins bool              `yaml:"allowAllOrigins"`
}

type Relay struct {
	Logging Logging `yaml:"logging"`
	Broker  Broker  `yaml:"broker"`
	Backend Backend `yaml:"backend"`
	Buffer  Buffer  `yaml:"buffer"`
	Devices Devices `yaml:"devices"`
	HTTP    HTTP    `yaml:"http"`
}

var (
	ErrConfigFileUnreadable         = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable     = errors.New("config file is unmarshallable")
	ErrBrokerURLMissing             = errors.New("broker.url is missing in config (or MQTT_BROKER_URL)")
	ErrBrokerClientIDMissing        = errors.New("broker.clientId is missing in config")
	ErrBackendTopicMissing          = errors.New("backend.topic is missing in config (or MQTT_HYPERBASE_TOPIC)")
	ErrHealthURLMissing             = errors.New("backend.healthUrl is missing in config (or HYPERBASE_HOST)")
	ErrPollTimeoutTooLong           = errors.New("backend.pollTimeout must be shorter than backend.pollInterval")
	ErrBufferDriverUnknown          = errors.New("buffer.driver must be one of: badger, redis")
	ErrBufferDirectoryMissing       = errors.New("buffer.directory is required for the badger driver")
	ErrBufferRedisAddrMissing       = errors.New("buffer.redis.addr is required for the redis driver")
	ErrHTTPBindingMissing           = errors.New("http.binding is missing in config")
	ErrStaticDeviceIDMissing        = errors.New("devices.static entries require an id")
	ErrStaticDeviceNegativeInterval = errors.New("devices.static dataIntervalSeconds cannot be negative")
	ErrStreamProjectMissing         = errors.New("backend.stream needs backend.projectId (or HYPERBASE_PROJECT_ID)")
	ErrStreamURLInvalid             = errors.New("backend.stream.url must be a ws:// or wss:// url")
)

// LoadDotEnv loads .env style files into the process environment. Missing files are ignored so
// a deployment can rely on real environment variables alone.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads the YAML file (an empty path starts from a blank config), applies
// environment overrides, fills defaults and validates the result.
func LoadConfig(configFile string) (*Relay, error) {
	var cfg Relay

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, ErrConfigFileUnreadable
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, ErrConfigFileUnmarshallable
		}
	}

	ApplyEnv(&cfg, os.LookupEnv)
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays the MQTT_*, HYPERBASE_*, REDIS_* and RELAY_* environment variables.
func ApplyEnv(cfg *Relay, lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("MQTT_BROKER_URL", &cfg.Broker.URL)
	str("MQTT_CLIENT_ID", &cfg.Broker.ClientID)
	str("MQTT_USERNAME", &cfg.Broker.Username)
	str("MQTT_PASSWORD", &cfg.Broker.Password)

	str("MQTT_HYPERBASE_TOPIC", &cfg.Backend.Topic)
	str("HYPERBASE_PROJECT_ID", &cfg.Backend.ProjectID)
	str("HYPERBASE_TOKEN_ID", &cfg.Backend.TokenID)
	str("HYPERBASE_HOST", &cfg.Backend.HealthURL)
	str("HYPERBASE_COLLECTION_ID", &cfg.Backend.Stream.CollectionID)
	str("HYPERBASE_AUTH_TOKEN", &cfg.Backend.Stream.AuthToken)
	str("HYPERBASE_WS_URL", &cfg.Backend.Stream.URL)

	redisHost, hasHost := lookup("REDIS_HOST")
	if hasHost && redisHost != "" {
		port := "6379"
		if p, ok := lookup("REDIS_PORT"); ok && p != "" {
			port = p
		}
		cfg.Buffer.Redis.Addr = redisHost + ":" + port
	}
	num("REDIS_DB", &cfg.Buffer.Redis.DB)
	str("REDIS_USERNAME", &cfg.Buffer.Redis.Username)
	str("REDIS_PASSWORD", &cfg.Buffer.Redis.Password)
	str("RELAY_BUFFER_DRIVER", &cfg.Buffer.Driver)

	str("DATABASE_URL", &cfg.Devices.PostgresDSN)

	str("RELAY_HTTP_BINDING", &cfg.HTTP.Binding)
	str("RELAY_ADMIN_TOKEN", &cfg.HTTP.AdminToken)
	str("RELAY_LOG_LEVEL", &cfg.Logging.Level)
}

func ApplyDefaults(cfg *Relay) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "telemetry-relay"
	}
	if cfg.Broker.MessageBuffer <= 0 {
		cfg.Broker.MessageBuffer = DefaultMessageBuffer
	}
	if cfg.Broker.ConnectTimeout == 0 {
		cfg.Broker.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.Backend.HealthField == "" {
		cfg.Backend.HealthField = DefaultHealthField
	}
	if cfg.Backend.HealthSentinel == "" {
		cfg.Backend.HealthSentinel = DefaultHealthSentinel
	}
	if cfg.Backend.PollInterval == 0 {
		cfg.Backend.PollInterval = DefaultPollInterval
	}
	if cfg.Backend.PollTimeout == 0 {
		cfg.Backend.PollTimeout = DefaultPollTimeout
	}
	if cfg.Backend.StatusEvent == "" {
		cfg.Backend.StatusEvent = DefaultStatusEvent
	}
	if cfg.Backend.Breaker.ConsecutiveFailures == 0 {
		cfg.Backend.Breaker.ConsecutiveFailures = DefaultBreakerFailures
	}
	if cfg.Backend.Breaker.OpenTimeout == 0 {
		cfg.Backend.Breaker.OpenTimeout = DefaultBreakerTimeout
	}
	if cfg.Backend.Stream.Event == "" {
		cfg.Backend.Stream.Event = DefaultStreamEvent
	}
	if cfg.Backend.Stream.ReconnectDelay == 0 {
		cfg.Backend.Stream.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Backend.Stream.Enabled() && cfg.Backend.Stream.URL == "" {
		cfg.Backend.Stream.URL = streamURLFromHealth(cfg.Backend.HealthURL)
	}

	if cfg.Buffer.Driver == "" {
		cfg.Buffer.Driver = BufferDriverBadger
	}
	if cfg.Buffer.FlushInterval == 0 {
		cfg.Buffer.FlushInterval = DefaultFlushInterval
	}

	if cfg.HTTP.MaxConnections <= 0 {
		cfg.HTTP.MaxConnections = DefaultMaxConnections
	}
	if cfg.HTTP.ReadBufferSize <= 0 {
		cfg.HTTP.ReadBufferSize = DefaultWSBufferSize
	}
	if cfg.HTTP.WriteBufferSize <= 0 {
		cfg.HTTP.WriteBufferSize = DefaultWSBufferSize
	}
	if cfg.HTTP.SendBufferSize <= 0 {
		cfg.HTTP.SendBufferSize = DefaultSendBufferSize
	}
	if cfg.HTTP.RateLimit.Limit == 0 {
		cfg.HTTP.RateLimit = RateLimiterConfig{Limit: 20, Burst: 40}
	}
}

func Validate(cfg *Relay) error {
	if cfg.Broker.URL == "" {
		return ErrBrokerURLMissing
	}
	if cfg.Broker.ClientID == "" {
		return ErrBrokerClientIDMissing
	}
	if cfg.Backend.Topic == "" {
		return ErrBackendTopicMissing
	}
	if cfg.Backend.HealthURL == "" {
		return ErrHealthURLMissing
	}
	if cfg.Backend.PollTimeout >= cfg.Backend.PollInterval {
		return ErrPollTimeoutTooLong
	}

	if cfg.Backend.Stream.Enabled() {
		if cfg.Backend.ProjectID == "" {
			return ErrStreamProjectMissing
		}
		u, err := url.Parse(cfg.Backend.Stream.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return ErrStreamURLInvalid
		}
	}

	switch cfg.Buffer.Driver {
	case BufferDriverBadger:
		if cfg.Buffer.Directory == "" {
			return ErrBufferDirectoryMissing
		}
	case BufferDriverRedis:
		if cfg.Buffer.Redis.Addr == "" {
			return ErrBufferRedisAddrMissing
		}
	default:
		return ErrBufferDriverUnknown
	}

	for _, d := range cfg.Devices.Static {
		if d.ID == "" {
			return ErrStaticDeviceIDMissing
		}
		if d.DataIntervalSeconds < 0 {
			return ErrStaticDeviceNegativeInterval
		}
	}

	if cfg.HTTP.Binding == "" {
		return ErrHTTPBindingMissing
	}
	return nil
}

// streamURLFromHealth maps http://host:5000 to ws://host:8081 (https to wss). It returns ""
// when the health url has no host.
func streamURLFromHealth(healthURL string) string {
	u, err := url.Parse(healthURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(u.Hostname(), DefaultStreamPort)
}

// GenerateConfig returns a starter configuration for --new-cfg.
func GenerateConfig() *Relay {
	cfg := Relay{
		Logging: Logging{Level: "info"},
		Broker: Broker{
			URL:      "tcp://127.0.0.1:1883",
			ClientID: "telemetry-relay",
		},
		Backend: Backend{
			Topic:     "hyperbase",
			ProjectID: "please_set_project_id",
			TokenID:   "please_set_token_id",
			HealthURL: "http://localhost:5000",
		},
		Buffer: Buffer{
			Driver:    BufferDriverBadger,
			Directory: "data/buffer",
		},
		Devices: Devices{
			Static: []StaticDevice{
				{ID: "example-device", DataIntervalSeconds: 60},
			},
		},
		HTTP: HTTP{
			Binding:    "127.0.0.1:8080",
			AdminToken: "please_change_this_admin_token",
		},
	}
	ApplyDefaults(&cfg)
	return &cfg
}
