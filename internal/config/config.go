// Package config provides configuration for the chat relay.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Takeover policies for a connection that targets an already bound session.
const (
	PolicyRefuse = "refuse"
	PolicyEvict  = "evict"
)

// Provider modes.
const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// Config holds the relay configuration.
type Config struct {
	// Server settings
	WSPort   int // External WebSocket port
	HTTPPort int // Internal HTTP port for /internal/send, /health

	// Auth settings
	AuthSecret   string
	AuthIssuer   string
	AuthAudience string

	// Session store
	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SessionTTL    time.Duration
	LockTTL       time.Duration
	SQLitePath    string

	// Connection lifecycle
	TakeoverPolicy   string
	Greeting         string
	GreetNewSessions bool
	AckReconnects    bool

	// Assistant provider
	Provider      string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	AssistantID   string

	// Tools
	ToolParallelism int
	ToolTimeout     time.Duration
	PolicyFile      string

	// External collaborators
	CancellationURL    string
	FlightStatsBaseURL string
	FlightStatsAppID   string
	FlightStatsAppKey  string
	SherpaURL          string
	SherpaAPIKey       string
	SherpaAffiliateID  string
	BookingsDriver     string
	BookingsDSN        string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// Logging
	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"ws-port":              8090,
	"http-port":            8091,
	"auth-secret":          "",
	"auth-issuer":          "",
	"auth-audience":        "",
	"store-backend":        StoreRedis,
	"redis-addr":           "localhost:6379",
	"redis-password":       "",
	"redis-db":             0,
	"redis-prefix":         "chatrelay",
	"session-ttl":          time.Duration(0),
	"lock-ttl":             10 * time.Second,
	"sqlite-path":          "file:chatrelay.db?cache=shared&mode=rwc",
	"takeover-policy":      PolicyRefuse,
	"greeting":             "Hello",
	"greet-new-sessions":   true,
	"ack-reconnects":       true,
	"provider":             ProviderOpenAI,
	"openai-api-key":       "",
	"openai-base-url":      "https://api.openai.com/v1",
	"assistant-id":         "",
	"tool-parallelism":     4,
	"tool-timeout":         30 * time.Second,
	"policy-file":          "",
	"cancellation-url":     "",
	"flightstats-base-url": "https://api.flightstats.com/flex/schedules/rest/v1/json",
	"flightstats-app-id":   "",
	"flightstats-app-key":  "",
	"sherpa-url":           "https://requirements-api.joinsherpa.com/v3/trips?include=restriction,procedure",
	"sherpa-api-key":       "",
	"sherpa-affiliate-id":  "",
	"bookings-driver":      "sqlserver",
	"bookings-dsn":         "",
	"ws-ping-interval":     30 * time.Second,
	"ws-write-timeout":     10 * time.Second,
	"ws-read-timeout":      60 * time.Second,
	"ws-max-message-size":  int64(65536),
	"ws-send-buffer":       256,
	"log-level":            "info",
	"log-format":           "json",
}

// New returns a viper instance with defaults and CHATRELAY_ environment binding.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("chatrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a config file into v. A missing path is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

// Load builds a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		WSPort:             v.GetInt("ws-port"),
		HTTPPort:           v.GetInt("http-port"),
		AuthSecret:         v.GetString("auth-secret"),
		AuthIssuer:         v.GetString("auth-issuer"),
		AuthAudience:       v.GetString("auth-audience"),
		StoreBackend:       strings.ToLower(v.GetString("store-backend")),
		RedisAddr:          v.GetString("redis-addr"),
		RedisPassword:      v.GetString("redis-password"),
		RedisDB:            v.GetInt("redis-db"),
		RedisPrefix:        v.GetString("redis-prefix"),
		SessionTTL:         v.GetDuration("session-ttl"),
		LockTTL:            v.GetDuration("lock-ttl"),
		SQLitePath:         v.GetString("sqlite-path"),
		TakeoverPolicy:     strings.ToLower(v.GetString("takeover-policy")),
		Greeting:           v.GetString("greeting"),
		GreetNewSessions:   v.GetBool("greet-new-sessions"),
		AckReconnects:      v.GetBool("ack-reconnects"),
		Provider:           strings.ToLower(v.GetString("provider")),
		OpenAIAPIKey:       v.GetString("openai-api-key"),
		OpenAIBaseURL:      v.GetString("openai-base-url"),
		AssistantID:        v.GetString("assistant-id"),
		ToolParallelism:    v.GetInt("tool-parallelism"),
		ToolTimeout:        v.GetDuration("tool-timeout"),
		PolicyFile:         v.GetString("policy-file"),
		CancellationURL:    v.GetString("cancellation-url"),
		FlightStatsBaseURL: v.GetString("flightstats-base-url"),
		FlightStatsAppID:   v.GetString("flightstats-app-id"),
		FlightStatsAppKey:  v.GetString("flightstats-app-key"),
		SherpaURL:          v.GetString("sherpa-url"),
		SherpaAPIKey:       v.GetString("sherpa-api-key"),
		SherpaAffiliateID:  v.GetString("sherpa-affiliate-id"),
		BookingsDriver:     v.GetString("bookings-driver"),
		BookingsDSN:        v.GetString("bookings-dsn"),
		PingInterval:       v.GetDuration("ws-ping-interval"),
		WriteTimeout:       v.GetDuration("ws-write-timeout"),
		ReadTimeout:        v.GetDuration("ws-read-timeout"),
		MaxMessageSize:     v.GetInt64("ws-max-message-size"),
		SendBuffer:         v.GetInt("ws-send-buffer"),
		LogLevel:           v.GetString("log-level"),
		LogFormat:          v.GetString("log-format"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated settings and provider requirements.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreRedis, StoreSQLite, StoreMemory:
	default:
		return errors.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.TakeoverPolicy {
	case PolicyRefuse, PolicyEvict:
	default:
		return errors.Errorf("unknown takeover policy %q", c.TakeoverPolicy)
	}
	switch c.Provider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" || c.AssistantID == "" {
			return errors.New("openai provider requires openai-api-key and assistant-id")
		}
	case ProviderMock:
	default:
		return errors.Errorf("unknown provider %q", c.Provider)
	}
	if c.ToolParallelism < 1 {
		c.ToolParallelism = 1
	}
	if c.SendBuffer < 1 {
		c.SendBuffer = 1
	}
	return nil
}
