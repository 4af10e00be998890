package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all gateway configuration.
type Config struct {
	Server    ServerConfig
	Gateway   GatewayConfig
	Directory DirectoryConfig
	Projects  ProjectsConfig
	AI        AIConfig
	GRPC      GRPCConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	PublicURL       string        `envconfig:"PUBLIC_URL" default:"ws://localhost:8000"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
}

// GatewayConfig holds terminal session settings for this instance.
type GatewayConfig struct {
	// ID identifies this instance in the directory. Generated when empty.
	ID           string        `envconfig:"GATEWAY_ID"`
	MaxSessions  int           `envconfig:"MAX_SESSIONS" default:"100"`
	Shell        string        `envconfig:"SHELL_PATH"`
	DefaultCwd   string        `envconfig:"DEFAULT_CWD" default:"/tmp"`
	DefaultCols  int           `envconfig:"DEFAULT_COLS" default:"80"`
	DefaultRows  int           `envconfig:"DEFAULT_ROWS" default:"24"`
	// EnvAllow restricts client env names to these globs; empty allows all.
	EnvAllow     []string      `envconfig:"ENV_ALLOW"`
	Scrollback   int           `envconfig:"SCROLLBACK_BYTES" default:"65536"`
	SendQueue    int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	PingInterval time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s"`
	ReadTimeout  time.Duration `envconfig:"WS_READ_TIMEOUT" default:"90s"`
}

// DirectoryConfig holds session directory settings.
type DirectoryConfig struct {
	Driver         string        `envconfig:"DIRECTORY_DRIVER" default:"memory"`
	Path           string        `envconfig:"DIRECTORY_PATH" default:"gateway.db"`
	TTL            time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	StaleAfter     time.Duration `envconfig:"STALE_AFTER" default:"2m"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	IdleEvictAfter time.Duration `envconfig:"IDLE_EVICT_AFTER" default:"30m"`
	PersistTimeout time.Duration `envconfig:"PERSIST_TIMEOUT" default:"5s"`
}

// ProjectsConfig holds the project metadata service client settings.
// An empty URL disables lookups and every session uses the default cwd.
type ProjectsConfig struct {
	URL     string        `envconfig:"PROJECTS_URL"`
	Timeout time.Duration `envconfig:"PROJECTS_TIMEOUT" default:"3s"`
}

// AIConfig holds completion service settings.
// An empty URL selects the built-in echo completer.
type AIConfig struct {
	URL            string        `envconfig:"AI_URL"`
	Timeout        time.Duration `envconfig:"AI_TIMEOUT" default:"2m"`
	RequestsPerSec float64       `envconfig:"AI_RPS" default:"10"`
	AgentTablePath string        `envconfig:"AGENT_TABLE_PATH"`
	HistoryLimit   int           `envconfig:"AI_HISTORY_LIMIT" default:"20"`
}

// GRPCConfig holds the admin listener settings. Empty address disables it.
type GRPCConfig struct {
	Address string `envconfig:"GRPC_ADDR"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Directory.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown directory driver %q", c.Directory.Driver)
	}
	if c.Gateway.MaxSessions < 1 {
		return fmt.Errorf("MAX_SESSIONS must be positive")
	}
	if c.Gateway.DefaultCols < 1 || c.Gateway.DefaultCols > 500 {
		return fmt.Errorf("DEFAULT_COLS out of range")
	}
	if c.Gateway.DefaultRows < 1 || c.Gateway.DefaultRows > 200 {
		return fmt.Errorf("DEFAULT_ROWS out of range")
	}
	if c.Directory.StaleAfter <= 0 || c.Directory.SweepInterval <= 0 {
		return fmt.Errorf("STALE_AFTER and SWEEP_INTERVAL must be positive")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			PublicURL:       "ws://localhost:8000",
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Gateway: GatewayConfig{
			MaxSessions:  100,
			DefaultCwd:   "/tmp",
			DefaultCols:  80,
			DefaultRows:  24,
			Scrollback:   64 * 1024,
			SendQueue:    256,
			PingInterval: 30 * time.Second,
			ReadTimeout:  90 * time.Second,
		},
		Directory: DirectoryConfig{
			Driver:         "memory",
			Path:           "gateway.db",
			TTL:            24 * time.Hour,
			StaleAfter:     2 * time.Minute,
			SweepInterval:  30 * time.Second,
			IdleEvictAfter: 30 * time.Minute,
			PersistTimeout: 5 * time.Second,
		},
		Projects: ProjectsConfig{
			Timeout: 3 * time.Second,
		},
		AI: AIConfig{
			Timeout:        2 * time.Minute,
			RequestsPerSec: 10,
			HistoryLimit:   20,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
