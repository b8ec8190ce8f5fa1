// Package config loads the Hub's YAML configuration file, expanding
// environment variable references and applying defaults the same way the
// rest of the stack expects (see internal/observability for the logging
// config consumer, internal/storage for Database, internal/llm for the
// provider chain).
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the Hub's top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Registry RegistryConfig `yaml:"registry"`
	Spoke    SpokeConfig    `yaml:"spoke"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP/WS listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and tunes the SQL backend. Driver is either
// "sqlite" or "postgres"; the implementation must not assume more about
// the engine than "SQL with nullable foreign keys".
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig configures user-token signing and first-run bootstrap.
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	DeviceSalt string        `yaml:"device_salt"`
}

// RegistryConfig configures skill liveness.
type RegistryConfig struct {
	SkillTTL       time.Duration `yaml:"skill_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// SpokeConfig configures the device channel.
type SpokeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RegisterCoalesce  time.Duration `yaml:"register_coalesce"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	MaxInFlight       int           `yaml:"max_in_flight"`
}

// DispatchConfig configures tool-call timeouts.
type DispatchConfig struct {
	SearchTimeout     time.Duration `yaml:"search_timeout"`
	DescribeTimeout   time.Duration `yaml:"describe_timeout"`
	PythonExecTimeout time.Duration `yaml:"python_exec_timeout"`
}

// LLMConfig is the ordered provider chain plus per-turn deadline.
type LLMConfig struct {
	Providers     []ProviderConfig `yaml:"providers"`
	TurnDeadline  time.Duration    `yaml:"turn_deadline"`
	ChainFilePath string           `yaml:"chain_file_path"`
}

// ProviderConfig describes one entry in the LLM provider chain.
type ProviderConfig struct {
	Kind    string `yaml:"kind"` // "openai", "anthropic", "local"
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AgentConfig configures the agent loop.
type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads, expands, parses, defaults, and validates the config file at
// path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "hub.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = time.Hour
	}
	if cfg.Registry.SkillTTL == 0 {
		cfg.Registry.SkillTTL = 30 * time.Minute
	}
	if cfg.Registry.SweepInterval == 0 {
		cfg.Registry.SweepInterval = 5 * time.Minute
	}
	if cfg.Spoke.HeartbeatInterval == 0 {
		cfg.Spoke.HeartbeatInterval = 60 * time.Second
	}
	if cfg.Spoke.RegisterCoalesce == 0 {
		cfg.Spoke.RegisterCoalesce = 500 * time.Millisecond
	}
	if cfg.Spoke.OutboundQueueSize == 0 {
		cfg.Spoke.OutboundQueueSize = 256
	}
	if cfg.Spoke.MaxInFlight == 0 {
		cfg.Spoke.MaxInFlight = 32
	}
	if cfg.Dispatch.SearchTimeout == 0 {
		cfg.Dispatch.SearchTimeout = 5 * time.Second
	}
	if cfg.Dispatch.DescribeTimeout == 0 {
		cfg.Dispatch.DescribeTimeout = 5 * time.Second
	}
	if cfg.Dispatch.PythonExecTimeout == 0 {
		cfg.Dispatch.PythonExecTimeout = 30 * time.Second
	}
	if cfg.LLM.TurnDeadline == 0 {
		cfg.LLM.TurnDeadline = 60 * time.Second
	}
	if cfg.LLM.ChainFilePath == "" {
		cfg.LLM.ChainFilePath = "llm_chain.generated.yaml"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: database.driver must be \"sqlite\" or \"postgres\", got %q", cfg.Database.Driver)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	for i, p := range cfg.LLM.Providers {
		switch p.Kind {
		case "openai", "anthropic", "local":
		default:
			return fmt.Errorf("config: llm.providers[%d].kind must be one of openai|anthropic|local, got %q", i, p.Kind)
		}
	}
	return nil
}
