// Package config provides configuration management for the fuel daemon and CLI.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Complexity levels accepted on tasks and used for agent selection.
var Complexities = []string{"trivial", "simple", "moderate", "complex"}

// Config holds all configuration sections for fuel.
type Config struct {
	DataDir           string                 `mapstructure:"data_dir"`
	Consume           ConsumeConfig          `mapstructure:"consume"`
	Agents            map[string]AgentConfig `mapstructure:"agents"`
	ComplexityToAgent map[string]string      `mapstructure:"complexity_to_agent"`
	ReviewAgent       string                 `mapstructure:"review_agent"`
	Events            EventsConfig           `mapstructure:"events"`
	Browser           BrowserConfig          `mapstructure:"browser"`
	Database          DatabaseConfig         `mapstructure:"database"`
	Logging           LoggingConfig          `mapstructure:"logging"`
}

// ConsumeConfig holds the daemon loop configuration.
type ConsumeConfig struct {
	Port            int `mapstructure:"port"`
	IntervalMS      int `mapstructure:"interval_ms"`
	SnapshotMS      int `mapstructure:"snapshot_ms"`
	ReadyCacheTTLMS int `mapstructure:"ready_cache_ttl_ms"`
}

// AgentConfig describes one external agent executable.
type AgentConfig struct {
	Command            string            `mapstructure:"command"`
	Args               []string          `mapstructure:"args"`
	PromptArgs         []string          `mapstructure:"prompt_args"`
	Model              string            `mapstructure:"model"`
	Env                map[string]string `mapstructure:"env"`
	ConcurrencyLimit   int               `mapstructure:"concurrency_limit"`
	MaxRetries         int               `mapstructure:"max_retries"`
	MaxAttempts        int               `mapstructure:"max_attempts"`
	PermissionPatterns []string          `mapstructure:"permission_patterns"`
	NetworkPatterns    []string          `mapstructure:"network_patterns"`
}

// EventsConfig holds event bus configuration. An empty NATS URL selects the
// in-memory bus.
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// BrowserConfig holds the sibling headless-browser helper endpoint.
type BrowserConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	CallTimeoutMS int    `mapstructure:"call_timeout_ms"`
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"` // sqlite3 (default) or pgx
	Path          string `mapstructure:"path"`   // sqlite file; defaults to <data_dir>/agent.db
	DSN           string `mapstructure:"dsn"`    // postgres connection string when driver=pgx
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// IntervalDuration returns the tick sleep as a time.Duration.
func (c *ConsumeConfig) IntervalDuration() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// SnapshotDuration returns the periodic broadcast cadence as a time.Duration.
func (c *ConsumeConfig) SnapshotDuration() time.Duration {
	return time.Duration(c.SnapshotMS) * time.Millisecond
}

// ReadyCacheTTL returns the ready-list cache TTL as a time.Duration.
func (c *ConsumeConfig) ReadyCacheTTL() time.Duration {
	return time.Duration(c.ReadyCacheTTLMS) * time.Millisecond
}

// CallTimeout returns the browser RPC timeout as a time.Duration.
func (b *BrowserConfig) CallTimeout() time.Duration {
	return time.Duration(b.CallTimeoutMS) * time.Millisecond
}

// Agent looks up one agent's configuration by name.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	a, ok := c.Agents[name]
	return a, ok
}

// AgentFor maps a task complexity to the configured agent name.
func (c *Config) AgentFor(complexity string) (string, bool) {
	name, ok := c.ComplexityToAgent[complexity]
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// DatabasePath resolves the sqlite file path, defaulting to <data_dir>/agent.db.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "agent.db")
}

// PIDFilePath returns the daemon PID file location.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.DataDir, "consume.pid")
}

// ProcessLogDir returns the directory holding per-run stdout/stderr logs.
func (c *Config) ProcessLogDir() string {
	return filepath.Join(c.DataDir, "processes")
}

// PromptsDir returns the directory holding prompt template overrides.
func (c *Config) PromptsDir() string {
	return filepath.Join(c.DataDir, "prompts")
}

// Port returns the configured daemon port, deriving a stable per-project
// port from the data directory when none is configured.
func (c *Config) Port() int {
	if c.Consume.Port > 0 {
		return c.Consume.Port
	}
	return DefaultPort(c.DataDir)
}

// DefaultPort derives a stable loopback port from the project's data
// directory so independent projects on one host do not collide.
func DefaultPort(dataDir string) int {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		abs = dataDir
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(abs))
	return 20000 + int(h.Sum32()%20000)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".fuel")

	// Daemon loop defaults
	v.SetDefault("consume.port", 0) // 0 = derive from data dir
	v.SetDefault("consume.interval_ms", 100)
	v.SetDefault("consume.snapshot_ms", 2000)
	v.SetDefault("consume.ready_cache_ttl_ms", 2000)

	// Events defaults - empty URL means use in-memory event bus
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.client_id", "consume")
	v.SetDefault("events.max_reconnects", 10)

	// Browser helper defaults - empty endpoint disables browser_* pass-through
	v.SetDefault("browser.endpoint", "")
	v.SetDefault("browser.call_timeout_ms", 10000)

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.busy_timeout_ms", 5000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stderr")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("FUEL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FUEL_ with snake_case naming.
// The config file is config.yaml inside the data directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The daemon's own name is accepted as an alias for its port so wrapper
	// scripts can export CONSUME_PORT without the FUEL_ prefix.
	_ = v.BindEnv("consume.port", "FUEL_CONSUME_PORT", "CONSUME_PORT")
	_ = v.BindEnv("data_dir", "FUEL_DATA_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".fuel")
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	normalize(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// normalize fills per-agent defaults that validate would otherwise reject.
func normalize(cfg *Config) {
	for name, agent := range cfg.Agents {
		if agent.ConcurrencyLimit <= 0 {
			agent.ConcurrencyLimit = 1
		}
		if agent.MaxRetries <= 0 {
			agent.MaxRetries = 3
		}
		if agent.MaxAttempts <= 0 {
			agent.MaxAttempts = 3
		}
		cfg.Agents[name] = agent
	}
}

// validate checks that all required configuration fields are consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.DataDir == "" {
		errs = append(errs, "data_dir must not be empty")
	}

	if cfg.Consume.Port < 0 || cfg.Consume.Port > 65535 {
		errs = append(errs, "consume.port must be between 0 and 65535")
	}
	if cfg.Consume.IntervalMS <= 0 {
		errs = append(errs, "consume.interval_ms must be positive")
	}
	if cfg.Consume.SnapshotMS <= 0 {
		errs = append(errs, "consume.snapshot_ms must be positive")
	}
	if cfg.Consume.ReadyCacheTTLMS <= 0 {
		errs = append(errs, "consume.ready_cache_ttl_ms must be positive")
	}

	for name, agent := range cfg.Agents {
		if agent.Command == "" {
			errs = append(errs, fmt.Sprintf("agents.%s.command is required", name))
		}
	}

	validComplexity := map[string]bool{}
	for _, c := range Complexities {
		validComplexity[c] = true
	}
	for complexity, agent := range cfg.ComplexityToAgent {
		if !validComplexity[complexity] {
			errs = append(errs, fmt.Sprintf("complexity_to_agent key %q is not a known complexity", complexity))
		}
		if _, ok := cfg.Agents[agent]; !ok {
			errs = append(errs, fmt.Sprintf("complexity_to_agent.%s refers to unknown agent %q", complexity, agent))
		}
	}

	if cfg.ReviewAgent != "" {
		if _, ok := cfg.Agents[cfg.ReviewAgent]; !ok {
			errs = append(errs, fmt.Sprintf("review_agent refers to unknown agent %q", cfg.ReviewAgent))
		}
	}

	switch cfg.Database.Driver {
	case "sqlite3":
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
