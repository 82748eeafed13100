// ABOUTME: Configuration loading and parsing for topic-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion, overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the file and the environment are read.
const (
	DefaultDatabasePath     = "topic-relay.db"
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeMaxEntries = 100_000
	DefaultLogLevel         = "info"
	DefaultTailscaleHost    = "topic-relay"
)

// Config represents the complete topic-relay configuration
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram" toml:"telegram"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// TelegramConfig holds the bot credentials and the operator workspace
type TelegramConfig struct {
	BotToken        string `yaml:"bot_token" toml:"bot_token"`
	OperatorGroupID int64  `yaml:"operator_group_id" toml:"operator_group_id"`
	Greeting        string `yaml:"greeting" toml:"greeting"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RelayConfig holds relay behaviour settings
type RelayConfig struct {
	LogMessages      bool          `yaml:"log_messages" toml:"log_messages"`
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`
	DedupeMaxEntries int           `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`
	RedisURL         string        `yaml:"redis_url" toml:"redis_url"`

	// Raw string value for unmarshaling
	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// ServerConfig holds the admin HTTP listener address. Empty disables the TCP listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Relay: RelayConfig{
			DedupeTTL:        DefaultDedupeTTL,
			DedupeMaxEntries: DefaultDedupeMaxEntries,
		},
		Tailscale: TailscaleConfig{Hostname: DefaultTailscaleHost},
		Logging:   LoggingConfig{Level: DefaultLogLevel, Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, environment overrides
// are applied and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.readFile(path); err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadDefault loads the file named by ResolvePath. A missing file at a default
// location is not an error: the service then runs from defaults and the environment.
// A missing file named by TOPIC_RELAY_CONFIG is an error.
func LoadDefault() (*Config, string, error) {
	path, explicit, err := ResolvePath()
	if err != nil {
		return nil, "", err
	}

	cfg := Default()
	if err := cfg.readFile(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, path, err
		}
		path = ""
	}
	cfg, err = finish(cfg)
	return cfg, path, err
}

// ResolvePath returns the config file location: TOPIC_RELAY_CONFIG, then
// $XDG_CONFIG_HOME/topic-relay/config.yaml, then ~/.config/topic-relay/config.yaml.
// explicit reports whether the path came from TOPIC_RELAY_CONFIG.
func ResolvePath() (path string, explicit bool, err error) {
	if p := os.Getenv("TOPIC_RELAY_CONFIG"); p != "" {
		return p, true, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "topic-relay", "config.yaml"), false, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("cannot determine home directory (set TOPIC_RELAY_CONFIG): %w", err)
	}
	return filepath.Join(home, ".config", "topic-relay", "config.yaml"), false, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, c); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets the plain environment variables of a container deployment
// win over the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("OPERATOR_GROUP_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("OPERATOR_GROUP_ID %q is not an integer", v)
		}
		cfg.Telegram.OperatorGroupID = id
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_MESSAGES"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_MESSAGES %q is not a boolean", v)
		}
		cfg.Relay.LogMessages = enabled
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Relay.RedisURL = v
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required (or set BOT_TOKEN)")
	}
	if c.Telegram.OperatorGroupID == 0 {
		return errors.New("telegram.operator_group_id is required (or set OPERATOR_GROUP_ID)")
	}
	if c.Telegram.OperatorGroupID > 0 {
		return fmt.Errorf("telegram.operator_group_id must be a supergroup id (negative), got %d", c.Telegram.OperatorGroupID)
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Relay.DedupeTTL < 0 {
		return errors.New("relay.dedupe_ttl must not be negative")
	}
	if c.Relay.DedupeMaxEntries < 0 {
		return errors.New("relay.dedupe_max_entries must not be negative")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// AdminEnabled reports whether the admin HTTP API has a listener.
func (c *Config) AdminEnabled() bool {
	return c.Server.HTTPAddr != "" || c.Tailscale.Enabled
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Relay.DedupeTTLRaw != "" {
		d, err := time.ParseDuration(cfg.Relay.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Relay.DedupeTTLRaw, err)
		}
		cfg.Relay.DedupeTTL = d
	}
	return nil
}
