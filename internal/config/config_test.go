// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, env overrides and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable the loader reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"BOT_TOKEN", "OPERATOR_GROUP_ID", "DB_PATH", "LOG_LEVEL", "LOG_MESSAGES", "REDIS_URL",
		"TOPIC_RELAY_CONFIG", "XDG_CONFIG_HOME",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
telegram:
  bot_token: "123:abc"
  operator_group_id: -1001234
  greeting: "Hi!"

database:
  path: "./test.db"

relay:
  log_messages: true
  dedupe_ttl: "30s"
  dedupe_max_entries: 500

server:
  http_addr: "127.0.0.1:8080"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("Telegram.BotToken = %q, want %q", cfg.Telegram.BotToken, "123:abc")
	}
	if cfg.Telegram.OperatorGroupID != -1001234 {
		t.Errorf("Telegram.OperatorGroupID = %d, want %d", cfg.Telegram.OperatorGroupID, -1001234)
	}
	if cfg.Telegram.Greeting != "Hi!" {
		t.Errorf("Telegram.Greeting = %q", cfg.Telegram.Greeting)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if !cfg.Relay.LogMessages {
		t.Error("Relay.LogMessages = false, want true")
	}
	if cfg.Relay.DedupeTTL != 30*time.Second {
		t.Errorf("Relay.DedupeTTL = %v, want 30s", cfg.Relay.DedupeTTL)
	}
	if cfg.Relay.DedupeMaxEntries != 500 {
		t.Errorf("Relay.DedupeMaxEntries = %d, want 500", cfg.Relay.DedupeMaxEntries)
	}
	if !cfg.AdminEnabled() {
		t.Error("AdminEnabled() = false with http_addr set")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.toml", `
[telegram]
bot_token = "123:abc"
operator_group_id = -1005

[relay]
dedupe_ttl = "2m"
redis_url = "redis://localhost:6379/0"

[tailscale]
enabled = true
hostname = "relay-admin"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Telegram.OperatorGroupID != -1005 {
		t.Errorf("Telegram.OperatorGroupID = %d, want -1005", cfg.Telegram.OperatorGroupID)
	}
	if cfg.Relay.DedupeTTL != 2*time.Minute {
		t.Errorf("Relay.DedupeTTL = %v, want 2m", cfg.Relay.DedupeTTL)
	}
	if cfg.Relay.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Relay.RedisURL = %q", cfg.Relay.RedisURL)
	}
	if !cfg.Tailscale.Enabled || cfg.Tailscale.Hostname != "relay-admin" {
		t.Errorf("Tailscale = %+v", cfg.Tailscale)
	}
	// Untouched sections keep their defaults
	if cfg.Database.Path != DefaultDatabasePath {
		t.Errorf("Database.Path = %q, want default %q", cfg.Database.Path, DefaultDatabasePath)
	}
	if cfg.Relay.DedupeMaxEntries != DefaultDedupeMaxEntries {
		t.Errorf("Relay.DedupeMaxEntries = %d, want default", cfg.Relay.DedupeMaxEntries)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_RELAY_TOKEN", "999:xyz")
	t.Setenv("TEST_RELAY_SECRET", "expanded-secret")
	path := writeConfig(t, "config.yaml", `
telegram:
  bot_token: "${TEST_RELAY_TOKEN}"
  operator_group_id: -100
auth:
  jwt_secret: "${TEST_RELAY_SECRET}"
server:
  http_addr: "${TEST_RELAY_UNSET_ADDR}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Telegram.BotToken != "999:xyz" {
		t.Errorf("Telegram.BotToken = %q, want %q", cfg.Telegram.BotToken, "999:xyz")
	}
	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Server.HTTPAddr != "" {
		t.Errorf("unset variable should expand to empty, got %q", cfg.Server.HTTPAddr)
	}
	if cfg.AdminEnabled() {
		t.Error("AdminEnabled() = true without a listener")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
telegram:
  bot_token: "file-token"
  operator_group_id: -1
database:
  path: "file.db"
logging:
  level: "info"
`)
	t.Setenv("BOT_TOKEN", "env-token")
	t.Setenv("OPERATOR_GROUP_ID", "-1009")
	t.Setenv("DB_PATH", "/data/env.db")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("LOG_MESSAGES", "true")
	t.Setenv("REDIS_URL", "redis://cache:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Telegram.BotToken != "env-token" {
		t.Errorf("BotToken = %q, want env-token", cfg.Telegram.BotToken)
	}
	if cfg.Telegram.OperatorGroupID != -1009 {
		t.Errorf("OperatorGroupID = %d, want -1009", cfg.Telegram.OperatorGroupID)
	}
	if cfg.Database.Path != "/data/env.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if !cfg.Relay.LogMessages {
		t.Error("LogMessages = false, want true")
	}
	if cfg.Relay.RedisURL != "redis://cache:6379" {
		t.Errorf("RedisURL = %q", cfg.Relay.RedisURL)
	}
}

func TestLoad_BadEnvOverrides(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"OPERATOR_GROUP_ID", "not-a-number"},
		{"LOG_MESSAGES", "sometimes"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("BOT_TOKEN", "t")
			t.Setenv("OPERATOR_GROUP_ID", "-1")
			t.Setenv(tt.key, tt.value)
			path := writeConfig(t, "config.yaml", "")

			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q should name %s", err, tt.key)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", "telegram:\n  bot_token: [unclosed\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
telegram:
  bot_token: "t"
  operator_group_id: -1
relay:
  dedupe_ttl: "soon"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "dedupe_ttl") {
		t.Errorf("error %q should mention dedupe_ttl", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Telegram.BotToken = "t"
		cfg.Telegram.OperatorGroupID = -100
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.BotToken = "" }, "bot_token"},
		{"missing group", func(c *Config) { c.Telegram.OperatorGroupID = 0 }, "operator_group_id"},
		{"positive group", func(c *Config) { c.Telegram.OperatorGroupID = 42 }, "supergroup"},
		{"missing db", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"negative ttl", func(c *Config) { c.Relay.DedupeTTL = -time.Second }, "dedupe_ttl"},
		{"tailscale without hostname", func(c *Config) {
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = ""
		}, "tailscale.hostname"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")
	t.Setenv("TEST_EXPAND_B", "beta")

	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"${TEST_EXPAND_A}", "alpha"},
		{"${TEST_EXPAND_A}-${TEST_EXPAND_B}", "alpha-beta"},
		{"x${TEST_EXPAND_MISSING}y", "xy"},
		{"$TEST_EXPAND_A", "$TEST_EXPAND_A"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOPIC_RELAY_CONFIG", "/etc/relay.toml")
	path, explicit, err := ResolvePath()
	if err != nil || path != "/etc/relay.toml" || !explicit {
		t.Fatalf("ResolvePath() = %q, %v, %v", path, explicit, err)
	}

	t.Setenv("TOPIC_RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	path, explicit, err = ResolvePath()
	if err != nil || path != filepath.Join("/xdg", "topic-relay", "config.yaml") || explicit {
		t.Fatalf("ResolvePath() = %q, %v, %v", path, explicit, err)
	}
}

func TestLoadDefault_MissingDefaultFileUsesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BOT_TOKEN", "env-only")
	t.Setenv("OPERATOR_GROUP_ID", "-100")

	cfg, path, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty when no file was read", path)
	}
	if cfg.Telegram.BotToken != "env-only" {
		t.Errorf("BotToken = %q", cfg.Telegram.BotToken)
	}
	if cfg.Relay.DedupeTTL != DefaultDedupeTTL {
		t.Errorf("DedupeTTL = %v, want default", cfg.Relay.DedupeTTL)
	}
}

func TestLoadDefault_MissingExplicitFileFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOPIC_RELAY_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("BOT_TOKEN", "t")
	t.Setenv("OPERATOR_GROUP_ID", "-100")

	if _, _, err := LoadDefault(); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}
