// ABOUTME: Configuration loading and parsing for relay-router
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-router configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Chat     ChatConfig     `yaml:"chat"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds listener address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the embedded store location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the shared-key and bootstrap-JWT secrets.
type AuthConfig struct {
	SharedAPIKey string `yaml:"shared_api_key"`
	JWTSecret    string `yaml:"jwt_secret"`
}

// LimitsConfig holds the quota values named in the external interface.
type LimitsConfig struct {
	MaxCommandLengthBytes int `yaml:"max_command_length_bytes"`
	MaxQueuePerMachine    int `yaml:"max_queue_per_machine"`
	MaxTotalSessions      int `yaml:"max_total_sessions"`

	SessionTTL             time.Duration `yaml:"-"`
	ReplyTokenTTL          time.Duration `yaml:"-"`
	SeenUpdateRetention    time.Duration `yaml:"-"`
	SessionTTLRaw          string        `yaml:"session_ttl"`
	ReplyTokenTTLRaw       string        `yaml:"reply_token_ttl"`
	SeenUpdateRetentionRaw string        `yaml:"seen_update_retention"`
}

// ChatConfig holds the chat-platform adapter's credentials and allowlists.
type ChatConfig struct {
	BotToken         string   `yaml:"bot_token"`
	WebhookSecret    string   `yaml:"webhook_secret"`
	WebhookPathToken string   `yaml:"webhook_path_secret"`
	AllowedChatIDs   []string `yaml:"allowed_chat_ids"`
	AllowedUserIDs   []string `yaml:"allowed_user_ids"`
	// AllowBareToken is parsed (default true) but not read by the webhook
	// handler, which accepts bare "TOKEN text" commands regardless.
	AllowBareToken bool `yaml:"allow_bare_token_commands"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// defaults mirrors the values named in the external interface section.
func defaults() Config {
	return Config{
		Server:   ServerConfig{HTTPAddr: ":8443"},
		Database: DatabaseConfig{Path: "relay-router.db"},
		Limits: LimitsConfig{
			MaxCommandLengthBytes:  10240,
			MaxQueuePerMachine:     100,
			MaxTotalSessions:       1000,
			SessionTTLRaw:          "24h",
			ReplyTokenTTLRaw:       "24h",
			SeenUpdateRetentionRaw: "1h",
		},
		Chat:    ChatConfig{AllowBareToken: true},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded. Duration
// strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if cfg.Auth.SharedAPIKey == "" {
		return nil, fmt.Errorf("auth.shared_api_key is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session_ttl", cfg.Limits.SessionTTLRaw, &cfg.Limits.SessionTTL},
		{"reply_token_ttl", cfg.Limits.ReplyTokenTTLRaw, &cfg.Limits.ReplyTokenTTL},
		{"seen_update_retention", cfg.Limits.SeenUpdateRetentionRaw, &cfg.Limits.SeenUpdateRetention},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
