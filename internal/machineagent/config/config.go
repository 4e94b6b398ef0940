// ABOUTME: Configuration loading and parsing for relay-agent
// ABOUTME: Supports TOML files with environment variable expansion, mirroring the router's YAML loader

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the complete relay-agent configuration.
type Config struct {
	MachineID string       `toml:"machine_id"`
	// ChatID is the single chat this machine's notifications go to and
	// commands are accepted from, in either mode. Falls back to
	// direct.chat_id when unset, so an existing direct-mode config needs
	// no change.
	ChatID    string        `toml:"chat_id"`
	Router    RouterConfig  `toml:"router"`
	Local     LocalConfig   `toml:"local"`
	Direct    DirectConfig  `toml:"direct"`
	Logging   LoggingConfig `toml:"logging"`
}

// RouterConfig holds how to reach the Edge Router, if at all.
// An empty URL means the Agent runs in direct mode (see DirectConfig).
type RouterConfig struct {
	URL             string `toml:"edge_router_url"`
	SharedAPIKey    string `toml:"shared_api_key"`
	ReconnectInitial    time.Duration `toml:"-"`
	ReconnectMax        time.Duration `toml:"-"`
	PongTimeout         time.Duration `toml:"-"`
	ReconnectInitialRaw string        `toml:"reconnect_initial"`
	ReconnectMaxRaw     string        `toml:"reconnect_max"`
	PongTimeoutRaw      string        `toml:"pong_timeout"`
}

// LocalConfig holds the Agent's loopback HTTP surface and local storage.
type LocalConfig struct {
	HTTPAddr  string `toml:"http_addr"`
	DataDir   string `toml:"data_dir"`
}

// DirectConfig holds credentials used when no Router is configured and the
// Agent must post notifications straight to the chat platform.
type DirectConfig struct {
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func defaults() Config {
	return Config{
		Local: LocalConfig{HTTPAddr: "127.0.0.1:8780", DataDir: "."},
		Router: RouterConfig{
			ReconnectInitialRaw: "1s",
			ReconnectMaxRaw:     "30s",
			PongTimeoutRaw:      "90s",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a TOML configuration file, expanding ${VAR} environment
// references the same way the router's YAML loader does.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := defaults()
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if cfg.MachineID == "" {
		return nil, fmt.Errorf("machine_id is required")
	}
	if cfg.ChatID == "" {
		cfg.ChatID = cfg.Direct.ChatID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field consistency beyond what TOML decoding enforces.
func (c *Config) Validate() error {
	if c.Router.URL != "" {
		if _, err := url.Parse(c.Router.URL); err != nil {
			return fmt.Errorf("router.edge_router_url: %w", err)
		}
		if c.Router.SharedAPIKey == "" {
			return fmt.Errorf("router.shared_api_key is required when edge_router_url is set")
		}
	} else if c.Direct.BotToken == "" {
		return fmt.Errorf("either router.edge_router_url or direct.bot_token must be configured")
	}
	if c.ChatID == "" {
		return fmt.Errorf("chat_id is required")
	}
	return nil
}

// RouterMediated reports whether this Agent forwards notifications
// through an Edge Router rather than posting to the chat platform itself.
func (c *Config) RouterMediated() bool {
	return c.Router.URL != ""
}

func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_initial", cfg.Router.ReconnectInitialRaw, &cfg.Router.ReconnectInitial},
		{"reconnect_max", cfg.Router.ReconnectMaxRaw, &cfg.Router.ReconnectMax},
		{"pong_timeout", cfg.Router.PongTimeoutRaw, &cfg.Router.PongTimeout},
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
