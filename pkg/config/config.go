// Package config resolves the Bridge's configuration: listener addresses,
// the origin allow-list, auth requirements, cache TTLs, mailbox sizing and
// the static file server. It implements the precedence chain described by
// the Config Resolver Adapter: built-in defaults, a config file, process
// environment variables, and finally a RuntimeOverrides struct supplied by
// the caller (typically CLI flags).
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Duration marshals as a Go duration string ("30s", "5m") in TOML instead of
// as an integer, matching how the rest of the config is authored by hand.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// BridgeConfig holds the WebSocket bridge's listener and policy settings,
// the `[bridge]` table in the TOML config file.
type BridgeConfig struct {
	Host                 string   `toml:"host"`
	Port                 int      `toml:"port"`
	RequireAuth          bool     `toml:"require_auth"`
	AllowedOrigins       []string `toml:"allowed_origins"`
	DefaultQueryTTL      Duration `toml:"default_query_ttl"`
	MailboxCapacity      int      `toml:"mailbox_capacity"`
	ShutdownDeadline     Duration `toml:"shutdown_deadline"`
	AllowClientBroadcast bool     `toml:"allow_client_broadcast"`
}

// HTTPConfig holds the static-file companion server's settings, the
// `[http]` table in the TOML config file.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Root    string `toml:"root"`
	CORS    string `toml:"cors"` // "open" or "off"
}

// Config is the fully merged configuration consumed by the Bridge Server
// and the HTTP Static Server. After Resolve returns, a Config is immutable
// -- readers never need to lock it.
type Config struct {
	Bridge BridgeConfig `toml:"bridge"`
	HTTP   HTTPConfig   `toml:"http"`
}

// RuntimeOverrides carries the highest-precedence values, typically parsed
// CLI flags. A nil pointer field means "not set"; it leaves the value from
// a lower-precedence source untouched.
type RuntimeOverrides struct {
	BridgeHost       *string
	BridgePort       *int
	RequireAuth      *bool
	AllowedOrigins   []string
	DefaultQueryTTL  *time.Duration
	MailboxCapacity  *int
	ShutdownDeadline *time.Duration
	HTTPEnabled      *bool
	HTTPHost         *string
	HTTPPort         *int
	HTTPRoot         *string
	HTTPCors         *string
}

// defaultConfig returns the built-in defaults: the lowest rung of the
// precedence ladder.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Host:             "localhost",
			Port:             7777,
			RequireAuth:      false,
			AllowedOrigins:   nil,
			DefaultQueryTTL:  Duration{60 * time.Second},
			MailboxCapacity:  64,
			ShutdownDeadline: Duration{5 * time.Second},
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    7778,
			Root:    "./public",
			CORS:    "open",
		},
	}
}

// Resolve builds the merged Config: defaults, then the file at configPath
// (if it exists), then process environment variables, then overrides. A
// config whose required-for-mode fields end up missing or invalid fails
// fast with a descriptive error.
func Resolve(configPath string, overrides RuntimeOverrides) (*Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("unmarshaling config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	applyEnv(cfg)
	applyOverrides(cfg, overrides)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		cfg.Bridge.Host = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.Port = n
		}
	}
	if v := os.Getenv("BRIDGE_REQUIRE_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Bridge.RequireAuth = b
		}
	}
	if v := os.Getenv("BRIDGE_ALLOWED_ORIGINS"); v != "" {
		cfg.Bridge.AllowedOrigins = splitAndTrim(v)
	}
	if v := os.Getenv("BRIDGE_DEFAULT_QUERY_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.DefaultQueryTTL = Duration{time.Duration(n) * time.Second}
		}
	}
	if v := os.Getenv("BRIDGE_MAILBOX_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.MailboxCapacity = n
		}
	}
	if v := os.Getenv("BRIDGE_SHUTDOWN_DEADLINE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.ShutdownDeadline = Duration{time.Duration(n) * time.Second}
		}
	}
	if v := os.Getenv("HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if v := os.Getenv("HTTP_ROOT"); v != "" {
		cfg.HTTP.Root = v
	}
	if v := os.Getenv("HTTP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HTTP.Enabled = b
		}
	}
	if v := os.Getenv("HTTP_CORS"); v != "" {
		cfg.HTTP.CORS = v
	}
}

func applyOverrides(cfg *Config, o RuntimeOverrides) {
	if o.BridgeHost != nil {
		cfg.Bridge.Host = *o.BridgeHost
	}
	if o.BridgePort != nil {
		cfg.Bridge.Port = *o.BridgePort
	}
	if o.RequireAuth != nil {
		cfg.Bridge.RequireAuth = *o.RequireAuth
	}
	if o.AllowedOrigins != nil {
		cfg.Bridge.AllowedOrigins = o.AllowedOrigins
	}
	if o.DefaultQueryTTL != nil {
		cfg.Bridge.DefaultQueryTTL = Duration{*o.DefaultQueryTTL}
	}
	if o.MailboxCapacity != nil {
		cfg.Bridge.MailboxCapacity = *o.MailboxCapacity
	}
	if o.ShutdownDeadline != nil {
		cfg.Bridge.ShutdownDeadline = Duration{*o.ShutdownDeadline}
	}
	if o.HTTPEnabled != nil {
		cfg.HTTP.Enabled = *o.HTTPEnabled
	}
	if o.HTTPHost != nil {
		cfg.HTTP.Host = *o.HTTPHost
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.HTTPRoot != nil {
		cfg.HTTP.Root = *o.HTTPRoot
	}
	if o.HTTPCors != nil {
		cfg.HTTP.CORS = *o.HTTPCors
	}
}

func (c *Config) validate() error {
	if c.Bridge.Port <= 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("config error: bridge.port %d out of range", c.Bridge.Port)
	}
	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("config error: http.port %d out of range", c.HTTP.Port)
		}
		if c.HTTP.Root == "" {
			return fmt.Errorf("config error: http.root is required when http.enabled")
		}
	}
	if c.Bridge.MailboxCapacity <= 0 {
		return fmt.Errorf("config error: bridge.mailbox_capacity must be positive")
	}
	switch c.HTTP.CORS {
	case "", "open", "off":
	default:
		return fmt.Errorf("config error: http.cors must be \"open\" or \"off\", got %q", c.HTTP.CORS)
	}
	return nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BridgeAddr returns the "host:port" listener address for the Bridge.
func (c *Config) BridgeAddr() string {
	return fmt.Sprintf("%s:%d", c.Bridge.Host, c.Bridge.Port)
}

// HTTPAddr returns the "host:port" listener address for the static server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// SaveTemplateConfig writes a commented sample config.toml to configPath.
func SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(configPath, []byte(configTemplate), 0644)
}

// GetConfigDir returns the configuration directory for bridgectl.
func GetConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "bridgectl")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "."
	}
	return dir
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.toml")
}
