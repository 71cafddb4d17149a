package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18800,
			RateLimitRPM: 60,
		},
		Projects: ProjectsConfig{
			Roots:    FlexibleStringSlice{"~/projects"},
			MaxDepth: 2,
			Watch:    true,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:    3,
			Command:          "opencode",
			Args:             FlexibleStringSlice{"serve", "--port", "{port}", "--hostname", "127.0.0.1"},
			PortRangeStart:   4100,
			PortRangeEnd:     4199,
			Host:             "127.0.0.1",
			HealthPath:       "/config",
			StartTimeout:     Duration(30 * time.Second),
			HealthInterval:   Duration(30 * time.Second),
			FailureThreshold: 3,
			PasswordEnv:      "OPENCODE_SERVER_PASSWORD",
		},
		Events: EventsConfig{
			BackoffBase:       Duration(time.Second),
			BackoffMax:        Duration(30 * time.Second),
			HeartbeatInterval: Duration(5 * time.Second),
			HeartbeatTimeout:  Duration(65 * time.Second),
		},
		Database: DatabaseConfig{
			Mode: "file",
			Path: "~/.conductor/servers.json",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "conductor",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Secrets
	envStr("CONDUCTOR_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CONDUCTOR_SERVER_PASSWORD", &c.Dispatch.Password)
	envStr("CONDUCTOR_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CONDUCTOR_TELEGRAM_TOKEN", &c.Notify.Telegram.Token)
	envStr("CONDUCTOR_DISCORD_TOKEN", &c.Notify.Discord.Token)

	// Gateway host/port
	envStr("CONDUCTOR_HOST", &c.Gateway.Host)
	envInt("CONDUCTOR_PORT", &c.Gateway.Port)

	// Projects (comma-separated roots)
	if v := os.Getenv("CONDUCTOR_PROJECT_ROOTS"); v != "" {
		c.Projects.Roots = strings.Split(v, ",")
	}

	// Dispatch
	envInt("CONDUCTOR_MAX_CONCURRENT", &c.Dispatch.MaxConcurrent)
	envStr("CONDUCTOR_SERVER_COMMAND", &c.Dispatch.Command)

	// Database
	envStr("CONDUCTOR_DB_MODE", &c.Database.Mode)
	envStr("CONDUCTOR_DB_PATH", &c.Database.Path)

	// Telemetry
	envStr("CONDUCTOR_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CONDUCTOR_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CONDUCTOR_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CONDUCTOR_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CONDUCTOR_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Notify
	if v := os.Getenv("CONDUCTOR_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.Telegram.ChatID = id
		}
	}
	envStr("CONDUCTOR_DISCORD_CHANNEL_ID", &c.Notify.Discord.ChannelID)

	// Auto-enable sinks if credentials are provided via env
	if c.Notify.Telegram.Token != "" && c.Notify.Telegram.ChatID != 0 {
		c.Notify.Telegram.Enabled = true
	}
	if c.Notify.Discord.Token != "" && c.Notify.Discord.ChannelID != "" {
		c.Notify.Discord.Enabled = true
	}
}

// Validate rejects configurations the dispatcher cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.MaxConcurrent <= 0 {
		return fmt.Errorf("dispatch.max_concurrent must be positive, got %d", c.Dispatch.MaxConcurrent)
	}
	if c.Dispatch.PortRangeStart <= 0 || c.Dispatch.PortRangeEnd < c.Dispatch.PortRangeStart {
		return fmt.Errorf("invalid dispatch port range %d-%d", c.Dispatch.PortRangeStart, c.Dispatch.PortRangeEnd)
	}
	switch c.Database.Mode {
	case "", "file", "sqlite", "managed":
	default:
		return fmt.Errorf("unknown database.mode %q", c.Database.Mode)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("unknown telemetry.protocol %q", c.Telemetry.Protocol)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// ResolvedRoots returns the project roots with ~ expanded and made absolute.
func (c *Config) ResolvedRoots() []string {
	roots := make([]string, 0, len(c.Projects.Roots))
	for _, r := range c.Projects.Roots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		r = ExpandHome(r)
		if abs, err := filepath.Abs(r); err == nil {
			r = abs
		}
		roots = append(roots, r)
	}
	return roots
}
