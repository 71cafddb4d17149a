package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Duration is a time.Duration that unmarshals from "30s"-style strings or integer milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the conductor control plane.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Projects  ProjectsConfig  `json:"projects"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Events    EventsConfig    `json:"events"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the HTTP/WebSocket gateway.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"`                         // from env CONDUCTOR_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket CORS whitelist (empty = allow all)
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // per-client requests per minute (0 = disabled)
}

// ProjectsConfig controls project discovery and the routing knowledge base.
type ProjectsConfig struct {
	Roots    FlexibleStringSlice       `json:"roots"`
	MaxDepth int                       `json:"max_depth,omitempty"` // directory levels below each root (default 2)
	Watch    bool                      `json:"watch,omitempty"`     // rescan roots on filesystem changes
	Profiles map[string]ProjectProfile `json:"profiles,omitempty"`  // keyed by project id
}

// ProjectProfile is the per-project knowledge used by keyword routing.
type ProjectProfile struct {
	KeyConcepts []string `json:"key_concepts,omitempty"`
	TechStack   []string `json:"tech_stack,omitempty"`
	Services    []string `json:"services,omitempty"`
}

// DispatchConfig configures message dispatch and agent-server lifecycle.
type DispatchConfig struct {
	MaxConcurrent int `json:"max_concurrent"`

	// Agent-server process settings.
	Command          string              `json:"command"`
	Args             FlexibleStringSlice `json:"args,omitempty"` // "{port}" and "{dir}" are substituted
	PortRangeStart   int                 `json:"port_range_start"`
	PortRangeEnd     int                 `json:"port_range_end"`
	Host             string              `json:"host,omitempty"`
	HealthPath       string              `json:"health_path,omitempty"`
	StartTimeout     Duration            `json:"start_timeout,omitempty"`
	HealthInterval   Duration            `json:"health_interval,omitempty"`
	FailureThreshold int                 `json:"failure_threshold,omitempty"`

	// Auth: Password is never read from config.json, only from env.
	Password    string `json:"-"`
	PasswordEnv string `json:"password_env,omitempty"` // env var name handed to child processes
}

// EventsConfig tunes the per-project event stream subscriptions.
type EventsConfig struct {
	BackoffBase       Duration `json:"backoff_base,omitempty"`
	BackoffMax        Duration `json:"backoff_max,omitempty"`
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"`
	HeartbeatTimeout  Duration `json:"heartbeat_timeout,omitempty"`
}

// DatabaseConfig selects where server records are persisted.
// PostgresDSN is NEVER read from config.json (secret); only from env CONDUCTOR_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "file" (default), "sqlite" or "managed"
	Path        string `json:"path,omitempty"` // file or sqlite location
	PostgresDSN string `json:"-"`
}

// IsManagedMode returns true if server records live in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS
	ServiceName string            `json:"service_name,omitempty"` // default "conductor"
	Headers     map[string]string `json:"headers,omitempty"`
}

// NotifyConfig configures external notification sinks.
type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
	Discord  DiscordNotifyConfig  `json:"discord,omitempty"`
}

// TelegramNotifyConfig sends dispatch notifications to one operator chat.
type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // from env CONDUCTOR_TELEGRAM_TOKEN only
	ChatID  int64  `json:"chat_id,omitempty"`
}

// DiscordNotifyConfig sends dispatch notifications to one channel.
type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Token     string `json:"-"` // from env CONDUCTOR_DISCORD_TOKEN only
	ChannelID string `json:"channel_id,omitempty"`
}

// Profile returns the configured routing profile for a project id.
func (c *Config) Profile(projectID string) (ProjectProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.Projects.Profiles[projectID]
	return p, ok
}

// SetProfile replaces the routing profile for a project id.
func (c *Config) SetProfile(projectID string, p ProjectProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Projects.Profiles == nil {
		c.Projects.Profiles = make(map[string]ProjectProfile)
	}
	c.Projects.Profiles[projectID] = p
}
