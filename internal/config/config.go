// Package config loads deskrelay configuration from an optional YAML file
// with DESKRELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Push transports for the desktop relay.
const (
	PushWebSocket = "websocket"
	PushPostgres  = "postgres"
	PushNone      = "none"
)

// StoreConfig selects the shared store.
type StoreConfig struct {
	Driver string
	DSN    string // file path for sqlite, connection URL for postgres
}

// ServerConfig holds relay server settings.
type ServerConfig struct {
	ListenAddr   string
	JWTSecret    string
	LeaseTimeout time.Duration // 0 disables the orphan reaper
	Retention    time.Duration // 0 disables purging
	ReapInterval time.Duration
}

// AgentConfig holds desktop agent settings.
type AgentConfig struct {
	ServerURL         string // relay server base URL (http:// or https://)
	Token             string // bearer token of the signed-in user
	StateDir          string
	DeviceName        string
	Push              string
	BackendURL        string
	BackendTimeout    time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxConcurrent     int
	SeenCapacity      int
}

// Config holds all configuration.
type Config struct {
	LogLevel string
	Store    StoreConfig
	Server   ServerConfig
	Agent    AgentConfig
}

// defaultStateDir is where instance identity and the local store live.
func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "deskrelay")
	}
	return ".deskrelay"
}

func setDefaults(v *viper.Viper) {
	stateDir := defaultStateDir()

	v.SetDefault("log_level", "info")

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", filepath.Join(stateDir, "relay.db"))

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.lease_timeout", 0)
	v.SetDefault("server.retention", 30*24*time.Hour)
	v.SetDefault("server.reap_interval", time.Minute)

	v.SetDefault("agent.server_url", "http://127.0.0.1:8080")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.state_dir", stateDir)
	v.SetDefault("agent.device_name", "")
	v.SetDefault("agent.push", PushWebSocket)
	v.SetDefault("agent.backend_url", "http://127.0.0.1:8000")
	v.SetDefault("agent.backend_timeout", 60*time.Second)
	v.SetDefault("agent.heartbeat_interval", 30*time.Second)
	v.SetDefault("agent.poll_interval", 5*time.Second)
	v.SetDefault("agent.max_concurrent", 1)
	v.SetDefault("agent.seen_capacity", 100)
}

// Load reads the config file at path (optional) and applies environment
// overrides such as DESKRELAY_STORE_DSN or DESKRELAY_AGENT_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DESKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		LogLevel: strings.ToLower(v.GetString("log_level")),
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
			DSN:    v.GetString("store.dsn"),
		},
		Server: ServerConfig{
			ListenAddr:   v.GetString("server.listen_addr"),
			JWTSecret:    v.GetString("server.jwt_secret"),
			LeaseTimeout: v.GetDuration("server.lease_timeout"),
			Retention:    v.GetDuration("server.retention"),
			ReapInterval: v.GetDuration("server.reap_interval"),
		},
		Agent: AgentConfig{
			ServerURL:         strings.TrimRight(v.GetString("agent.server_url"), "/"),
			Token:             v.GetString("agent.token"),
			StateDir:          v.GetString("agent.state_dir"),
			DeviceName:        v.GetString("agent.device_name"),
			Push:              strings.ToLower(v.GetString("agent.push")),
			BackendURL:        v.GetString("agent.backend_url"),
			BackendTimeout:    v.GetDuration("agent.backend_timeout"),
			HeartbeatInterval: v.GetDuration("agent.heartbeat_interval"),
			PollInterval:      v.GetDuration("agent.poll_interval"),
			MaxConcurrent:     v.GetInt("agent.max_concurrent"),
			SeenCapacity:      v.GetInt("agent.seen_capacity"),
		},
	}
	return cfg, nil
}

// Validate checks settings shared by every role.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("invalid store driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return errors.New("store dsn is required")
	}
	return nil
}

// ValidateServer checks the settings the relay server needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Server.ListenAddr == "" {
		return errors.New("server listen address is required")
	}
	if c.Server.JWTSecret == "" {
		return errors.New("server jwt secret is required")
	}
	if c.Server.LeaseTimeout < 0 || c.Server.Retention < 0 {
		return errors.New("lease timeout and retention must not be negative")
	}
	return nil
}

// ValidateAgent checks the settings the desktop agent needs.
func (c *Config) ValidateAgent() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Agent.Token == "" {
		return errors.New("agent token is required")
	}
	switch c.Agent.Push {
	case PushWebSocket:
		if c.Agent.ServerURL == "" {
			return errors.New("agent server url is required for websocket push")
		}
	case PushPostgres:
		if c.Store.Driver != DriverPostgres {
			return errors.New("postgres push requires the postgres store driver")
		}
	case PushNone:
	default:
		return fmt.Errorf("invalid push transport %q", c.Agent.Push)
	}
	if c.Agent.BackendURL == "" {
		return errors.New("agent backend url is required")
	}
	if c.Agent.PollInterval < 100*time.Millisecond {
		return errors.New("poll interval must be at least 100ms")
	}
	if c.Agent.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.Agent.MaxConcurrent < 1 {
		return errors.New("max concurrent must be at least 1")
	}
	return nil
}

// WebSocketURL derives the realtime endpoint from the server URL.
func (a AgentConfig) WebSocketURL() string {
	u := a.ServerURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/v1/websocket"
}
