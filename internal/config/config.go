// ABOUTME: Configuration loading and parsing for browser-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied to unset fields.
const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultControllerAddr    = "127.0.0.1:8081"
	DefaultMaxSessions       = 10
	DefaultIdleTimeout       = 30 * time.Minute
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultEventGapTimeout   = 90 * time.Second
	DefaultSweepInterval     = time.Minute
	DefaultRequestTimeout    = 30 * time.Second
	DefaultPingInterval      = 15 * time.Second
	DefaultPongTimeout       = 45 * time.Second
)

// Agent kinds.
const (
	AgentDirect  = "direct"
	AgentProcess = "process"
)

// Config represents the complete browser-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Capacity   CapacityConfig   `yaml:"capacity" toml:"capacity"`
	Controller ControllerConfig `yaml:"controller" toml:"controller"`
	Agent      AgentConfig      `yaml:"agent" toml:"agent"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener and admission settings
type ServerConfig struct {
	HTTPAddr       string `yaml:"http_addr" toml:"http_addr"`
	ControllerAddr string `yaml:"controller_addr" toml:"controller_addr"`

	// AdmissionRate is new client connections allowed per second; zero disables the limiter.
	AdmissionRate  float64 `yaml:"admission_rate" toml:"admission_rate"`
	AdmissionBurst int     `yaml:"admission_burst" toml:"admission_burst"`
}

// CapacityConfig bounds concurrent sessions and the timeouts applied to them
type CapacityConfig struct {
	MaxSessions int `yaml:"max_sessions" toml:"max_sessions"`

	IdleTimeout       time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	EventGapTimeout   time.Duration `yaml:"-" toml:"-"`
	SweepInterval     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IdleTimeoutRaw       string `yaml:"idle_timeout" toml:"idle_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	EventGapTimeoutRaw   string `yaml:"event_gap_timeout" toml:"event_gap_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// ControllerConfig holds timing for the controller bridge
type ControllerConfig struct {
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	PingInterval   time.Duration `yaml:"-" toml:"-"`
	PongTimeout    time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	PingIntervalRaw   string `yaml:"ping_interval" toml:"ping_interval"`
	PongTimeoutRaw    string `yaml:"pong_timeout" toml:"pong_timeout"`
}

// AgentConfig selects the agent bound to each session
type AgentConfig struct {
	Kind    string   `yaml:"kind" toml:"kind"`
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
	Env     []string `yaml:"env" toml:"env"`
	Dir     string   `yaml:"dir" toml:"dir"`
}

// DatabaseConfig holds database configuration. An empty path disables session history.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// TailscaleNode is a TailscaleConfig with its defaults and secrets filled in,
// ready to start a tsnet node.
type TailscaleNode struct {
	Hostname  string
	StateDir  string
	AuthKey   string
	Ephemeral bool
}

// ErrTailscaleAuthKey indicates neither tailscale.auth_key nor TS_AUTHKEY is set.
var ErrTailscaleAuthKey = errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")

// Node resolves the settings for a tsnet node. The state directory defaults
// to <dataDir>/tailscale and the auth key falls back to TS_AUTHKEY via getenv.
func (t TailscaleConfig) Node(dataDir string, getenv func(string) string) (TailscaleNode, error) {
	node := TailscaleNode{
		Hostname:  t.Hostname,
		StateDir:  t.StateDir,
		AuthKey:   t.AuthKey,
		Ephemeral: t.Ephemeral,
	}
	if node.StateDir == "" {
		node.StateDir = filepath.Join(dataDir, "tailscale")
	}
	if node.AuthKey == "" && getenv != nil {
		node.AuthKey = getenv("TS_AUTHKEY")
	}
	if node.AuthKey == "" {
		return TailscaleNode{}, ErrTailscaleAuthKey
	}
	return node, nil
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // color, text, json
	// File enables rotating file output instead of stdout.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

type durationField struct {
	name string
	raw  *string
	dst  *time.Duration
	def  time.Duration
}

func (c *Config) durationFields() []durationField {
	return []durationField{
		{"capacity.idle_timeout", &c.Capacity.IdleTimeoutRaw, &c.Capacity.IdleTimeout, DefaultIdleTimeout},
		{"capacity.heartbeat_interval", &c.Capacity.HeartbeatIntervalRaw, &c.Capacity.HeartbeatInterval, DefaultHeartbeatInterval},
		{"capacity.event_gap_timeout", &c.Capacity.EventGapTimeoutRaw, &c.Capacity.EventGapTimeout, DefaultEventGapTimeout},
		{"capacity.sweep_interval", &c.Capacity.SweepIntervalRaw, &c.Capacity.SweepInterval, DefaultSweepInterval},
		{"controller.request_timeout", &c.Controller.RequestTimeoutRaw, &c.Controller.RequestTimeout, DefaultRequestTimeout},
		{"controller.ping_interval", &c.Controller.PingIntervalRaw, &c.Controller.PingInterval, DefaultPingInterval},
		{"controller.pong_timeout", &c.Controller.PongTimeoutRaw, &c.Controller.PongTimeout, DefaultPongTimeout},
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for _, f := range cfg.durationFields() {
		if *f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(*f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, *f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// applyDefaults fills every unset field. An explicit "0s" duration is kept,
// which disables the corresponding timeout.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.ControllerAddr == "" && !c.Tailscale.Enabled {
		c.Server.ControllerAddr = DefaultControllerAddr
	}
	if c.Capacity.MaxSessions == 0 {
		c.Capacity.MaxSessions = DefaultMaxSessions
	}
	for _, f := range c.durationFields() {
		if *f.raw == "" {
			*f.dst = f.def
			*f.raw = f.def.String()
		}
	}
	if c.Agent.Kind == "" {
		c.Agent.Kind = AgentDirect
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "color"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
		if c.Server.ControllerAddr == "" {
			return fmt.Errorf("server.controller_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Server.AdmissionRate < 0 {
		return fmt.Errorf("server.admission_rate must not be negative")
	}
	if c.Server.AdmissionBurst < 0 {
		return fmt.Errorf("server.admission_burst must not be negative")
	}

	if c.Capacity.MaxSessions < 1 {
		return fmt.Errorf("capacity.max_sessions must be at least 1")
	}
	for _, f := range c.durationFields() {
		if *f.dst < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
	}
	hb, gap := c.Capacity.HeartbeatInterval, c.Capacity.EventGapTimeout
	if hb > 0 && gap > 0 && hb >= gap {
		return fmt.Errorf("capacity.heartbeat_interval (%s) must be shorter than capacity.event_gap_timeout (%s)", hb, gap)
	}

	switch c.Agent.Kind {
	case AgentDirect:
	case AgentProcess:
		if c.Agent.Command == "" {
			return fmt.Errorf("agent.command is required when agent.kind is %q", AgentProcess)
		}
	default:
		return fmt.Errorf("agent.kind must be %q or %q, got %q", AgentDirect, AgentProcess, c.Agent.Kind)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "color", "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of color, text, json, got %q", c.Logging.Format)
	}

	return nil
}

// Path returns the path to the gateway config file.
// Priority: BROWSER_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/browser-gateway/gateway.yaml > ~/.config/browser-gateway/gateway.yaml
func Path() string {
	if envPath := os.Getenv("BROWSER_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "browser-gateway", "gateway.yaml")
}

// DataPath returns the browser-gateway data directory.
// Priority: XDG_DATA_HOME/browser-gateway > ~/.local/share/browser-gateway
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "browser-gateway")
}
