// Package config loads the daemon configuration from vcrund.yaml, seeding a
// commented default file on first run. Environment variables override the
// file for the handful of values that differ per deployment (secrets,
// ports, interpreter path).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "vcrund.yaml"

const defaultConfigYAML = `# vcrund configuration
version: 1

listen:
  port: 8585

execution:
  # auto: isolated process per request, pool fallback on mechanism failure
  # embedded: interpreter pool only
  # external: isolated process only, no fallback
  mode: auto
  default_timeout: 5m
  max_concurrent: 8
  # Pass the daemon's environment to interpreters. Off by default: scripts
  # against production vCenter should see a minimal, predictable env.
  inherit_env: false

pool:
  capacity: 5
  smoke_test: true

interpreter:
  # Absolute path to pwsh. Empty means search PATH.
  path: ""
  # Extra module roots searched before the platform defaults.
  module_paths: []
  # Pin the automation module set to one version, e.g. "13.0.0".
  pinned_version: ""

sessions:
  connect_timeout: 60s
  idle_timeout: 30m

history:
  path: vcrund.db

auth:
  # bcrypt hash of the API key accepted at /auth/token. Prefer the
  # VCRUND_API_KEY_HASH environment variable over storing it here.
  api_key_hash: ""
  # HMAC secret for issued tokens. Prefer VCRUND_JWT_SECRET.
  jwt_secret: ""
  token_ttl: 12h

log:
  level: info
`

// Duration wraps time.Duration for YAML ("5m", "90s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Listen is the HTTP listener section.
type Listen struct {
	Port int `yaml:"port"`
}

// Execution is the gateway section.
type Execution struct {
	Mode           string   `yaml:"mode"`
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxConcurrent  int64    `yaml:"max_concurrent"`
	InheritEnv     bool     `yaml:"inherit_env"`
}

// Pool is the interpreter pool section.
type Pool struct {
	Capacity  int  `yaml:"capacity"`
	SmokeTest bool `yaml:"smoke_test"`
}

// Interpreter is the interpreter discovery section.
type Interpreter struct {
	Path          string   `yaml:"path"`
	ModulePaths   []string `yaml:"module_paths"`
	PinnedVersion string   `yaml:"pinned_version"`
}

// Sessions is the session manager section.
type Sessions struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
}

// History is the audit trail section.
type History struct {
	Path string `yaml:"path"`
}

// Auth is the token issuing section.
type Auth struct {
	APIKeyHash string   `yaml:"api_key_hash"`
	JWTSecret  string   `yaml:"jwt_secret"`
	TokenTTL   Duration `yaml:"token_ttl"`
}

// Log is the logging section.
type Log struct {
	Level string `yaml:"level"`
}

// Config models vcrund.yaml.
type Config struct {
	Version     int         `yaml:"version"`
	Listen      Listen      `yaml:"listen"`
	Execution   Execution   `yaml:"execution"`
	Pool        Pool        `yaml:"pool"`
	Interpreter Interpreter `yaml:"interpreter"`
	Sessions    Sessions    `yaml:"sessions"`
	History     History     `yaml:"history"`
	Auth        Auth        `yaml:"auth"`
	Log         Log         `yaml:"log"`
}

// Load reads the config file, creating it with defaults when missing, then
// applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := ensureFile(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.normalize(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Version: 1,
		Listen:  Listen{Port: 8585},
		Execution: Execution{
			Mode:           "auto",
			DefaultTimeout: Duration(5 * time.Minute),
			MaxConcurrent:  8,
		},
		Pool: Pool{Capacity: 5, SmokeTest: true},
		Sessions: Sessions{
			ConnectTimeout: Duration(60 * time.Second),
			IdleTimeout:    Duration(30 * time.Minute),
		},
		History: History{Path: "vcrund.db"},
		Auth:    Auth{TokenTTL: Duration(12 * time.Hour)},
		Log:     Log{Level: "info"},
	}
}

// Environment overrides, checked in applyEnv.
const (
	EnvPort        = "VCRUND_PORT"
	EnvMode        = "VCRUND_MODE"
	EnvInterpreter = "VCRUND_INTERPRETER"
	EnvHistoryPath = "VCRUND_HISTORY_PATH"
	EnvAPIKeyHash  = "VCRUND_API_KEY_HASH"
	EnvJWTSecret   = "VCRUND_JWT_SECRET"
	EnvLogLevel    = "VCRUND_LOG_LEVEL"
)

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Listen.Port = port
		}
	}
	if v := os.Getenv(EnvMode); v != "" {
		c.Execution.Mode = v
	}
	if v := os.Getenv(EnvInterpreter); v != "" {
		c.Interpreter.Path = v
	}
	if v := os.Getenv(EnvHistoryPath); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv(EnvAPIKeyHash); v != "" {
		c.Auth.APIKeyHash = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) normalize(base string) {
	c.Execution.Mode = strings.ToLower(strings.TrimSpace(c.Execution.Mode))
	if c.Execution.Mode == "" {
		c.Execution.Mode = "auto"
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.History.Path = resolvePath(base, c.History.Path)
	for i := range c.Interpreter.ModulePaths {
		c.Interpreter.ModulePaths[i] = resolvePath(base, c.Interpreter.ModulePaths[i])
	}
}

var validModes = map[string]bool{"auto": true, "embedded": true, "external": true}
var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if !validModes[c.Execution.Mode] {
		return fmt.Errorf("execution.mode must be auto, embedded or external, got %q", c.Execution.Mode)
	}
	if c.Execution.DefaultTimeout.Std() <= 0 {
		return fmt.Errorf("execution.default_timeout must be positive")
	}
	if c.Execution.MaxConcurrent < 0 {
		return fmt.Errorf("execution.max_concurrent must be >= 0")
	}
	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool.capacity must be >= 1")
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.History.Path == "" {
		return fmt.Errorf("history.path is required")
	}
	return nil
}

// SlogLevel maps the configured level string to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: ensure dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
