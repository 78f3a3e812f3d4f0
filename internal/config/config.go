// Package config loads the static policy and resource limits that the rest
// of the broker treats as an immutable snapshot for the life of the
// process. Precedence, highest first: per-call parameter (applied by the
// caller, not this package) > YAML file > environment variable > built-in
// default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable snapshot produced by Load. No field is ever
// mutated in place after construction; a reload (see Watcher) replaces the
// whole pointer, never a field.
type Config struct {
	PermissibilityTier string `yaml:"permissibility_tier"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	KeyPath  string `yaml:"key_path"`

	SSHPassword      string `yaml:"ssh_password"`
	SudoPassword     string `yaml:"sudo_password"`
	FallbackPassword string `yaml:"fallback_password"`

	InteractiveEnabled     bool   `yaml:"interactive_enabled"`
	StrictHostKeyChecking  bool   `yaml:"strict_host_key_checking"`
	AcceptUnknownHostKeys  bool   `yaml:"accept_unknown_host_keys"`
	KnownHostsPath         string `yaml:"known_hosts_path"`

	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	MaxSessions int           `yaml:"max_sessions"`
	IdleTTL     time.Duration `yaml:"idle_ttl"`

	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxOutputLines int           `yaml:"max_output_lines"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keepalive"`

	AllowedTransferPrefixes []string `yaml:"allowed_transfer_prefixes"`

	PendingPromptTTL time.Duration `yaml:"pending_prompt_ttl"`
	PromptWindow     int           `yaml:"prompt_window"`

	MetricsAddr string `yaml:"metrics_addr"`

	// YAMLPath records where this snapshot's overrides came from, for the
	// watcher; empty when no YAML file was present.
	YAMLPath string `yaml:"-"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		PermissibilityTier:    "MEDIUM",
		Port:                  22,
		InteractiveEnabled:    false,
		StrictHostKeyChecking: false,
		KnownHostsPath:        filepathJoin(home, ".ssh", "known_hosts"),
		Debug:                 false,
		LogLevel:              "info",
		MaxSessions:           5,
		IdleTTL:               60 * time.Second,
		MaxOutputBytes:        131072,
		MaxOutputLines:        1000,
		CommandTimeout:        30 * time.Second,
		ConnectTimeout:        30 * time.Second,
		KeepAlive:             30 * time.Second,
		AllowedTransferPrefixes: []string{
			"home", "/var/log", "/tmp", "/opt",
		},
		PendingPromptTTL: 60 * time.Second,
		PromptWindow:     4096,
	}
}

func filepathJoin(parts ...string) string {
	return strings.Join(parts, "/")
}

// envSpec names the fixed environment variables this service reads, each
// mapped to the Config field it overrides when present.
var envSpec = map[string]string{
	"SSHBROKER_PERMISSIBILITY_TIER": "PermissibilityTier",
	"SSHBROKER_HOST":                "Host",
	"SSHBROKER_PORT":                "Port",
	"SSHBROKER_USERNAME":            "Username",
	"SSHBROKER_KEY_PATH":            "KeyPath",
	"SSHBROKER_SSH_PASSWORD":        "SSHPassword",
	"SSHBROKER_SUDO_PASSWORD":       "SudoPassword",
	"SSHBROKER_FALLBACK_PASSWORD":   "FallbackPassword",
	"SSHBROKER_INTERACTIVE":         "InteractiveEnabled",
	"SSHBROKER_DEBUG":               "Debug",
	"SSHBROKER_LOG_LEVEL":           "LogLevel",
}

// Load builds a Config from built-in defaults, environment variables, and
// (if yamlPath is non-empty and exists) a YAML overlay, in that ascending
// precedence order. A malformed YAML document or an unreadable key file is
// a startup-fatal ConfigError, returned here rather than panicking so
// callers (cmd/sshmcpd and tests) control the exit behavior.
func Load(yamlPath string) (*Config, error) {
	cfg := defaults()
	applyEnv(&cfg)

	if yamlPath != "" {
		if _, err := os.Stat(yamlPath); err == nil {
			data, err := os.ReadFile(yamlPath)
			if err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", yamlPath, err)
			}
			var overlay Config
			if err := yaml.Unmarshal(data, &overlay); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", yamlPath, err)
			}
			mergeYAML(&cfg, &overlay, data)
			cfg.YAMLPath = yamlPath
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("SSHBROKER_PERMISSIBILITY_TIER"); ok {
		cfg.PermissibilityTier = v
	}
	if v, ok := os.LookupEnv("SSHBROKER_HOST"); ok {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv("SSHBROKER_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v, ok := os.LookupEnv("SSHBROKER_USERNAME"); ok {
		cfg.Username = v
	}
	if v, ok := os.LookupEnv("SSHBROKER_KEY_PATH"); ok {
		cfg.KeyPath = v
	}
	if v, ok := os.LookupEnv("SSHBROKER_SSH_PASSWORD"); ok {
		cfg.SSHPassword = v
	}
	if v, ok := os.LookupEnv("SSHBROKER_SUDO_PASSWORD"); ok {
		cfg.SudoPassword = v
	}
	if v, ok := os.LookupEnv("SSHBROKER_FALLBACK_PASSWORD"); ok {
		cfg.FallbackPassword = v
	}
	if v, ok := os.LookupEnv("SSHBROKER_INTERACTIVE"); ok {
		cfg.InteractiveEnabled = parseBool(v)
	}
	if v, ok := os.LookupEnv("SSHBROKER_DEBUG"); ok {
		cfg.Debug = parseBool(v)
	}
	if v, ok := os.LookupEnv("SSHBROKER_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// mergeYAML overlays only the fields the YAML document actually set,
// preserving env/default values for keys it omits. Because overlay started
// as a zero Config, we detect "set" via a second unmarshal into a generic
// map and only copy keys present there.
func mergeYAML(cfg *Config, overlay *Config, raw []byte) {
	var present map[string]interface{}
	if err := yaml.Unmarshal(raw, &present); err != nil {
		return
	}
	if _, ok := present["permissibility_tier"]; ok {
		cfg.PermissibilityTier = overlay.PermissibilityTier
	}
	if _, ok := present["host"]; ok {
		cfg.Host = overlay.Host
	}
	if _, ok := present["port"]; ok {
		cfg.Port = overlay.Port
	}
	if _, ok := present["username"]; ok {
		cfg.Username = overlay.Username
	}
	if _, ok := present["key_path"]; ok {
		cfg.KeyPath = overlay.KeyPath
	}
	if _, ok := present["ssh_password"]; ok {
		cfg.SSHPassword = overlay.SSHPassword
	}
	if _, ok := present["sudo_password"]; ok {
		cfg.SudoPassword = overlay.SudoPassword
	}
	if _, ok := present["fallback_password"]; ok {
		cfg.FallbackPassword = overlay.FallbackPassword
	}
	if _, ok := present["interactive_enabled"]; ok {
		cfg.InteractiveEnabled = overlay.InteractiveEnabled
	}
	if _, ok := present["strict_host_key_checking"]; ok {
		cfg.StrictHostKeyChecking = overlay.StrictHostKeyChecking
	}
	if _, ok := present["accept_unknown_host_keys"]; ok {
		cfg.AcceptUnknownHostKeys = overlay.AcceptUnknownHostKeys
	}
	if _, ok := present["known_hosts_path"]; ok {
		cfg.KnownHostsPath = overlay.KnownHostsPath
	}
	if _, ok := present["debug"]; ok {
		cfg.Debug = overlay.Debug
	}
	if _, ok := present["log_level"]; ok {
		cfg.LogLevel = overlay.LogLevel
	}
	if _, ok := present["max_sessions"]; ok {
		cfg.MaxSessions = overlay.MaxSessions
	}
	if _, ok := present["idle_ttl"]; ok {
		cfg.IdleTTL = overlay.IdleTTL
	}
	if _, ok := present["max_output_bytes"]; ok {
		cfg.MaxOutputBytes = overlay.MaxOutputBytes
	}
	if _, ok := present["max_output_lines"]; ok {
		cfg.MaxOutputLines = overlay.MaxOutputLines
	}
	if _, ok := present["command_timeout"]; ok {
		cfg.CommandTimeout = overlay.CommandTimeout
	}
	if _, ok := present["connect_timeout"]; ok {
		cfg.ConnectTimeout = overlay.ConnectTimeout
	}
	if _, ok := present["keepalive"]; ok {
		cfg.KeepAlive = overlay.KeepAlive
	}
	if _, ok := present["allowed_transfer_prefixes"]; ok {
		cfg.AllowedTransferPrefixes = overlay.AllowedTransferPrefixes
	}
	if _, ok := present["pending_prompt_ttl"]; ok {
		cfg.PendingPromptTTL = overlay.PendingPromptTTL
	}
	if _, ok := present["prompt_window"]; ok {
		cfg.PromptWindow = overlay.PromptWindow
	}
	if _, ok := present["metrics_addr"]; ok {
		cfg.MetricsAddr = overlay.MetricsAddr
	}
}

func validate(cfg *Config) error {
	switch strings.ToUpper(cfg.PermissibilityTier) {
	case "LOW", "MEDIUM", "HIGH":
	default:
		// Unknown tier strings default to MEDIUM per the data model, not an
		// error; only structurally invalid config (below) is fatal.
		cfg.PermissibilityTier = "MEDIUM"
	}
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("config: max_sessions must be positive, got %d", cfg.MaxSessions)
	}
	if cfg.MaxOutputBytes <= 0 {
		return fmt.Errorf("config: max_output_bytes must be positive, got %d", cfg.MaxOutputBytes)
	}
	if cfg.KeyPath != "" {
		if _, err := os.Stat(cfg.KeyPath); err != nil {
			return fmt.Errorf("config: key_path %s: %w", cfg.KeyPath, err)
		}
	}
	return nil
}
