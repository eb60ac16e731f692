// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/chatrelay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatrelay configuration.
type Config struct {
	Provider  ProviderConfig  `toml:"provider" json:"provider"`
	Models    ModelsConfig    `toml:"models" json:"models"`
	Server    ServerConfig    `toml:"server" json:"server"`
	RateLimit RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
	Breaker   BreakerConfig   `toml:"breaker" json:"breaker"`
	Journal   JournalConfig   `toml:"journal" json:"journal"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`

	// envErrors holds environment overrides that could not be parsed.
	// Validate reports them.
	envErrors ValidateErrors
}

// ProviderConfig describes the upstream model provider.
type ProviderConfig struct {
	// Mode is "direct" or "gateway" ("openai" and "azure" are accepted).
	Mode string `toml:"mode" json:"mode"`

	// Host is the provider base URL, without path.
	Host string `toml:"host" json:"host"`

	// APIVersion is required in gateway mode.
	APIVersion string `toml:"api_version" json:"api_version"`

	// DeploymentID is required in gateway mode.
	DeploymentID string `toml:"deployment_id" json:"deployment_id"`

	// Organization is sent as OpenAI-Organization in direct mode when set.
	Organization string `toml:"organization" json:"organization"`

	// APIKey is the fallback credential when a request carries none.
	APIKey string `toml:"api_key" json:"api_key"`

	// MaxTokens is the default completion cap.
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`

	// Timeout bounds the wait for upstream response headers.
	Timeout Duration `toml:"timeout" json:"timeout"`
}

// ModelsConfig selects the model table.
type ModelsConfig struct {
	DefaultModel string `toml:"default_model" json:"default_model"`
	File         string `toml:"file" json:"file"`
	Watch        bool   `toml:"watch" json:"watch"`
}

// ServerConfig configures the inbound HTTP boundary.
type ServerConfig struct {
	Host         string   `toml:"host" json:"host"`
	Port         int      `toml:"port" json:"port"`
	CORSOrigins  []string `toml:"cors_origins" json:"cors_origins"`
	UnlockCode   string   `toml:"unlock_code" json:"unlock_code"`
	MaxBodyBytes int64    `toml:"max_body_bytes" json:"max_body_bytes"`
}

// RateLimitConfig configures per-client request limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `toml:"burst" json:"burst"`
	MaxClients        int     `toml:"max_clients" json:"max_clients"`
}

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	Enabled          bool     `toml:"enabled" json:"enabled"`
	FailureThreshold uint32   `toml:"failure_threshold" json:"failure_threshold"`
	Timeout          Duration `toml:"timeout" json:"timeout"`
	MaxRequests      uint32   `toml:"max_requests" json:"max_requests"`
}

// JournalConfig configures the SQLite relay journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Path    string `toml:"path" json:"path"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level        string `toml:"level" json:"level"`
	Format       string `toml:"format" json:"format"`
	ReportCaller bool   `toml:"report_caller" json:"report_caller"`
}

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Mode:       "direct",
			Host:       "https://api.openai.com",
			APIVersion: "2023-05-15",
			MaxTokens:  1000,
			Timeout:    Duration{60 * time.Second},
		},
		Models: ModelsConfig{
			DefaultModel: "gpt-4-32k",
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			MaxBodyBytes: 4 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 2,
			Burst:             10,
			MaxClients:        10000,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          Duration{30 * time.Second},
			MaxRequests:      1,
		},
		Journal: JournalConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "CHATRELAY_CONFIG"

// ConfigDir returns the chatrelay configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatrelay"), nil
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultJournalPath returns the journal location used when none is configured.
func DefaultJournalPath() string {
	dir, err := ConfigDir()
	if err != nil {
		return "chatrelay-journal.db"
	}
	return filepath.Join(dir, "journal.db")
}

// ResolvePath returns the config file to load: explicit wins, then
// $CHATRELAY_CONFIG, then ~/.chatrelay/config.toml. The boolean is false
// when the chosen path does not exist and was not explicitly requested.
func ResolvePath(explicit string) (string, bool) {
	if explicit != "" {
		return explicit, true
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, true
	}
	path, err := ConfigPath()
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return path, false
	}
	return path, true
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration following the ResolvePath search order. With no
// file found, defaults are used. Environment overrides are applied last.
func Load(explicit string) (*Config, error) {
	path, ok := ResolvePath(explicit)
	if ok {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific TOML file with env
// overrides, defaults and validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg and fills unset values from defaults.
// Unknown keys are rejected.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return fillDefaults(cfg, md)
}

func (c *Config) finish() error {
	c.ApplyEnvOverrides()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// fillDefaults fills in values the file left out. Booleans are only
// defaulted when their key is absent, so an explicit false survives.
func fillDefaults(cfg *Config, md toml.MetaData) error {
	defaults := Default()

	if !md.IsDefined("rate_limit", "enabled") {
		cfg.RateLimit.Enabled = defaults.RateLimit.Enabled
	}
	if !md.IsDefined("breaker", "enabled") {
		cfg.Breaker.Enabled = defaults.Breaker.Enabled
	}

	if cfg.Provider.Mode == "" {
		cfg.Provider.Mode = defaults.Provider.Mode
	}
	if cfg.Provider.Host == "" {
		cfg.Provider.Host = defaults.Provider.Host
	}
	if cfg.Provider.APIVersion == "" {
		cfg.Provider.APIVersion = defaults.Provider.APIVersion
	}
	if cfg.Models.DefaultModel == "" {
		cfg.Models.DefaultModel = defaults.Models.DefaultModel
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaults.Server.Host
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	return nil
}

// SetDefaults fills numeric settings left at zero.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Provider.MaxTokens == 0 {
		c.Provider.MaxTokens = defaults.Provider.MaxTokens
	}
	if c.Provider.Timeout.Duration == 0 {
		c.Provider.Timeout = defaults.Provider.Timeout
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = defaults.RateLimit.RequestsPerSecond
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if c.RateLimit.MaxClients == 0 {
		c.RateLimit.MaxClients = defaults.RateLimit.MaxClients
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = defaults.Breaker.FailureThreshold
	}
	if c.Breaker.Timeout.Duration == 0 {
		c.Breaker.Timeout = defaults.Breaker.Timeout
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = defaults.Breaker.MaxRequests
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		c.Journal.Path = DefaultJournalPath()
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Encode renders cfg as TOML.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveTOML writes cfg to path atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	data, err := Encode(cfg)
	if err != nil {
		return err
	}
	header := "# chatrelay configuration file\n# Environment variables override these values.\n\n"
	if err := util.AtomicWriteFile(path, append([]byte(header), data...), 0o600, 0o700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors as
// ValidateErrors.
func (c *Config) Validate() error {
	errs := append(ValidateErrors(nil), c.envErrors...)
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Provider
	mode := strings.ToLower(c.Provider.Mode)
	switch mode {
	case "direct", "openai", "gateway", "azure":
	default:
		add("provider.mode", "invalid mode '%s', must be one of: direct, gateway", c.Provider.Mode)
	}
	if u, err := url.Parse(c.Provider.Host); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("provider.host", "must be an http or https URL, got '%s'", c.Provider.Host)
	}
	if mode == "gateway" || mode == "azure" {
		if c.Provider.DeploymentID == "" {
			add("provider.deployment_id", "required in gateway mode")
		}
		if c.Provider.APIVersion == "" {
			add("provider.api_version", "required in gateway mode")
		}
	}
	if c.Provider.MaxTokens < 0 {
		add("provider.max_tokens", "must not be negative")
	}
	if c.Provider.Timeout.Duration < 0 {
		add("provider.timeout", "must not be negative")
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 1024 {
		add("server.max_body_bytes", "must be at least 1024")
	}
	for _, origin := range c.Server.CORSOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			add("server.cors_origins", "invalid origin '%s'", origin)
		}
	}

	// Rate limit
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			add("rate_limit.requests_per_second", "must be positive")
		}
		if c.RateLimit.Burst < 1 {
			add("rate_limit.burst", "must be at least 1")
		}
		if c.RateLimit.MaxClients < 1 {
			add("rate_limit.max_clients", "must be at least 1")
		}
	}

	// Breaker
	if c.Breaker.Enabled && c.Breaker.Timeout.Duration <= 0 {
		add("breaker.timeout", "must be positive")
	}

	// Journal
	if c.Journal.Enabled && c.Journal.Path == "" {
		add("journal.path", "required when the journal is enabled")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		add("logging.level", "invalid level '%s'", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "invalid format '%s', must be one of: text, json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Provider variables keep the names of the original deployment:
//   - OPENAI_API_TYPE, OPENAI_API_HOST, OPENAI_API_VERSION
//   - OPENAI_AZURE_DEPLOYMENT_ID, OPENAI_ORGANIZATION
//   - OPENAI_API_KEY, OPENAI_API_MAX_TOKENS, OPENAI_DEFAULT_MODEL
//
// Service variables:
//   - CHATRELAY_HOST, CHATRELAY_PORT, CHATRELAY_UNLOCK_CODE
//   - CHATRELAY_MODELS_FILE, CHATRELAY_JOURNAL_PATH
//   - LOG_LEVEL, LOG_FORMAT
//
// A numeric variable that does not parse leaves the value unchanged and is
// reported by Validate.
func (c *Config) ApplyEnvOverrides() {
	c.envErrors = nil
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.envErrors = append(c.envErrors, ValidationError{
					Field:   name,
					Message: fmt.Sprintf("must be an integer, got '%s'", v),
				})
				return
			}
			*dst = n
		}
	}

	setString("OPENAI_API_TYPE", &c.Provider.Mode)
	setString("OPENAI_API_HOST", &c.Provider.Host)
	setString("OPENAI_API_VERSION", &c.Provider.APIVersion)
	setString("OPENAI_AZURE_DEPLOYMENT_ID", &c.Provider.DeploymentID)
	setString("OPENAI_ORGANIZATION", &c.Provider.Organization)
	setString("OPENAI_API_KEY", &c.Provider.APIKey)
	setInt("OPENAI_API_MAX_TOKENS", &c.Provider.MaxTokens)
	setString("OPENAI_DEFAULT_MODEL", &c.Models.DefaultModel)

	setString("CHATRELAY_HOST", &c.Server.Host)
	setInt("CHATRELAY_PORT", &c.Server.Port)
	setString("CHATRELAY_UNLOCK_CODE", &c.Server.UnlockCode)
	setString("CHATRELAY_MODELS_FILE", &c.Models.File)
	if v := os.Getenv("CHATRELAY_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
		c.Journal.Enabled = true
	}

	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)
}

// =============================================================================
// DISPLAY
// =============================================================================

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	return &clone
}

// Redacted returns a copy with secrets replaced, safe to print or log.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.Provider.APIKey != "" {
		safe.Provider.APIKey = "[REDACTED]"
	}
	if safe.Server.UnlockCode != "" {
		safe.Server.UnlockCode = "[REDACTED]"
	}
	return safe
}

// String returns a redacted JSON representation for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance. It is loaded from the
// default search path on first access, falling back to defaults on error.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load("")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration. Thread-safe.
func ReloadGlobal(explicit string) error {
	cfg, err := Load(explicit)
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
