// Package config provides TOML configuration file loading and parsing for the UI shell.
// The configuration file lives at ~/.jeeves/config.toml by default, but can be
// overridden with the --config flag. Precedence, highest first: CLI flags,
// environment variables, file values, build-time defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	apperrors "github.com/jeeves/ui/internal/errors"
)

// Environment variables read by ApplyEnv.
// OUR_NODE and OUR_PROCESS are injected by the hosting node; the JEEVES_*
// variables stand in for the bundler's build-time environment.
const (
	EnvNode     = "OUR_NODE"
	EnvProcess  = "OUR_PROCESS"
	EnvBasePath = "JEEVES_BASE_URL"
	EnvNodeURL  = "JEEVES_NODE_URL"
	EnvDev      = "JEEVES_DEV"
)

// Config represents the configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files.
type Config struct {
	// BasePath is the path the application is served under on the node,
	// e.g. "/jeeves:jeeves:template.os/". Default: "/"
	BasePath string `toml:"base_path"`

	// NodeURL is the development-time endpoint override, e.g. "http://localhost:8081".
	// When empty the production default http://localhost:8080 is used.
	NodeURL string `toml:"node_url"`

	// Dev selects a development build. Only development builds compute an
	// explicit websocket endpoint; production builds let the channel derive it.
	// Nil means "keep the build-time default".
	Dev *bool `toml:"dev"`

	// Node is the host node identifier. Normally injected by the host.
	Node string `toml:"node"`

	// Process is the host process identifier. Normally injected by the host.
	Process string `toml:"process"`

	// Origin is the address the application is served from. Used by the
	// channel to derive a default websocket endpoint in production builds.
	// Default: scheme and host of the resolved HTTP endpoint.
	Origin string `toml:"origin"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFile is the path for log output. The terminal view owns stdout, so
	// logs go to ~/.jeeves/jeeves.log while the view is running.
	LogFile string `toml:"log_file"`

	// JournalPath enables the sqlite journal of inbound messages when set.
	JournalPath string `toml:"journal_path"`

	// RetryMaxAttempts bounds reconnect attempts before the channel fails.
	// Zero disables reconnecting. Default: 5
	RetryMaxAttempts *int `toml:"retry_max_attempts"`

	// RetryInitialMs is the first reconnect delay in milliseconds. Default: 500
	RetryInitialMs int `toml:"retry_initial_ms"`

	// RetryMaxMs caps the reconnect delay in milliseconds. Default: 10000
	RetryMaxMs int `toml:"retry_max_ms"`

	// SendPerSecond paces outbound frames. Default: 20
	SendPerSecond int `toml:"send_per_second"`
}

// DefaultDir returns ~/.jeeves.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".jeeves"), nil
}

// DefaultConfigPath returns the default config file location: ~/.jeeves/config.toml.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns a config.not_found error if it doesn't exist.
//   - Returns a config.invalid error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.CodeConfigNotFound, fmt.Sprintf("config file not found: %s", path))
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, fmt.Sprintf("failed to parse config file %s", path), err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables onto the config.
// getenv is usually os.Getenv; tests pass a map lookup. Unset or empty
// variables leave the field untouched. An unparseable JEEVES_DEV is an error.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvNode); v != "" {
		c.Node = v
	}
	if v := getenv(EnvProcess); v != "" {
		c.Process = v
	}
	if v := getenv(EnvBasePath); v != "" {
		c.BasePath = v
	}
	if v := getenv(EnvNodeURL); v != "" {
		c.NodeURL = v
	}
	if v := getenv(EnvDev); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeConfigInvalid, fmt.Sprintf("%s must be a boolean", EnvDev), err)
		}
		c.Dev = &dev
	}
	return nil
}

// WithDefaults returns a copy with defaults filled in for unset fields.
// devDefault is the build-time mode used when nothing overrides it.
func (c Config) WithDefaults(devDefault bool) Config {
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.Dev == nil {
		c.Dev = &devDefault
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.RetryMaxAttempts == nil {
		n := DefaultRetryMaxAttempts
		c.RetryMaxAttempts = &n
	}
	if c.RetryInitialMs <= 0 {
		c.RetryInitialMs = DefaultRetryInitialMs
	}
	if c.RetryMaxMs <= 0 {
		c.RetryMaxMs = DefaultRetryMaxMs
	}
	if c.SendPerSecond <= 0 {
		c.SendPerSecond = DefaultSendPerSecond
	}
	return c
}

// IsDev reports the resolved build mode. Call after WithDefaults.
func (c Config) IsDev() bool {
	return c.Dev != nil && *c.Dev
}

// MaxAttempts reports the resolved reconnect bound. Call after WithDefaults.
func (c Config) MaxAttempts() int {
	if c.RetryMaxAttempts == nil {
		return DefaultRetryMaxAttempts
	}
	return *c.RetryMaxAttempts
}
