// Package config provides configuration management for the relay and agent binaries.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the current version of devbridge, set at build time via ldflags.
var Version = "dev"

// RelayConfig holds all configuration options for the relay server.
type RelayConfig struct {
	// Listener
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Persistence
	StateDir        string        `yaml:"state_dir"`
	PersistDebounce time.Duration `yaml:"persist_debounce"`
	PersistMaxAge   time.Duration `yaml:"persist_max_age"`

	// Extension round trip
	ExtensionTimeout time.Duration `yaml:"extension_timeout"`

	// Recovery
	RecoveryDelay time.Duration `yaml:"recovery_delay"`

	// Named-page grace window for cross-navigation detach/reattach.
	GraceWindow time.Duration `yaml:"grace_window"`

	// Per-session page limits
	PageLimit         int `yaml:"page_limit"`
	PageWarnThreshold int `yaml:"page_warn_threshold"`

	// Verbose enables printing of the log lines the agent forwards.
	Verbose bool `yaml:"verbose"`
}

// DefaultRelayConfig returns the default relay configuration.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Host:              "127.0.0.1",
		Port:              9223,
		StateDir:          defaultStateDir(),
		PersistDebounce:   250 * time.Millisecond,
		PersistMaxAge:     7 * 24 * time.Hour,
		ExtensionTimeout:  30 * time.Second,
		RecoveryDelay:     500 * time.Millisecond,
		GraceWindow:       500 * time.Millisecond,
		PageLimit:         5,
		PageWarnThreshold: 3,
		Verbose:           false,
	}
}

// LoadRelayConfigFromFile loads a relay configuration from a YAML file,
// overriding defaults with whatever the file specifies.
func LoadRelayConfigFromFile(path string) (*RelayConfig, error) {
	cfg := DefaultRelayConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the relay configuration for errors.
func (c *RelayConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port >= 65536 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.PageLimit < 1 {
		return fmt.Errorf("page_limit must be at least 1")
	}
	if c.PageWarnThreshold < 0 || c.PageWarnThreshold > c.PageLimit {
		return fmt.Errorf("page_warn_threshold must be between 0 and page_limit")
	}
	return nil
}

// AgentConfig holds all configuration options for the agent process.
type AgentConfig struct {
	// Local Chrome instance to drive.
	ChromePort int  `yaml:"chrome_port"`
	AutoLaunch bool `yaml:"auto_launch"`

	// Relay endpoint to maintain a connection to.
	RelayURL string `yaml:"relay_url"`

	// Persistence (session -> group bookkeeping)
	StateDir string `yaml:"state_dir"`

	// Connection manager timings, per spec section 4.E / 5.
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	KeepAliveTick     time.Duration `yaml:"keep_alive_tick"`

	// Attach retry policy for newly created tabs.
	AttachRetries int             `yaml:"attach_retries"`
	AttachBackoff []time.Duration `yaml:"-"`

	Verbose bool `yaml:"verbose"`
}

// DefaultAgentConfig returns the default agent configuration.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		ChromePort:        9222,
		RelayURL:          "ws://127.0.0.1:9223/extension",
		StateDir:          defaultStateDir(),
		ProbeTimeout:      1 * time.Second,
		ConnectTimeout:    5 * time.Second,
		ReconnectInterval: 3 * time.Second,
		KeepAliveTick:     30 * time.Second,
		AttachRetries:     5,
		AttachBackoff: []time.Duration{
			50 * time.Millisecond,
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
		},
		Verbose: false,
	}
}

// LoadAgentConfigFromFile loads an agent configuration from a YAML file,
// overriding defaults with whatever the file specifies.
func LoadAgentConfigFromFile(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the agent configuration for errors.
func (c *AgentConfig) Validate() error {
	if c.ChromePort <= 0 || c.ChromePort >= 65536 {
		return fmt.Errorf("chrome_port must be between 1 and 65535")
	}
	if c.RelayURL == "" {
		return fmt.Errorf("relay_url is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.AttachRetries < 1 {
		return fmt.Errorf("attach_retries must be at least 1")
	}
	return nil
}

// defaultStateDir returns $XDG_STATE_HOME/devbridge, falling back to
// ~/.local/state/devbridge, falling back to a temp directory.
func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "devbridge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "devbridge")
	}
	return filepath.Join(home, ".local", "state", "devbridge")
}
