package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultRelayConfig(t *testing.T) {
	cfg := DefaultRelayConfig()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("expected Host 127.0.0.1, got %s", cfg.Host)
	}
	if cfg.Port != 9223 {
		t.Errorf("expected Port 9223, got %d", cfg.Port)
	}
	if cfg.PersistDebounce != 250*time.Millisecond {
		t.Errorf("expected PersistDebounce 250ms, got %v", cfg.PersistDebounce)
	}
	if cfg.PersistMaxAge != 7*24*time.Hour {
		t.Errorf("expected PersistMaxAge 7 days, got %v", cfg.PersistMaxAge)
	}
	if cfg.PageLimit != 5 {
		t.Errorf("expected PageLimit 5, got %d", cfg.PageLimit)
	}
	if cfg.PageWarnThreshold != 3 {
		t.Errorf("expected PageWarnThreshold 3, got %d", cfg.PageWarnThreshold)
	}
	if cfg.StateDir == "" {
		t.Error("expected non-empty StateDir")
	}
}

func TestLoadRelayConfigFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relay.yaml")

	configContent := `
host: "0.0.0.0"
port: 9999
persist_debounce: 500ms
page_limit: 8
page_warn_threshold: 6
verbose: true
`

	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadRelayConfigFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadRelayConfigFromFile failed: %v", err)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("expected Host 0.0.0.0, got %s", cfg.Host)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected Port 9999, got %d", cfg.Port)
	}
	if cfg.PersistDebounce != 500*time.Millisecond {
		t.Errorf("expected PersistDebounce 500ms, got %v", cfg.PersistDebounce)
	}
	if cfg.PageLimit != 8 {
		t.Errorf("expected PageLimit 8, got %d", cfg.PageLimit)
	}
	if cfg.PageWarnThreshold != 6 {
		t.Errorf("expected PageWarnThreshold 6, got %d", cfg.PageWarnThreshold)
	}
	if !cfg.Verbose {
		t.Errorf("expected Verbose true, got %v", cfg.Verbose)
	}

	// Unset fields keep their defaults.
	if cfg.ExtensionTimeout != 30*time.Second {
		t.Errorf("expected default ExtensionTimeout 30s, got %v", cfg.ExtensionTimeout)
	}
}

func TestLoadRelayConfigFromFileNotFound(t *testing.T) {
	_, err := LoadRelayConfigFromFile("/nonexistent/relay.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadRelayConfigFromFileInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := LoadRelayConfigFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestRelayConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*RelayConfig)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *RelayConfig) {}, wantErr: false},
		{name: "empty host", modify: func(c *RelayConfig) { c.Host = "" }, wantErr: true},
		{name: "port zero", modify: func(c *RelayConfig) { c.Port = 0 }, wantErr: true},
		{name: "port too large", modify: func(c *RelayConfig) { c.Port = 70000 }, wantErr: true},
		{name: "empty state dir", modify: func(c *RelayConfig) { c.StateDir = "" }, wantErr: true},
		{name: "page limit zero", modify: func(c *RelayConfig) { c.PageLimit = 0 }, wantErr: true},
		{
			name:    "warn threshold above limit",
			modify:  func(c *RelayConfig) { c.PageWarnThreshold = c.PageLimit + 1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRelayConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultAgentConfig(t *testing.T) {
	cfg := DefaultAgentConfig()

	if cfg.ChromePort != 9222 {
		t.Errorf("expected ChromePort 9222, got %d", cfg.ChromePort)
	}
	if cfg.RelayURL != "ws://127.0.0.1:9223/extension" {
		t.Errorf("expected default RelayURL, got %s", cfg.RelayURL)
	}
	if cfg.AttachRetries != 5 {
		t.Errorf("expected AttachRetries 5, got %d", cfg.AttachRetries)
	}
	if len(cfg.AttachBackoff) != 4 {
		t.Fatalf("expected 4 backoff steps, got %d", len(cfg.AttachBackoff))
	}
	if cfg.AttachBackoff[0] != 50*time.Millisecond {
		t.Errorf("expected first backoff step 50ms, got %v", cfg.AttachBackoff[0])
	}
}

func TestLoadAgentConfigFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "agent.yaml")

	configContent := `
chrome_port: 9300
relay_url: "ws://127.0.0.1:8888/extension"
attach_retries: 3
verbose: true
`

	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadAgentConfigFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadAgentConfigFromFile failed: %v", err)
	}

	if cfg.ChromePort != 9300 {
		t.Errorf("expected ChromePort 9300, got %d", cfg.ChromePort)
	}
	if cfg.RelayURL != "ws://127.0.0.1:8888/extension" {
		t.Errorf("expected overridden RelayURL, got %s", cfg.RelayURL)
	}
	if cfg.AttachRetries != 3 {
		t.Errorf("expected AttachRetries 3, got %d", cfg.AttachRetries)
	}
	if !cfg.Verbose {
		t.Error("expected Verbose true")
	}
}

func TestAgentConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*AgentConfig)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *AgentConfig) {}, wantErr: false},
		{name: "chrome port zero", modify: func(c *AgentConfig) { c.ChromePort = 0 }, wantErr: true},
		{name: "empty relay url", modify: func(c *AgentConfig) { c.RelayURL = "" }, wantErr: true},
		{name: "empty state dir", modify: func(c *AgentConfig) { c.StateDir = "" }, wantErr: true},
		{name: "zero attach retries", modify: func(c *AgentConfig) { c.AttachRetries = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAgentConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
