// Package config holds orchestrator and CLI configuration: defaults, a
// JSON5 config file, and environment overrides (env wins over file).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Mode selects how agents are run.
const (
	ModeLocal  = "local"  // subprocesses of this binary
	ModeDocker = "docker" // containers (image required)
	ModeRemote = "remote" // a supervisor reachable at URL
)

// Config is the tinycrab configuration.
type Config struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey,omitempty"`

	Mode    string `json:"mode"`
	DataDir string `json:"dataDir"`
	URL     string `json:"url,omitempty"`   // remote mode
	Image   string `json:"image,omitempty"` // docker mode

	Workspace string `json:"workspace,omitempty"`
	Port      int    `json:"port,omitempty"`

	// RestrictToWorkspace confines filesystem tools to the workspace.
	RestrictToWorkspace bool `json:"restrictToWorkspace"`

	// ChatRatePerMinute limits /chat per session. 0 disables.
	ChatRatePerMinute int `json:"chatRatePerMinute,omitempty"`

	// FlushThreshold triggers the pre-compaction memory flush.
	FlushThreshold float64 `json:"flushThreshold,omitempty"`

	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "http" or "grpc"
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Provider:            "openai",
		Model:               "gpt-4o",
		Mode:                ModeLocal,
		DataDir:             "./.tinycrab",
		RestrictToWorkspace: true,
		FlushThreshold:      0.80,
		Telemetry: TelemetryConfig{
			ServiceName: "tinycrab",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env wins.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AGENT_PROVIDER", &c.Provider)
	envStr("AGENT_MODEL", &c.Model)
	envStr("AGENT_WORKSPACE", &c.Workspace)
	envStr("AGENT_DATA_DIR", &c.DataDir)
	if v := os.Getenv("AGENT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}

	envStr("TINYCRAB_MODE", &c.Mode)
	envStr("TINYCRAB_URL", &c.URL)
	envStr("TINYCRAB_IMAGE", &c.Image)

	envStr("TINYCRAB_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TINYCRAB_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("TINYCRAB_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal:
	case ModeDocker:
		if c.Image == "" {
			return fmt.Errorf("config: docker mode requires image")
		}
	case ModeRemote:
		if c.URL == "" {
			return fmt.Errorf("config: remote mode requires url")
		}
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Provider == "" {
		return fmt.Errorf("config: provider is required")
	}
	return nil
}
