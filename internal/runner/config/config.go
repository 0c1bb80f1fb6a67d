// Package config loads runnerd configuration from runnerd.yaml and
// RUNNERD_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runner daemon configuration.
type Config struct {
	RunnerID     string `mapstructure:"runnerId"`
	Name         string `mapstructure:"name"`
	ControlPlane string `mapstructure:"controlPlane"` // ws(s)://host:port
	RunnerKey    string `mapstructure:"runnerKey"`

	WorkspaceRoot string `mapstructure:"workspaceRoot"`
	Concurrency   int    `mapstructure:"concurrency"`

	Agent  AgentConfig  `mapstructure:"agent"`
	Tunnel TunnelConfig `mapstructure:"tunnel"`

	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds
	CancelTimeout     int `mapstructure:"cancelTimeout"`     // seconds
	StartDeadline     int `mapstructure:"startDeadline"`     // seconds, dev server

	LogLevel string `mapstructure:"logLevel"`

	// DevPortMin/DevPortMax bound the port allocator shared by dev
	// servers and injection proxies.
	DevPortMin int `mapstructure:"devPortMin"`
	DevPortMax int `mapstructure:"devPortMax"`
}

// AgentConfig selects the AI process to run.
type AgentConfig struct {
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
	Model  string   `mapstructure:"model"`
}

// TunnelConfig controls public tunnel exposure.
type TunnelConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Binary  string `mapstructure:"binary"`
	Domain  string `mapstructure:"domain"`
}

// Load reads runnerd.yaml (working directory or ~/.sentryvibe) and the
// environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("runnerd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".sentryvibe"))
	}

	v.SetEnvPrefix("RUNNERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// These are commonly set without the prefix in deploy scripts.
	_ = v.BindEnv("runnerKey", "RUNNER_KEY", "RUNNERD_RUNNER_KEY")
	_ = v.BindEnv("controlPlane", "CONTROL_PLANE_URL", "RUNNERD_CONTROL_PLANE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "")
	v.SetDefault("controlPlane", "ws://localhost:8080")
	v.SetDefault("workspaceRoot", "./workspace")
	v.SetDefault("concurrency", 1)
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("tunnel.enabled", false)
	v.SetDefault("tunnel.binary", "cloudflared")
	v.SetDefault("heartbeatInterval", 15)
	v.SetDefault("cancelTimeout", 30)
	v.SetDefault("startDeadline", 8)
	v.SetDefault("logLevel", "info")
	v.SetDefault("devPortMin", 3100)
	v.SetDefault("devPortMax", 3999)
}

func (c *Config) validate() error {
	if c.RunnerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return fmt.Errorf("runnerId is required")
		}
		c.RunnerID = host
	}
	if c.ControlPlane == "" {
		return fmt.Errorf("controlPlane is required")
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return nil
}

// HeartbeatIntervalDuration returns the heartbeat interval.
func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// CancelTimeoutDuration returns how long a build gets to stop gracefully.
func (c *Config) CancelTimeoutDuration() time.Duration {
	return time.Duration(c.CancelTimeout) * time.Second
}

// StartDeadlineDuration returns the dev-server start deadline.
func (c *Config) StartDeadlineDuration() time.Duration {
	return time.Duration(c.StartDeadline) * time.Second
}
