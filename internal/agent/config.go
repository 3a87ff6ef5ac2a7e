// Package agent implements the worker side of the fleet: register with the
// orchestrator under a device identity, heartbeat on an interval, drain the
// personal and capability queues for jobs, execute them through a Runner and
// publish result documents back onto the broker.
package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration, loaded from YAML and overridable by
// CLI flags in cmd/worker.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Redis        RedisConfig        `yaml:"redis"`
	Worker       WorkerConfig       `yaml:"worker"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// OrchestratorConfig points the agent at the control API. Timeout is a
// duration string ("10s"); yaml has no native duration scalar, so it is
// parsed on access.
type OrchestratorConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
	// RetryAttempts bounds the registration retry; the backoff policy
	// spaces the attempts out.
	RetryAttempts int `yaml:"retry_attempts"`
}

// RequestTimeout parses the configured API timeout, falling back to 10s.
func (c OrchestratorConfig) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// RedisConfig points the agent at the job broker.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	SSL      bool   `yaml:"ssl"`
}

// WorkerConfig describes this worker. DeviceName and Capabilities override
// what device probing reports; the intervals are duration strings.
type WorkerConfig struct {
	DeviceName        string   `yaml:"device_name"`
	Capabilities      []string `yaml:"capabilities"`
	HeartbeatInterval string   `yaml:"heartbeat_interval"`
	PollInterval      string   `yaml:"poll_interval"`
}

// HeartbeatEvery parses the heartbeat interval, falling back to 30s.
func (c WorkerConfig) HeartbeatEvery() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// PollEvery parses the job poll interval, falling back to 1s.
func (c WorkerConfig) PollEvery() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the agent defaults; LoadConfig overlays a YAML file
// on top of them.
func DefaultConfig() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			URL:           "http://localhost:8080",
			Timeout:       "10s",
			RetryAttempts: 5,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Worker: WorkerConfig{
			Capabilities:      []string{"CPU"},
			HeartbeatInterval: "30s",
			PollInterval:      "1s",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults untouched.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	// #nosec G304 -- the path comes from the operator's --config flag
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// RedisAddr is the broker address in host:port form.
func (c Config) RedisAddr() string { return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port) }
