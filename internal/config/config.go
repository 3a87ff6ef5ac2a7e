// Package config defines configuration parsing and helpers.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// Config holds all orchestrator configuration parsed from environment
// variables. CLI flags registered via RegisterServerFlags override the
// parsed values.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Host   string `env:"HOST" envDefault:"0.0.0.0"`
	Port   int    `env:"PORT" envDefault:"8080"`
	Debug  bool   `env:"DEBUG" envDefault:"false"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisSSL      bool   `env:"REDIS_SSL" envDefault:"false"`

	// StateFile is the JSON snapshot mirroring the in-memory store.
	StateFile        string        `env:"STATE_FILE" envDefault:"orchestrator_state.json"`
	ResetState       bool          `env:"RESET_STATE" envDefault:"false"`
	OutputDir        string        `env:"OUTPUT_DIR" envDefault:"outputs"`
	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"30s"`

	HeartbeatTimeout       time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
	HeartbeatCheckInterval time.Duration `env:"HEARTBEAT_CHECK_INTERVAL" envDefault:"10s"`
	// JobTimeoutDefault applies to jobs submitted without timeout_seconds.
	JobTimeoutDefault    time.Duration `env:"JOB_TIMEOUT_DEFAULT" envDefault:"1h"`
	TimeoutCheckInterval time.Duration `env:"TIMEOUT_CHECK_INTERVAL" envDefault:"5s"`
	ResultPollTimeout    time.Duration `env:"RESULT_POLL_TIMEOUT" envDefault:"1s"`

	// Retry Configuration
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"300s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryJitter       bool          `env:"RETRY_JITTER" envDefault:"true"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"benchfleet-orchestrator"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// RegisterServerFlags binds the orchestrator CLI flags onto cfg. Defaults
// are the already-parsed values, so an explicit flag wins over env.
func RegisterServerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.StringVar(&cfg.RedisHost, "redis-host", cfg.RedisHost, "redis host")
	fs.IntVar(&cfg.RedisPort, "redis-port", cfg.RedisPort, "redis port")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.BoolVar(&cfg.RedisSSL, "redis-ssl", cfg.RedisSSL, "connect to redis over TLS")
	fs.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "path of the state snapshot file")
	fs.BoolVar(&cfg.ResetState, "reset-state", cfg.ResetState, "delete the state snapshot before loading")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// ListenAddr is the HTTP bind address.
func (c Config) ListenAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// RedisAddr is the broker address in host:port form.
func (c Config) RedisAddr() string { return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort) }

// RetryPolicy assembles the backoff policy for the timeout engine.
func (c Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryJitter,
	}
}

// JobTimeoutSeconds is the default job timeout in whole seconds, the unit
// job rows carry.
func (c Config) JobTimeoutSeconds() int { return int(c.JobTimeoutDefault / time.Second) }
