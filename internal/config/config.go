// Package config loads libar settings from a TOML file with LIBAR_*
// environment overrides.
//
// Precedence, lowest first: DefaultConfig, the file, the environment.
// A missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/libar-dev/libar-platform/internal/dcb"
	"github.com/libar-dev/libar-platform/internal/idgen"
	"github.com/libar-dev/libar-platform/internal/telemetry"
	"github.com/libar-dev/libar-platform/internal/workqueue"
)

// DefaultPath is read when no path is given.
const DefaultPath = "libar.toml"

// Config is the full runtime configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	DCB       DCBConfig       `toml:"dcb"`
	WorkQueue WorkQueueConfig `toml:"workqueue"`
	Engine    EngineConfig    `toml:"engine"`
	Events    EventsConfig    `toml:"events"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
	IDs       IDsConfig       `toml:"ids"`
}

type StoreConfig struct {
	Path string `toml:"path" env:"LIBAR_DB_PATH"`
}

// DCBConfig parameterizes the conflict retry engine.
type DCBConfig struct {
	MaxAttempts    int           `toml:"max_attempts" env:"LIBAR_DCB_MAX_ATTEMPTS"`
	InitialBackoff time.Duration `toml:"initial_backoff" env:"LIBAR_DCB_INITIAL_BACKOFF"`
	BackoffBase    float64       `toml:"backoff_base"`
	MaxBackoff     time.Duration `toml:"max_backoff" env:"LIBAR_DCB_MAX_BACKOFF"`
}

type WorkQueueConfig struct {
	Parallelism       int           `toml:"parallelism" env:"LIBAR_WORKQUEUE_PARALLELISM"`
	MaxActionAttempts int           `toml:"max_action_attempts"`
	ActionBackoff     time.Duration `toml:"action_backoff"`
}

type EngineConfig struct {
	PollInterval     time.Duration `toml:"poll_interval" env:"LIBAR_ENGINE_POLL_INTERVAL"`
	BatchSize        int           `toml:"batch_size"`
	FailureThreshold int           `toml:"failure_threshold"`
}

// EventsConfig configures the NATS relay. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `toml:"nats_url" env:"LIBAR_NATS_URL"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type TelemetryConfig struct {
	OTelEndpoint string `toml:"otel_endpoint" env:"LIBAR_OTEL_ENDPOINT"`
	ServiceName  string `toml:"service_name"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LIBAR_LOG_LEVEL"`
	Format string `toml:"format" env:"LIBAR_LOG_FORMAT"`
}

type IDsConfig struct {
	ReservationStrategy string `toml:"reservation_strategy" env:"LIBAR_ID_STRATEGY"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{Path: "libar.db"},
		DCB: DCBConfig{
			MaxAttempts:    dcb.DefaultMaxAttempts,
			InitialBackoff: dcb.DefaultBackoff.Initial,
			BackoffBase:    dcb.DefaultBackoff.Base,
			MaxBackoff:     dcb.DefaultBackoff.Max,
		},
		WorkQueue: WorkQueueConfig{
			Parallelism:       4,
			MaxActionAttempts: workqueue.DefaultRetryPolicy.MaxAttempts,
			ActionBackoff:     workqueue.DefaultRetryPolicy.InitialBackoff,
		},
		Engine: EngineConfig{
			PollInterval:     time.Second,
			BatchSize:        100,
			FailureThreshold: 5,
		},
		Events:    EventsConfig{SubjectPrefix: "libar"},
		Telemetry: TelemetryConfig{ServiceName: "libar"},
		Log:       LogConfig{Level: "info", Format: "text"},
		IDs:       IDsConfig{ReservationStrategy: string(idgen.DefaultReservationStrategy)},
	}
}

// Load reads path (DefaultPath when empty), applies the process
// environment and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment. A nil map means the
// process environment.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode %s: unknown key %q", path, undecoded[0].String())
		}
	}

	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from LIBAR_* variables. Unset variables leave
// the current value alone.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Backoff converts the [dcb] section for dcb.WithBackoff.
func (c DCBConfig) Backoff() dcb.BackoffOptions {
	return dcb.BackoffOptions{Initial: c.InitialBackoff, Base: c.BackoffBase, Max: c.MaxBackoff}
}

// RetryPolicy converts the [workqueue] section for workqueue.WithRetryPolicy.
func (c WorkQueueConfig) RetryPolicy() workqueue.RetryPolicy {
	p := workqueue.DefaultRetryPolicy
	p.MaxAttempts = c.MaxActionAttempts
	p.InitialBackoff = c.ActionBackoff
	return p
}

// Strategy returns the parsed reservation id strategy.
func (c IDsConfig) Strategy() idgen.ReservationStrategy {
	s, err := idgen.ParseReservationStrategy(c.ReservationStrategy)
	if err != nil {
		return idgen.DefaultReservationStrategy
	}
	return s
}

// Tracing converts the [telemetry] section for telemetry.Setup.
func (c TelemetryConfig) Tracing() telemetry.Config {
	return telemetry.Config{Endpoint: c.OTelEndpoint, ServiceName: c.ServiceName}
}
