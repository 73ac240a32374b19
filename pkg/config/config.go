package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/statusflow/statusflow/pkg/telemetry"
)

// Duration is a time.Duration that unmarshals from YAML strings like "500ms"
// or "2s", or from plain integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" validate:"required"`
	Store     StoreConfig      `yaml:"store" validate:"required"`
	Engine    EngineConfig     `yaml:"engine"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// KindsFile points at the YAML file declaring resource kinds and their
	// transition tables. It is watched and hot-reloaded.
	KindsFile string `yaml:"kinds_file" validate:"required"`

	// PolicyDir optionally points at a directory of .rego transition guards.
	PolicyDir string `yaml:"policy_dir"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr      string   `yaml:"listen_addr" validate:"required"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// EngineConfig configures the transition engine and its effect executor.
type EngineConfig struct {
	// SyncBudget bounds synchronous transition handling before falling back to
	// an operation.
	SyncBudget Duration `yaml:"sync_budget"`

	// Workers is the effect executor pool size.
	Workers int `yaml:"workers" validate:"min=0,max=256"`

	// EffectTimeout bounds a single asynchronous effect execution.
	EffectTimeout Duration `yaml:"effect_timeout"`

	// QueueSize is the effect queue capacity.
	QueueSize int `yaml:"queue_size" validate:"min=0"`
}

// Default returns the configuration defaults; Load starts from these.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Path: "statusflow.db",
		},
		Engine: EngineConfig{
			SyncBudget:    Duration(2 * time.Second),
			Workers:       4,
			EffectTimeout: Duration(5 * time.Minute),
			QueueSize:     256,
		},
		Telemetry: *telemetry.DefaultConfig(),
		KindsFile: "kinds.yaml",
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct-level constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
