// Package config loads the saga daemon configuration from defaults, an
// optional YAML file, SAGA_ environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"saga"
	"saga/storage"
	"saga/sweeper"
)

// EnvVarPrefix prefixes every environment variable, e.g. SAGA_STORAGE_BACKEND.
const EnvVarPrefix = "SAGA"

// Config is the daemon configuration.
type Config struct {
	Service         string         `mapstructure:"service"`
	LogLevel        string         `mapstructure:"log_level"`
	HTTPAddr        string         `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	Tracing         bool           `mapstructure:"tracing"`
	Engine          saga.Config    `mapstructure:"engine"`
	Storage         storage.Config `mapstructure:"storage"`
	Sweeper         sweeper.Config `mapstructure:"sweeper"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Service:         "sagad",
		LogLevel:        "info",
		HTTPAddr:        ":8080",
		ShutdownTimeout: 15 * time.Second,
		Engine:          saga.DefaultConfig(),
		Storage:         storage.DefaultConfig(),
		Sweeper:         sweeper.DefaultConfig(),
	}
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":       "log_level",
	"http-addr":       "http_addr",
	"tracing":         "tracing",
	"storage-backend": "storage.backend",
	"redis-url":       "storage.redis_url",
	"mysql-dsn":       "storage.mysql_dsn",
	"replicas":        "engine.replicas",
	"sweep-schedule":  "sweeper.schedule",
}

// Flags returns the command-line flags understood by Load.
func Flags() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("sagad", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("http-addr", d.HTTPAddr, "address for /healthz and /metrics")
	fs.Bool("tracing", d.Tracing, "log finished OpenTelemetry spans")
	fs.String("storage-backend", d.Storage.Backend, "storage backend (memory, redis, mysql)")
	fs.String("redis-url", "", "redis connection URL")
	fs.String("mysql-dsn", "", "mysql data source name")
	fs.Int("replicas", d.Engine.Replicas, "number of processes sharing the storage backend")
	fs.String("sweep-schedule", d.Sweeper.Schedule, "cron schedule for the expiry sweeper")
	return fs
}

// Load parses args and builds the configuration. Precedence, highest first:
// flags, environment, configuration file, defaults.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", saga.ErrInvalidConfig, err)
	}
	return LoadFromViper(viper.New(), fs)
}

// LoadFromViper is Load on an existing viper session with already parsed
// flags. fs may be nil.
func LoadFromViper(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	var defaults map[string]any
	if err := mapstructure.Decode(Default(), &defaults); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	if err := v.MergeConfigMap(defaults); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("%w: read %s: %v", saga.ErrInvalidConfig, path, err)
			}
		}
	}

	v.SetEnvPrefix(EnvVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: unable to decode config into struct: %v", saga.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Service, validation.Required),
		validation.Field(&c.LogLevel, validation.Required, validation.By(logLevel)),
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Storage, validation.By(c.storageSharable)),
		validation.Field(&c.Sweeper, validation.By(sweepSchedule)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", saga.ErrInvalidConfig, err)
	}
	return c.Engine.Validate()
}

// Level returns the parsed log level.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func logLevel(value any) error {
	s, _ := value.(string)
	if _, err := zerolog.ParseLevel(s); err != nil {
		return errors.New("unknown log level")
	}
	return nil
}

// storageSharable rejects an in-process backend for a multi-replica
// deployment.
func (c *Config) storageSharable(value any) error {
	st, _ := value.(storage.Config)
	if st.Backend == storage.BackendMemory && c.Engine.Replicas > 1 {
		return fmt.Errorf("memory backend cannot be shared by %d replicas", c.Engine.Replicas)
	}
	return nil
}

func sweepSchedule(value any) error {
	sw, _ := value.(sweeper.Config)
	if !sw.Enabled {
		return nil
	}
	if _, err := sweeper.ParseSchedule(sw.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %v", sw.Schedule, err)
	}
	if sw.LockTTL <= 0 {
		return errors.New("lock_ttl must be positive")
	}
	return nil
}
