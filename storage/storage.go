// Package storage selects and opens a saga.Storage backend from configuration.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-sql-driver/mysql"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"saga"
	"saga/storage/memory"
	mysqlstore "saga/storage/mysql"
	redisstore "saga/storage/redis"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
)

// Config selects and configures a backend.
type Config struct {
	Backend   string        `mapstructure:"backend"`
	RedisURL  string        `mapstructure:"redis_url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	MySQLDSN  string        `mapstructure:"mysql_dsn"`
	Migrate   bool          `mapstructure:"migrate"`
	Timeout   time.Duration `mapstructure:"timeout"`

	Logger zerolog.Logger `mapstructure:"-"`
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendMemory,
		KeyPrefix: "saga:",
		Migrate:   true,
		Timeout:   5 * time.Second,
		Logger:    zerolog.Nop(),
	}
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendMemory, BackendRedis, BackendMySQL)),
		validation.Field(&c.RedisURL, validation.When(c.Backend == BackendRedis, validation.Required)),
		validation.Field(&c.MySQLDSN, validation.When(c.Backend == BackendMySQL, validation.Required)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return fmt.Errorf("%w: storage: %v", saga.ErrInvalidConfig, err)
	}
	return nil
}

// Open builds the configured backend and checks that it is reachable.
func Open(ctx context.Context, cfg Config) (saga.Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	switch cfg.Backend {
	case BackendRedis:
		return openRedis(ctx, cfg)
	case BackendMySQL:
		return openMySQL(ctx, cfg)
	default:
		return memory.New(), nil
	}
}

func openRedis(ctx context.Context, cfg Config) (saga.Storage, error) {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis_url: %v", saga.ErrInvalidConfig, err)
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
	}

	var storeOpts []redisstore.Option
	storeOpts = append(storeOpts, redisstore.WithLogger(cfg.Logger))
	if cfg.KeyPrefix != "" {
		storeOpts = append(storeOpts, redisstore.WithPrefix(cfg.KeyPrefix))
	}
	s := redisstore.New(goredis.NewClient(opts), storeOpts...)

	if h := s.HealthCheck(ctx); !h.Healthy() {
		_ = s.Close()
		return nil, fmt.Errorf("%w: redis: %s", saga.ErrStorageConnection, h.Error)
	}
	return s, nil
}

func openMySQL(ctx context.Context, cfg Config) (saga.Storage, error) {
	dsn, err := mysql.ParseDSN(cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql_dsn: %v", saga.ErrInvalidConfig, err)
	}
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	if cfg.Timeout > 0 {
		dsn.Timeout = cfg.Timeout
	}

	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql_dsn: %v", saga.ErrInvalidConfig, err)
	}
	s := mysqlstore.New(sql.OpenDB(connector))

	if h := s.HealthCheck(ctx); !h.Healthy() {
		_ = s.Close()
		return nil, fmt.Errorf("%w: mysql: %s", saga.ErrStorageConnection, h.Error)
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}
