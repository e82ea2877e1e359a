package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Postgres client drivers.
const (
	DriverPGX  = "pgx"
	DriverSQL  = "sql"
	DriverSQLX = "sqlx"
)

const (
	envPrefix      = "LIBSYS"
	configName     = "libsys"
	configFileType = "yaml"
)

var (
	ErrUnknownBackend    = errors.New("unknown storage backend")
	ErrUnknownDriver     = errors.New("unknown postgres driver")
	ErrMissingDSN        = errors.New("postgres dsn must be set")
	ErrMissingSQLitePath = errors.New("sqlite path must be set")
	ErrMissingRedisAddr  = errors.New("redis address must be set")
	ErrInvalidLogLevel   = errors.New("log level must be one of debug, info, warn, error")
	ErrInvalidLogFormat  = errors.New("log format must be text or json")
	ErrInvalidValue      = errors.New("invalid configuration value")
)

// Config is the complete libsys configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type StorageConfig struct {
	Backend          string         `mapstructure:"backend"`
	Table            string         `mapstructure:"table"`
	OperationTimeout time.Duration  `mapstructure:"operation_timeout"`
	SQLite           SQLiteConfig   `mapstructure:"sqlite"`
	Postgres         PostgresConfig `mapstructure:"postgres"`
	Redis            RedisConfig    `mapstructure:"redis"`
}

type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type PostgresConfig struct {
	Driver      string        `mapstructure:"driver"`
	DSN         string        `mapstructure:"dsn"`
	ReplicaDSN  string        `mapstructure:"replica_dsn"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	Pool        PoolConfig    `mapstructure:"pool"`
}

// PoolConfig sizes the pgx pool; the sql and sqlx drivers use MaxConns, MinConns and the lifetimes.
type PoolConfig struct {
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	PoolSize    int    `mapstructure:"pool_size"`
	KeyPrefix   string `mapstructure:"key_prefix"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type EngineConfig struct {
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryJitter    float64       `mapstructure:"retry_jitter"`
	LoanDays       int           `mapstructure:"loan_days"`
}

type SweeperConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BatchSize   int           `mapstructure:"batch_size"`
	Workers     int           `mapstructure:"workers"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
}

type CatalogConfig struct {
	CacheSize   int `mapstructure:"cache_size"`
	ReadWorkers int `mapstructure:"read_workers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"`
	Insecure        bool          `mapstructure:"insecure"`
	ServiceName     string        `mapstructure:"service_name"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.table", "lending_rows")
	v.SetDefault("storage.operation_timeout", 2*time.Second)
	v.SetDefault("storage.sqlite.path", "libsys.db")
	v.SetDefault("storage.sqlite.busy_timeout", 5*time.Second)
	v.SetDefault("storage.postgres.driver", DriverPGX)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.replica_dsn", "")
	v.SetDefault("storage.postgres.lock_timeout", time.Second)
	v.SetDefault("storage.postgres.pool.max_conns", 8)
	v.SetDefault("storage.postgres.pool.min_conns", 2)
	v.SetDefault("storage.postgres.pool.max_conn_lifetime", time.Hour)
	v.SetDefault("storage.postgres.pool.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("storage.postgres.pool.health_check_period", time.Minute)
	v.SetDefault("storage.postgres.pool.connect_timeout", 5*time.Second)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.key_prefix", "libsys")
	v.SetDefault("storage.redis.max_attempts", 8)

	v.SetDefault("engine.retry_attempts", 6)
	v.SetDefault("engine.retry_base_delay", 10*time.Millisecond)
	v.SetDefault("engine.retry_jitter", 0.3)
	v.SetDefault("engine.loan_days", 14)

	v.SetDefault("sweeper.grace_period", 30*time.Second)
	v.SetDefault("sweeper.interval", 10*time.Second)
	v.SetDefault("sweeper.max_attempts", 5)
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("sweeper.workers", 4)
	v.SetDefault("sweeper.metrics_addr", "")

	v.SetDefault("catalog.cache_size", 1024)
	v.SetDefault("catalog.read_workers", 8)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "libsys")
	v.SetDefault("telemetry.metrics_interval", 15*time.Second)
}

// Load reads path, or libsys.yaml from the working directory when path is empty, and applies
// LIBSYS_* environment overrides such as LIBSYS_STORAGE_BACKEND or LIBSYS_SWEEPER_GRACE_PERIOD.
// A missing default file is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values the components would reject later with less context.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return ErrMissingSQLitePath
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return ErrMissingDSN
		}

		switch c.Storage.Postgres.Driver {
		case DriverPGX, DriverSQL, DriverSQLX:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Storage.Postgres.Driver)
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Storage.Backend)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}

	positive := map[string]int64{
		"storage.operation_timeout": int64(c.Storage.OperationTimeout),
		"engine.retry_attempts":     int64(c.Engine.RetryAttempts),
		"engine.loan_days":          int64(c.Engine.LoanDays),
		"sweeper.grace_period":      int64(c.Sweeper.GracePeriod),
		"sweeper.interval":          int64(c.Sweeper.Interval),
		"sweeper.max_attempts":      int64(c.Sweeper.MaxAttempts),
		"sweeper.batch_size":        int64(c.Sweeper.BatchSize),
		"sweeper.workers":           int64(c.Sweeper.Workers),
		"catalog.cache_size":        int64(c.Catalog.CacheSize),
		"catalog.read_workers":      int64(c.Catalog.ReadWorkers),
	}

	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidValue, key)
		}
	}

	if c.Engine.RetryJitter < 0 || c.Engine.RetryJitter > 1 {
		return fmt.Errorf("%w: engine.retry_jitter must be between 0 and 1", ErrInvalidValue)
	}

	// A pending entry younger than the engine's whole retry budget may still belong to a
	// borrow in flight; the sweeper must not tombstone it.
	budget := time.Duration(c.Engine.RetryAttempts) * (c.Storage.OperationTimeout + c.Engine.RetryBaseDelay<<min(c.Engine.RetryAttempts, 16))
	if c.Sweeper.GracePeriod <= budget {
		return fmt.Errorf("%w: sweeper.grace_period must exceed the engine retry budget of %s", ErrInvalidValue, budget)
	}

	return nil
}
