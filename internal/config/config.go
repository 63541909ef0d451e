package config

import (
	"fmt"
	"strings"
	"time"

	"devdispatch/internal/database"
	"devdispatch/internal/logger"
	"devdispatch/internal/retry"
	"devdispatch/internal/scheduler"
	"devdispatch/internal/store/mongostore"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. DEVDISPATCH_STORAGE_DSN
const EnvPrefix = "DEVDISPATCH"

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = database.DriverSQLite
	DriverPostgres = database.DriverPostgres
	DriverMySQL    = database.DriverMySQL
	DriverMongo    = "mongo"
)

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Retry     retry.Config    `mapstructure:"retry"`
	Log       logger.Config   `mapstructure:"log"`
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents the TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// StorageConfig represents the command store configuration
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"` // memory, sqlite, postgres, mysql, mongo
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	SlowQueryTime   time.Duration `mapstructure:"slow_query_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	TargetVersion   int           `mapstructure:"target_version"`
	Mongo           MongoConfig   `mapstructure:"mongo"`
}

// MongoConfig represents the MongoDB store configuration
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	Transactions   bool          `mapstructure:"transactions"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig represents the idempotency key-value store configuration.
// When disabled an in-process store is used.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// SchedulerConfig represents the lease scheduler configuration
type SchedulerConfig struct {
	LeaseDuration        time.Duration `mapstructure:"lease_duration"`
	IdempotencyLockTTL   time.Duration `mapstructure:"idempotency_lock_ttl"`
	IdempotencyRetention time.Duration `mapstructure:"idempotency_retention"`
	PollMaxAttempts      int           `mapstructure:"poll_max_attempts"`
	PollBackoff          time.Duration `mapstructure:"poll_backoff"`
}

// APIConfig represents the API configuration
type APIConfig struct {
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	CORS           CORSConfig      `mapstructure:"cors"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig represents the per client rate limit configuration
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// CORSConfig represents the CORS configuration
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

// MetricsConfig represents the metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoadConfig loads configuration from path, or from defaults and the
// environment alone when path is empty
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		// Read config file
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults registers default values. Every key is registered so
// environment overrides apply even when the file omits it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":3000")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.dsn", "data/devdispatch.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.query_timeout", 30*time.Second)
	v.SetDefault("storage.slow_query_time", time.Second)
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("storage.target_version", 0)
	v.SetDefault("storage.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongo.database", "devdispatch")
	v.SetDefault("storage.mongo.collection", "commands")
	v.SetDefault("storage.mongo.transactions", false)
	v.SetDefault("storage.mongo.connect_timeout", 10*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "idempotency")

	v.SetDefault("scheduler.lease_duration", scheduler.DefaultLeaseDuration)
	v.SetDefault("scheduler.idempotency_lock_ttl", 30*time.Second)
	v.SetDefault("scheduler.idempotency_retention", 24*time.Hour)
	v.SetDefault("scheduler.poll_max_attempts", scheduler.DefaultPollMaxAttempts)
	v.SetDefault("scheduler.poll_backoff", time.Duration(0))

	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("api.cors.enabled", false)
	v.SetDefault("api.cors.allowed_origins", []string{"*"})
	v.SetDefault("api.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("api.cors.allowed_headers", []string{"Content-Type", "Idempotency-Key", "X-Request-ID"})
	v.SetDefault("api.cors.max_age", 86400)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests", 600)
	v.SetDefault("api.rate_limit.window", time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	retryDefaults := retry.DefaultRetryConfig()
	v.SetDefault("retry.enable", retryDefaults.Enable)
	v.SetDefault("retry.max_attempts", retryDefaults.MaxAttempts)
	v.SetDefault("retry.initial_interval", retryDefaults.InitialInterval)
	v.SetDefault("retry.max_interval", retryDefaults.MaxInterval)
	v.SetDefault("retry.multiplier", retryDefaults.Multiplier)

	logDefaults := logger.DefaultConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", logDefaults.MaxSize)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age", logDefaults.MaxAge)
	v.SetDefault("log.compress", false)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}

	// Validate TLS configuration
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS cert and key files are required")
		}
	}

	// Validate storage configuration
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	// Validate redis configuration
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("invalid redis config: addr is required when enabled")
	}

	// Validate scheduler configuration
	if err := c.Scheduler.Config().Validate(); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	if c.API.RequestTimeout < 0 {
		return fmt.Errorf("invalid api config: request timeout must not be negative")
	}

	if c.API.RateLimit.Enabled && (c.API.RateLimit.Requests <= 0 || c.API.RateLimit.Window <= 0) {
		return fmt.Errorf("invalid api config: rate limit requests and window must be positive")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics config: path must start with /")
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}

	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}

	return nil
}

// Validate validates the storage configuration
func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo uri is required")
		}
		return nil
	case DriverSQLite, DriverPostgres, DriverMySQL:
		cfg := c.Database()
		return cfg.Validate()
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Driver)
	}
}

// Database returns the SQL database configuration
func (c *StorageConfig) Database() database.Config {
	return database.Config{
		Driver:          c.Driver,
		DSN:             c.DSN,
		MaxConnections:  c.MaxConnections,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		QueryTimeout:    c.QueryTimeout,
		SlowQueryTime:   c.SlowQueryTime,
		AutoMigrate:     c.AutoMigrate,
		TargetVersion:   c.TargetVersion,
	}
}

// MongoStore returns the MongoDB store configuration
func (c *StorageConfig) MongoStore() mongostore.Config {
	return mongostore.Config{
		URI:            c.Mongo.URI,
		Database:       c.Mongo.Database,
		Collection:     c.Mongo.Collection,
		Transactions:   c.Mongo.Transactions,
		ConnectTimeout: c.Mongo.ConnectTimeout,
	}
}

// Config returns the scheduler configuration
func (c SchedulerConfig) Config() scheduler.Config {
	return scheduler.Config{
		LeaseDuration:        c.LeaseDuration,
		PollMaxAttempts:      c.PollMaxAttempts,
		PollBackoff:          c.PollBackoff,
		IdempotencyLockTTL:   c.IdempotencyLockTTL,
		IdempotencyRetention: c.IdempotencyRetention,
	}
}

// SchedulerConfig returns the scheduler configuration with the
// idempotency key prefix taken from the redis section
func (c *Config) SchedulerConfig() scheduler.Config {
	sc := c.Scheduler.Config()
	sc.IdempotencyKeyPrefix = c.Redis.KeyPrefix
	return sc
}
