package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"devdispatch/internal/logger"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes agent environment overrides, e.g. DEVDISPATCH_AGENT_SERVER_ADDRESS
const EnvPrefix = "DEVDISPATCH_AGENT"

// Config represents agent configuration
type Config struct {
	DeviceID     string        `mapstructure:"device_id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	Server       ServerConfig  `mapstructure:"server"`
	Log          logger.Config `mapstructure:"log"`
}

// ServerConfig represents dispatch server configuration
type ServerConfig struct {
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`
	TLS     TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents client TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// LoadConfig loads the agent configuration from path, or from defaults
// and the environment when path is empty
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The hostname identifies the device when no id is configured
	if config.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		config.DeviceID = hostname
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults registers default values
func setDefaults(v *viper.Viper) {
	v.SetDefault("device_id", "")
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("error_backoff", 15*time.Second)
	v.SetDefault("server.address", "http://localhost:3000")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.ca_file", "")

	logDefaults := logger.DefaultConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", logDefaults.MaxSize)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age", logDefaults.MaxAge)
	v.SetDefault("log.compress", false)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if len(config.DeviceID) > 128 {
		return fmt.Errorf("device_id must be at most 128 characters")
	}

	if config.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}

	if config.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}

	if config.ErrorBackoff < 0 {
		return fmt.Errorf("error_backoff must not be negative")
	}

	if config.Server.TLS.Enabled && (config.Server.TLS.CertFile == "") != (config.Server.TLS.KeyFile == "") {
		return fmt.Errorf("TLS cert and key files must be set together")
	}

	if err := config.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}

	return nil
}
