package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	StateStorage StateStorage  `mapstructure:"state_storage"`
	Sync         SyncConfig    `mapstructure:"sync"`
	Server       ServerConfig  `mapstructure:"server"`
	Logging      LoggingConfig `mapstructure:"logging"`
}

type StateStorage struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// SyncConfig carries engine-wide defaults. Per-job settings override
// BatchSize and Parallelism.
type SyncConfig struct {
	BatchSize     int    `mapstructure:"batch_size"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	Timeout       string `mapstructure:"timeout"`
	Parallelism   int    `mapstructure:"parallelism"`
}

func (s SyncConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.retry_attempts", 3)
	v.SetDefault("sync.timeout", "30s")
	v.SetDefault("sync.parallelism", 4)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Environment overrides for the engine knobs.
	_ = v.BindEnv("sync.batch_size", "SYNC_BATCH_SIZE")
	_ = v.BindEnv("sync.retry_attempts", "SYNC_RETRY_ATTEMPTS")
	_ = v.BindEnv("sync.timeout", "SYNC_TIMEOUT")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
