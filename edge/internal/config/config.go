package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DeviceID     string             `mapstructure:"device_id"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Uploader     UploaderConfig     `mapstructure:"uploader"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Backoff      BackoffConfig      `mapstructure:"backoff"`
	Validation   ValidationConfig   `mapstructure:"validation"`
	Consent      ConsentConfig      `mapstructure:"consent"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Control      ControlConfig      `mapstructure:"control"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Reachability ReachabilityConfig `mapstructure:"reachability"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type QueueConfig struct {
	Path       string `mapstructure:"path"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

type UploaderConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BatchSize int           `mapstructure:"batch_size"`
	UserAgent string        `mapstructure:"user_agent"`
}

type SchedulerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	InterBatchDelay   time.Duration `mapstructure:"inter_batch_delay"`
	BackgroundBudget  time.Duration `mapstructure:"background_budget"`
	DefaultRetryAfter time.Duration `mapstructure:"default_retry_after"`
}

type BackoffConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    float64       `mapstructure:"jitter"`
}

type ValidationConfig struct {
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	MaxClockSkew    time.Duration `mapstructure:"max_clock_skew"`
}

type ConsentConfig struct {
	Source          string        `mapstructure:"source"`
	FilePath        string        `mapstructure:"file_path"`
	RedisURL        string        `mapstructure:"redis_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type AuthConfig struct {
	TokenFile string `mapstructure:"token_file"`
	Token     string `mapstructure:"token"`
}

type ControlConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type NATSConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	URL              string `mapstructure:"url"`
	DeadLetterStream string `mapstructure:"dead_letter_stream"`
}

type ReachabilityConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("device_id", "local")
	v.SetDefault("queue.path", "edge-queue.db")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.pool_size", 4)
	v.SetDefault("uploader.url", "http://localhost:8088")
	v.SetDefault("uploader.timeout", "30s")
	v.SetDefault("uploader.batch_size", 50)
	v.SetDefault("uploader.user_agent", "telhawk-edge/1")
	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.inter_batch_delay", "100ms")
	v.SetDefault("scheduler.background_budget", "25s")
	v.SetDefault("scheduler.default_retry_after", "60s")
	v.SetDefault("backoff.base_delay", "1s")
	v.SetDefault("backoff.max_delay", "5m")
	v.SetDefault("backoff.jitter", 0.3)
	v.SetDefault("validation.max_payload_bytes", 262144)
	v.SetDefault("validation.max_clock_skew", "5m")
	v.SetDefault("consent.source", "file")
	v.SetDefault("consent.file_path", "consent.yaml")
	v.SetDefault("consent.redis_url", "redis://localhost:6379/0")
	v.SetDefault("consent.refresh_interval", "30s")
	v.SetDefault("auth.token_file", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("control.listen", "127.0.0.1:8089")
	v.SetDefault("control.read_timeout", "10s")
	v.SetDefault("control.write_timeout", "60s")
	v.SetDefault("control.max_body_bytes", 1048576)
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.dead_letter_stream", "EDGE_DEADLETTER")
	v.SetDefault("reachability.enabled", true)
	v.SetDefault("reachability.address", "")
	v.SetDefault("reachability.timeout", "3s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telhawk/edge")
	}

	// Environment variables override, e.g. EDGE_UPLOADER_URL
	v.SetEnvPrefix("EDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
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

// Validate rejects values the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.Path == "" {
		errs = append(errs, errors.New("queue.path is required"))
	}
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, errors.New("queue.max_retries must be at least 1"))
	}
	if c.Uploader.URL == "" {
		errs = append(errs, errors.New("uploader.url is required"))
	}
	if c.Uploader.BatchSize < 1 {
		errs = append(errs, errors.New("uploader.batch_size must be at least 1"))
	}
	if c.Uploader.Timeout <= 0 {
		errs = append(errs, errors.New("uploader.timeout must be positive"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.InterBatchDelay < 0 {
		errs = append(errs, errors.New("scheduler.inter_batch_delay must not be negative"))
	}
	if c.Backoff.BaseDelay <= 0 || c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		errs = append(errs, errors.New("backoff requires 0 < base_delay <= max_delay"))
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		errs = append(errs, errors.New("backoff.jitter must be within [0, 1]"))
	}
	switch c.Consent.Source {
	case "file":
		if c.Consent.FilePath == "" {
			errs = append(errs, errors.New("consent.file_path is required for the file source"))
		}
	case "redis":
		if c.Consent.RedisURL == "" {
			errs = append(errs, errors.New("consent.redis_url is required for the redis source"))
		}
	default:
		errs = append(errs, fmt.Errorf("consent.source %q is not one of file, redis", c.Consent.Source))
	}
	if c.Control.Listen == "" {
		errs = append(errs, errors.New("control.listen is required"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	return errors.Join(errs...)
}
