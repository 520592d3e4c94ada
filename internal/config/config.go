package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/t77yq/post-scheduler/internal/model"
	"github.com/t77yq/post-scheduler/internal/publisher"
	"github.com/t77yq/post-scheduler/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. POSTSCHED_API_ADDR
const EnvPrefix = "POSTSCHED"

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the service configuration
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Log       LogConfig        `mapstructure:"log"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Storage   StorageConfig    `mapstructure:"storage"`
	NATS      NATSConfig       `mapstructure:"nats"`
	API       APIConfig        `mapstructure:"api"`
	Alerts    AlertsConfig     `mapstructure:"alerts"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	Platforms []PlatformConfig `mapstructure:"platforms"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SchedulerConfig configures the engine, retry policy and trigger jobs
type SchedulerConfig struct {
	ScanInterval           time.Duration `mapstructure:"scan_interval"`
	StaleCheckInterval     time.Duration `mapstructure:"stale_check_interval"`
	StaleClaimAfter        time.Duration `mapstructure:"stale_claim_after"`
	MaxRetries             int           `mapstructure:"max_retries"`
	AcceptPartialSuccess   bool          `mapstructure:"accept_partial_success"`
	MaxConcurrentPosts     int           `mapstructure:"max_concurrent_posts"`
	MaxConcurrentPlatforms int           `mapstructure:"max_concurrent_platforms"`
	PublishTimeout         time.Duration `mapstructure:"publish_timeout"`
	ResolveTimeout         time.Duration `mapstructure:"resolve_timeout"`
	Backoff                BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type StorageConfig struct {
	Driver           string `mapstructure:"driver"`
	SQLitePath       string `mapstructure:"sqlite_path"`
	PostgresURL      string `mapstructure:"postgres_url"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	EventMaxAge    time.Duration `mapstructure:"event_max_age"`
}

type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	AdminSecret     string        `mapstructure:"admin_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AlertsConfig configures where failed-post alerts go. Alerts require NATS.
type AlertsConfig struct {
	SlackToken   string `mapstructure:"slack_token"`
	SlackChannel string `mapstructure:"slack_channel"`
	SlackAPIURL  string `mapstructure:"slack_api_url"`
}

type MetricsConfig struct {
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

type BreakerConfig struct {
	FailureThreshold uint          `mapstructure:"failure_threshold"`
	Window           uint          `mapstructure:"window"`
	Delay            time.Duration `mapstructure:"delay"`
	SuccessThreshold uint          `mapstructure:"success_threshold"`
}

// PlatformConfig binds a platform name to its publisher settings. Names are
// kept as a value because viper lower-cases map keys.
type PlatformConfig struct {
	Name                     string `mapstructure:"name"`
	publisher.PlatformConfig `mapstructure:",squash"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "post-scheduler")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("scheduler.scan_interval", time.Minute)
	v.SetDefault("scheduler.stale_check_interval", 5*time.Minute)
	v.SetDefault("scheduler.stale_claim_after", 15*time.Minute)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.accept_partial_success", false)
	v.SetDefault("scheduler.max_concurrent_posts", 5)
	v.SetDefault("scheduler.max_concurrent_platforms", 4)
	v.SetDefault("scheduler.publish_timeout", 30*time.Second)
	v.SetDefault("scheduler.resolve_timeout", 10*time.Second)
	v.SetDefault("scheduler.backoff.initial_delay", time.Minute)
	v.SetDefault("scheduler.backoff.max_delay", time.Hour)
	v.SetDefault("scheduler.backoff.multiplier", 2.0)

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "scheduled_posts.db")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.postgres_max_conns", 10)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.event_max_age", 7*24*time.Hour)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.admin_secret", "")
	v.SetDefault("api.shutdown_timeout", 30*time.Second)

	v.SetDefault("alerts.slack_token", "")
	v.SetDefault("alerts.slack_channel", "")
	v.SetDefault("alerts.slack_api_url", "")

	v.SetDefault("metrics.collect_interval", 15*time.Second)

	def := publisher.DefaultBreakerConfig()
	v.SetDefault("breaker.failure_threshold", def.FailureThreshold)
	v.SetDefault("breaker.window", def.Window)
	v.SetDefault("breaker.delay", def.Delay)
	v.SetDefault("breaker.success_threshold", def.SuccessThreshold)
}

// Load reads configuration from an optional .env file, the YAML config file
// and POSTSCHED_ environment variables, in increasing precedence. An empty
// path searches ./config and the working directory for config.yaml.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
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
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.ScanInterval < time.Second {
		return fmt.Errorf("scheduler.scan_interval must be at least 1s, got %s", s.ScanInterval)
	}
	if s.StaleCheckInterval < time.Second {
		return fmt.Errorf("scheduler.stale_check_interval must be at least 1s, got %s", s.StaleCheckInterval)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative, got %d", s.MaxRetries)
	}
	if s.MaxConcurrentPosts < 1 || s.MaxConcurrentPlatforms < 1 {
		return errors.New("scheduler concurrency limits must be at least 1")
	}
	if s.PublishTimeout <= 0 {
		return errors.New("scheduler.publish_timeout must be positive")
	}
	if s.ResolveTimeout <= 0 {
		return errors.New("scheduler.resolve_timeout must be positive")
	}
	if worst := s.Engine().MaxDispatchDuration(len(c.Platforms)); s.StaleClaimAfter <= worst {
		return fmt.Errorf("scheduler.stale_claim_after (%s) must exceed the longest dispatch (%s for %d platforms)",
			s.StaleClaimAfter, worst, len(c.Platforms))
	}
	if err := s.backoff().Validate(); err != nil {
		return fmt.Errorf("scheduler.backoff: %w", err)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if c.API.Addr == "" {
		return errors.New("api.addr is required")
	}
	if (c.Alerts.SlackToken == "") != (c.Alerts.SlackChannel == "") {
		return errors.New("alerts.slack_token and alerts.slack_channel must be set together")
	}

	seen := make(map[string]bool, len(c.Platforms))
	for i, p := range c.Platforms {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("platforms[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("platforms[%d]: duplicate platform %q", i, name)
		}
		seen[name] = true
	}
	return nil
}

func (s SchedulerConfig) backoff() *scheduler.ExponentialBackoff {
	return &scheduler.ExponentialBackoff{
		InitialDelay: s.Backoff.InitialDelay,
		MaxDelay:     s.Backoff.MaxDelay,
		Multiplier:   s.Backoff.Multiplier,
	}
}

// RetryPolicy builds the retry policy described by the scheduler settings
func (s SchedulerConfig) RetryPolicy() (*scheduler.RetryPolicy, error) {
	policy, err := scheduler.NewRetryPolicy(s.MaxRetries, s.backoff())
	if err != nil {
		return nil, err
	}
	policy.AcceptPartialSuccess = s.AcceptPartialSuccess
	return policy, nil
}

// Engine returns the engine settings
func (s SchedulerConfig) Engine() scheduler.EngineConfig {
	return scheduler.EngineConfig{
		MaxConcurrentPosts:     s.MaxConcurrentPosts,
		MaxConcurrentPlatforms: s.MaxConcurrentPlatforms,
		PublishTimeout:         s.PublishTimeout,
		ResolveTimeout:         s.ResolveTimeout,
		StaleClaimAfter:        s.StaleClaimAfter,
	}
}

// Publisher returns the circuit breaker settings for the publisher registry
func (b BreakerConfig) Publisher() publisher.BreakerConfig {
	return publisher.BreakerConfig{
		FailureThreshold: b.FailureThreshold,
		Window:           b.Window,
		Delay:            b.Delay,
		SuccessThreshold: b.SuccessThreshold,
	}
}

// Platform returns the platform identifier for p
func (p PlatformConfig) Platform() model.Platform {
	return model.Platform(strings.TrimSpace(p.Name))
}
