package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

type Config struct {
	Environment string `toml:"environment"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	// logging
	LogLevel      string `toml:"log_level"`
	LogsPath      string `toml:"logs_path"`
	LogToStdout   bool   `toml:"log_to_stdout"`
	LogFormatJSON bool   `toml:"log_format_json"`
	SentryEnabled bool   `toml:"sentry_enabled"`
	// metrics
	MetricsHost string `toml:"metrics_host"`
	MetricsPort int    `toml:"metrics_port"`
	// redis (sessions, rate limiting, and the redis store backend)
	RedisHost string `toml:"redis_host"`
	RedisPort int    `toml:"redis_port"`
	// document store backend: memory | redis | postgres | mongo
	StoreBackend string `toml:"store_backend"`
	PostgresHost string `toml:"postgres_host"`
	PostgresPort int    `toml:"postgres_port"`
	PostgresDB   string `toml:"postgres_db"`
	MongoDB      string `toml:"mongo_db"`
	// http
	AllowedOrigins       []string `toml:"allowed_origins"`
	RateLimitPerMin      int      `toml:"rate_limit_per_min"`
	AuthRateLimitPerMin  int      `toml:"auth_rate_limit_per_min"`
	SessionTTL           Duration `toml:"session_ttl"`
	FeedHeartbeat        Duration `toml:"feed_heartbeat"`
	NotificationsTimeout Duration `toml:"notifications_timeout"`
	PushGatewayURL       string   `toml:"push_gateway_url"`
	// fitness core
	FeedLimit           int    `toml:"feed_limit"`
	StreakToleranceDays int    `toml:"streak_tolerance_days"`
	ImportParallelism   int    `toml:"import_parallelism"`
	RolloverCron        string `toml:"rollover_cron"`
	SessionsCleanCron   string `toml:"sessions_clean_cron"`
}

// Duration lets TOML files use strings like "15m" for durations.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Toml struct {
	Development *Config
	Production  *Config
}

func (t *Toml) Get(env string) (*Config, error) {
	var cfg *Config
	switch strings.ToLower(env) {
	case "dev", "development":
		cfg = t.Development
	case "prod", "production":
		cfg = t.Production
	default:
		return nil, fmt.Errorf("unknown env: %s", env)
	}
	if cfg == nil {
		return nil, fmt.Errorf("no config section for env: %s", env)
	}
	return cfg, nil
}

// Load reads the TOML file at path and returns the config of env, with
// defaults applied to the fields left out.
func Load(env, path string) (*Config, error) {
	var t Toml
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}
	cfg, err := t.Get(env)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", env, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 9000
	}
	if c.MetricsHost == "" {
		c.MetricsHost = "localhost"
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 2112
	}
	if c.RedisHost == "" {
		c.RedisHost = "localhost"
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.StoreBackend == "" {
		c.StoreBackend = StoreMemory
	}
	if c.PostgresPort == 0 {
		c.PostgresPort = 5432
	}
	if c.PostgresDB == "" {
		c.PostgresDB = "fitsync"
	}
	if c.MongoDB == "" {
		c.MongoDB = "fitsync"
	}
	if c.RateLimitPerMin == 0 {
		c.RateLimitPerMin = 600
	}
	if c.AuthRateLimitPerMin == 0 {
		c.AuthRateLimitPerMin = 20
	}
	if c.SessionTTL.Duration == 0 {
		c.SessionTTL.Duration = 7 * 24 * time.Hour
	}
	if c.FeedHeartbeat.Duration == 0 {
		c.FeedHeartbeat.Duration = 25 * time.Second
	}
	if c.NotificationsTimeout.Duration == 0 {
		c.NotificationsTimeout.Duration = 10 * time.Second
	}
	if c.FeedLimit == 0 {
		c.FeedLimit = 50
	}
	if c.ImportParallelism == 0 {
		c.ImportParallelism = 4
	}
	if c.RolloverCron == "" {
		c.RolloverCron = "5 0 * * *"
	}
	if c.SessionsCleanCron == "" {
		c.SessionsCleanCron = "@every 1h"
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreMemory, StoreRedis, StorePostgres, StoreMongo:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid metrics port %d", c.MetricsPort))
	}
	if c.FeedLimit < 0 {
		errs = append(errs, errors.New("feed limit must not be negative"))
	}
	if c.StreakToleranceDays < 0 {
		errs = append(errs, errors.New("streak tolerance must not be negative"))
	}
	if c.ImportParallelism < 0 {
		errs = append(errs, errors.New("import parallelism must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}
