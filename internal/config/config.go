package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	FRED       FREDConfig       `yaml:"fred" mapstructure:"fred"`
	Yahoo      YahooConfig      `yaml:"yahoo" mapstructure:"yahoo"`
	Multpl     MultplConfig     `yaml:"multpl" mapstructure:"multpl"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Swarm      SwarmConfig      `yaml:"swarm" mapstructure:"swarm"`
	Indicators IndicatorsConfig `yaml:"indicators" mapstructure:"indicators"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Retention  RetentionConfig  `yaml:"retention" mapstructure:"retention"`
	Backfill   BackfillConfig   `yaml:"backfill" mapstructure:"backfill"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// FREDConfig holds the FRED key and endpoints.
type FREDConfig struct {
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	APIBaseURL string `yaml:"api_base_url" mapstructure:"api_base_url"`
	CSVBaseURL string `yaml:"csv_base_url" mapstructure:"csv_base_url"`
}

// YahooConfig holds the Yahoo Finance endpoints.
type YahooConfig struct {
	CookieURL      string `yaml:"cookie_url" mapstructure:"cookie_url"`
	CrumbURL       string `yaml:"crumb_url" mapstructure:"crumb_url"`
	QuoteURL       string `yaml:"quote_url" mapstructure:"quote_url"`
	ChartURL       string `yaml:"chart_url" mapstructure:"chart_url"`
	SessionTTLMins int    `yaml:"session_ttl_mins" mapstructure:"session_ttl_mins"`
}

// MultplConfig holds the multpl.com base URL.
type MultplConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FetchConfig configures upstream HTTP behavior and caching.
type FetchConfig struct {
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries       int    `yaml:"max_retries" mapstructure:"max_retries"`
	CacheTTLMins     int    `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
	RedisURL         string `yaml:"redis_url" mapstructure:"redis_url"`
	UserAgent        string `yaml:"user_agent" mapstructure:"user_agent"`
	BreakerFailures  int    `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the per-request timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// CacheTTL returns the cache expiry.
func (f FetchConfig) CacheTTL() time.Duration {
	return time.Duration(f.CacheTTLMins) * time.Minute
}

// SwarmConfig bounds one orchestration cycle.
type SwarmConfig struct {
	Workers            int `yaml:"workers" mapstructure:"workers"`
	OverallTimeoutSecs int `yaml:"overall_timeout_secs" mapstructure:"overall_timeout_secs"`
	AgentTimeoutSecs   int `yaml:"agent_timeout_secs" mapstructure:"agent_timeout_secs"`
}

// IndicatorsConfig points at an optional registry override.
type IndicatorsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// OutputConfig configures where report files are written.
type OutputConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ScheduleConfig configures the daily job.
type ScheduleConfig struct {
	Hour           int    `yaml:"hour" mapstructure:"hour"`
	Minute         int    `yaml:"minute" mapstructure:"minute"`
	Timezone       string `yaml:"timezone" mapstructure:"timezone"`
	RetryCount     int    `yaml:"retry_count" mapstructure:"retry_count"`
	RetryDelaySecs int    `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
}

// MonitoringConfig configures the health checker.
type MonitoringConfig struct {
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours     int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	MinSuccessRate    float64 `yaml:"min_success_rate" mapstructure:"min_success_rate"`
	MinAttempts       int     `yaml:"min_attempts" mapstructure:"min_attempts"`
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// RetentionConfig configures vacuum.
type RetentionConfig struct {
	KeepDays int `yaml:"keep_days" mapstructure:"keep_days"`
}

// BackfillConfig configures historical loads.
type BackfillConfig struct {
	Days      int  `yaml:"days" mapstructure:"days"`
	OnStartup bool `yaml:"on_startup" mapstructure:"on_startup"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	// Best effort; a missing .env is normal.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MACRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("fred.api_key", "MACRO_FRED_API_KEY", "FRED_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind FRED_API_KEY")
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "macro_factors.db")
	v.SetDefault("store.max_conns", 5)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("fred.api_base_url", "")
	v.SetDefault("fred.csv_base_url", "")
	v.SetDefault("yahoo.session_ttl_mins", 10)
	v.SetDefault("multpl.base_url", "")
	v.SetDefault("indicators.path", "")
	v.SetDefault("fetch.timeout_secs", 15)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.cache_ttl_mins", 30)
	v.SetDefault("fetch.user_agent", "macro-swarm/1.0")
	v.SetDefault("fetch.redis_url", "")
	v.SetDefault("fetch.breaker_failures", 5)
	v.SetDefault("fetch.breaker_reset_secs", 60)
	v.SetDefault("swarm.workers", 3)
	v.SetDefault("swarm.overall_timeout_secs", 60)
	v.SetDefault("swarm.agent_timeout_secs", 30)
	v.SetDefault("output.dir", "output")
	v.SetDefault("schedule.hour", 8)
	v.SetDefault("schedule.minute", 30)
	v.SetDefault("schedule.timezone", "America/New_York")
	v.SetDefault("schedule.retry_count", 3)
	v.SetDefault("schedule.retry_delay_secs", 60)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.min_success_rate", 50.0)
	v.SetDefault("monitoring.min_attempts", 3)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("retention.keep_days", 365)
	v.SetDefault("backfill.days", 90)
	v.SetDefault("backfill.on_startup", true)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a command mode depends on. Every problem is
// reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	if c.Swarm.Workers < 1 || c.Swarm.Workers > 16 {
		errs = append(errs, "swarm.workers must be between 1 and 16")
	}
	if c.Swarm.AgentTimeoutSecs <= 0 || c.Swarm.OverallTimeoutSecs < c.Swarm.AgentTimeoutSecs {
		errs = append(errs, "swarm.overall_timeout_secs must be >= agent_timeout_secs > 0")
	}

	switch mode {
	case "run", "backfill", "maintenance":
	case "serve", "daemon":
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("schedule.timezone %q is not a known zone", c.Schedule.Timezone))
		}
		if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 || c.Schedule.Minute < 0 || c.Schedule.Minute > 59 {
			errs = append(errs, "schedule.hour/minute out of range")
		}
		if c.Monitoring.MinSuccessRate < 0 || c.Monitoring.MinSuccessRate > 100 {
			errs = append(errs, "monitoring.min_success_rate must be between 0 and 100")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
