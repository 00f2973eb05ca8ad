package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shohag/driprelay/internal/models"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Generation GenerationConfig `mapstructure:"generation"`
	Content    ContentConfig    `mapstructure:"content"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Lock       LockConfig       `mapstructure:"lock"`
	Sequence   SequenceConfig   `mapstructure:"sequence"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
}

type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	APIKeys       []string      `mapstructure:"api_keys"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	SignatureSkew time.Duration `mapstructure:"signature_skew"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type GenerationConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	DefaultTopicDepth int           `mapstructure:"default_topic_depth"`
}

type ContentConfig struct {
	Provider       string          `mapstructure:"provider"`
	APIKey         string          `mapstructure:"api_key"`
	Model          string          `mapstructure:"model"`
	BaseURL        string          `mapstructure:"base_url"`
	Temperature    float32         `mapstructure:"temperature"`
	Timeout        time.Duration   `mapstructure:"timeout"`
	CallsPerMinute int             `mapstructure:"calls_per_minute"`
	MaxAttempts    int             `mapstructure:"max_attempts"`
	RetrySchedule  []time.Duration `mapstructure:"retry_schedule"`
}

type DeliveryConfig struct {
	Provider         string          `mapstructure:"provider"`
	From             FromConfig      `mapstructure:"from"`
	Brevo            BrevoConfig     `mapstructure:"brevo"`
	SMTP             SMTPConfig      `mapstructure:"smtp"`
	SweepInterval    time.Duration   `mapstructure:"sweep_interval"`
	HorizonInterval  time.Duration   `mapstructure:"horizon_interval"`
	HorizonLookahead time.Duration   `mapstructure:"horizon_lookahead"`
	BatchLimit       int             `mapstructure:"batch_limit"`
	ScanLimit        int             `mapstructure:"scan_limit"`
	GateTolerance    time.Duration   `mapstructure:"gate_tolerance"`
	MinLead          time.Duration   `mapstructure:"min_lead"`
	MaxAhead         time.Duration   `mapstructure:"max_ahead"`
	MaxAttempts      int             `mapstructure:"max_attempts"`
	RetrySchedule    []time.Duration `mapstructure:"retry_schedule"`
}

type FromConfig struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

type BrevoConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	TemplateID int64         `mapstructure:"template_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LockConfig struct {
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
	Name    string        `mapstructure:"name"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SequenceConfig holds the defaults applied to intake requests that omit them.
type SequenceConfig struct {
	PreferredTime models.ClockTime `mapstructure:"preferred_time"`
	Timezone      string           `mapstructure:"timezone"`
	CadenceDays   int              `mapstructure:"cadence_days"`
	TargetCount   int              `mapstructure:"target_count"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

// Load reads an optional .env file, then the YAML config, then DRIPRELAY_*
// environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("driprelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/driprelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("DRIPRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.api_keys", []string{})
	v.SetDefault("server.webhook_secret", "")
	v.SetDefault("server.signature_skew", 5*time.Minute)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/driprelay.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("generation.batch_size", 10)
	v.SetDefault("generation.request_timeout", 5*time.Minute)
	v.SetDefault("generation.workers", 4)
	v.SetDefault("generation.queue_size", 100)
	v.SetDefault("generation.stale_after", 30*time.Minute)
	v.SetDefault("generation.default_topic_depth", 5)

	v.SetDefault("content.provider", "openai")
	v.SetDefault("content.api_key", "")
	v.SetDefault("content.model", "gpt-4o-mini")
	v.SetDefault("content.base_url", "")
	v.SetDefault("content.temperature", 0.8)
	v.SetDefault("content.timeout", 2*time.Minute)
	v.SetDefault("content.calls_per_minute", 60)
	v.SetDefault("content.max_attempts", 3)
	v.SetDefault("content.retry_schedule", []time.Duration{4 * time.Second, 8 * time.Second, 10 * time.Second})

	v.SetDefault("delivery.provider", "log")
	v.SetDefault("delivery.from.name", "DripRelay")
	v.SetDefault("delivery.from.email", "")
	v.SetDefault("delivery.brevo.api_key", "")
	v.SetDefault("delivery.brevo.base_url", "")
	v.SetDefault("delivery.brevo.template_id", 0)
	v.SetDefault("delivery.brevo.timeout", 30*time.Second)
	v.SetDefault("delivery.smtp.host", "")
	v.SetDefault("delivery.smtp.port", 587)
	v.SetDefault("delivery.smtp.username", "")
	v.SetDefault("delivery.smtp.password", "")
	v.SetDefault("delivery.sweep_interval", time.Minute)
	v.SetDefault("delivery.horizon_interval", 15*time.Minute)
	v.SetDefault("delivery.horizon_lookahead", 48*time.Hour)
	v.SetDefault("delivery.batch_limit", 100)
	v.SetDefault("delivery.scan_limit", 10000)
	v.SetDefault("delivery.gate_tolerance", 15*time.Minute)
	v.SetDefault("delivery.min_lead", 2*time.Minute)
	v.SetDefault("delivery.max_ahead", 72*time.Hour)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.retry_schedule", []time.Duration{4 * time.Second, 8 * time.Second, 10 * time.Second})

	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.timeout", 5*time.Second)
	v.SetDefault("lock.name", "driprelay:sweep")
	v.SetDefault("lock.redis.addr", "localhost:6379")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("lock.redis.ttl", 5*time.Minute)

	v.SetDefault("sequence.preferred_time", "07:30")
	v.SetDefault("sequence.timezone", "UTC")
	v.SetDefault("sequence.cadence_days", 1)
	v.SetDefault("sequence.target_count", 7)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			add("storage.sqlite.path is required")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			add("storage.postgres.dsn is required")
		}
	default:
		add("storage.driver %q: want sqlite or postgres", c.Storage.Driver)
	}

	if c.Generation.BatchSize < 1 {
		add("generation.batch_size must be at least 1")
	}
	if c.Generation.Workers < 1 {
		add("generation.workers must be at least 1")
	}
	if c.Generation.RequestTimeout <= 0 {
		add("generation.request_timeout must be positive")
	}

	if c.Content.Provider != "openai" {
		add("content.provider %q: want openai", c.Content.Provider)
	}
	if c.Content.MaxAttempts < 1 {
		add("content.max_attempts must be at least 1")
	}

	switch c.Delivery.Provider {
	case "brevo":
		if c.Delivery.Brevo.APIKey == "" {
			add("delivery.brevo.api_key is required for the brevo provider")
		}
		if c.Delivery.From.Email == "" {
			add("delivery.from.email is required")
		}
	case "smtp":
		if c.Delivery.SMTP.Host == "" {
			add("delivery.smtp.host is required for the smtp provider")
		}
		if c.Delivery.From.Email == "" {
			add("delivery.from.email is required")
		}
		if c.Delivery.HorizonInterval > 0 {
			add("delivery.horizon_interval must be 0 for the smtp provider, which sends immediately")
		}
	case "log":
	default:
		add("delivery.provider %q: want brevo, smtp or log", c.Delivery.Provider)
	}
	if c.Delivery.SweepInterval <= 0 {
		add("delivery.sweep_interval must be positive")
	}
	if c.Delivery.ScanLimit < c.Delivery.BatchLimit {
		add("delivery.scan_limit must be at least delivery.batch_limit")
	}
	if c.Delivery.MinLead >= c.Delivery.MaxAhead {
		add("delivery.min_lead must be shorter than delivery.max_ahead")
	}
	if c.Delivery.HorizonLookahead > c.Delivery.MaxAhead {
		add("delivery.horizon_lookahead must not exceed delivery.max_ahead")
	}

	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			add("lock.redis.addr is required for the redis lock")
		}
	case "postgres":
		if c.Storage.Driver != "postgres" {
			add("lock.driver postgres requires storage.driver postgres")
		}
	default:
		add("lock.driver %q: want local, redis or postgres", c.Lock.Driver)
	}

	if _, err := time.LoadLocation(c.Sequence.Timezone); err != nil {
		add("sequence.timezone: %v", err)
	}
	if c.Sequence.CadenceDays < 1 {
		add("sequence.cadence_days must be at least 1")
	}

	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
