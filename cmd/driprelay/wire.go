package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/shohag/driprelay/internal/config"
	"github.com/shohag/driprelay/internal/content"
	"github.com/shohag/driprelay/internal/delivery"
	"github.com/shohag/driprelay/internal/generation"
	"github.com/shohag/driprelay/internal/lock"
	"github.com/shohag/driprelay/internal/mailer"
	"github.com/shohag/driprelay/internal/report"
	"github.com/shohag/driprelay/internal/retry"
	"github.com/shohag/driprelay/internal/storage"
)

// app bundles the components a command may need. Fields are built lazily by
// the helpers below so read-only commands never dial external services.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    storage.Storage
	reporter *report.Sentry
	closers  []func()
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)

	store, err := setupStorage(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	reporter, err := report.New(report.Options{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     "driprelay@" + version,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to setup error reporting: %w", err)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		reporter: reporter,
		closers:  []func(){func() { store.Close() }},
	}, nil
}

func (a *app) Close() {
	a.reporter.Flush(flushTimeout)
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) orchestrator() (*generation.Orchestrator, error) {
	cc := a.cfg.Content
	client, err := content.NewOpenAI(content.OpenAIOptions{
		APIKey:      cc.APIKey,
		Model:       cc.Model,
		BaseURL:     cc.BaseURL,
		Temperature: cc.Temperature,
		Timeout:     cc.Timeout,
	})
	if err != nil {
		return nil, err
	}
	gen := content.NewLimited(client,
		content.NewLimiter(cc.CallsPerMinute),
		retry.NewPolicy(cc.MaxAttempts, cc.RetrySchedule),
		a.log.With().Str("component", "content").Logger())

	gc := a.cfg.Generation
	return generation.NewOrchestrator(a.store, gen, generation.Options{
		BatchSize:         gc.BatchSize,
		RequestTimeout:    gc.RequestTimeout,
		StaleAfter:        gc.StaleAfter,
		DefaultTopicDepth: gc.DefaultTopicDepth,
	}, a.reporter, a.log.With().Str("component", "generation").Logger()), nil
}

func (a *app) sweeper() (*delivery.Sweeper, error) {
	sender, err := a.sender()
	if err != nil {
		return nil, err
	}
	locker, err := a.locker()
	if err != nil {
		return nil, err
	}

	dc := a.cfg.Delivery
	return delivery.NewSweeper(a.store, sender, locker, delivery.Options{
		BatchLimit:       dc.BatchLimit,
		ScanLimit:        dc.ScanLimit,
		GateTolerance:    dc.GateTolerance,
		MinLead:          dc.MinLead,
		MaxAhead:         dc.MaxAhead,
		LockTimeout:      a.cfg.Lock.Timeout,
		HorizonLookahead: dc.HorizonLookahead,
	}, a.log.With().Str("component", "delivery").Logger()), nil
}

func (a *app) sender() (mailer.Sender, error) {
	dc := a.cfg.Delivery
	from := mailer.From{Name: dc.From.Name, Email: dc.From.Email}
	log := a.log.With().Str("component", "mailer").Logger()

	var (
		next mailer.Sender
		err  error
	)
	switch dc.Provider {
	case "brevo":
		next, err = mailer.NewBrevo(mailer.BrevoOptions{
			APIKey:     dc.Brevo.APIKey,
			BaseURL:    dc.Brevo.BaseURL,
			From:       from,
			TemplateID: dc.Brevo.TemplateID,
			Timeout:    dc.Brevo.Timeout,
		})
	case "smtp":
		next, err = mailer.NewSMTP(mailer.SMTPOptions{
			Host:     dc.SMTP.Host,
			Port:     dc.SMTP.Port,
			Username: dc.SMTP.Username,
			Password: dc.SMTP.Password,
			From:     from,
		})
	case "log":
		return mailer.NewLog(log), nil
	default:
		return nil, fmt.Errorf("unsupported delivery provider: %s", dc.Provider)
	}
	if err != nil {
		return nil, err
	}
	return mailer.NewRetrying(next, retry.NewPolicy(dc.MaxAttempts, dc.RetrySchedule), log), nil
}

func (a *app) locker() (lock.Locker, error) {
	lc := a.cfg.Lock
	switch lc.Driver {
	case "local":
		return lock.NewLocal(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     lc.Redis.Addr,
			Password: lc.Redis.Password,
			DB:       lc.Redis.DB,
		})
		a.closers = append(a.closers, func() { client.Close() })
		return lock.NewRedis(client, lc.Name, lc.Redis.TTL), nil
	case "postgres":
		sqlStore, ok := a.store.(*storage.SQLStore)
		if !ok {
			return nil, fmt.Errorf("postgres lock needs the postgres store")
		}
		return lock.NewPostgres(sqlStore.DB(), lc.Name), nil
	default:
		return nil, fmt.Errorf("unsupported lock driver: %s", lc.Driver)
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Msg("using Postgres storage")
		return storage.NewPostgres(ctx, cfg.Postgres.DSN, storage.PostgresOptions{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
