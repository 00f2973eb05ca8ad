package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shohag/driprelay/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driprelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Generation.BatchSize != 10 || cfg.Generation.RequestTimeout != 5*time.Minute {
		t.Errorf("generation = %+v", cfg.Generation)
	}
	if cfg.Delivery.BatchLimit != 100 || cfg.Delivery.GateTolerance != 15*time.Minute {
		t.Errorf("delivery = %+v", cfg.Delivery)
	}
	if got := cfg.Content.RetrySchedule; len(got) != 3 || got[2] != 10*time.Second {
		t.Errorf("content.retry_schedule = %v", got)
	}
	if cfg.Sequence.PreferredTime != (models.ClockTime{Hour: 7, Minute: 30}) {
		t.Errorf("sequence.preferred_time = %v", cfg.Sequence.PreferredTime)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: postgres
  postgres:
    dsn: postgres://localhost/drip
delivery:
  provider: smtp
  from:
    email: hello@example.com
  horizon_interval: 0s
  smtp:
    host: smtp.example.com
sequence:
  preferred_time: "18:45"
  timezone: Europe/Berlin
`)
	t.Setenv("DRIPRELAY_GENERATION_BATCH_SIZE", "4")
	t.Setenv("DRIPRELAY_CONTENT_RETRY_SCHEDULE", "1s,2s")
	t.Setenv("DRIPRELAY_SERVER_API_KEYS", "dk_one,dk_two")
	t.Setenv("DRIPRELAY_LOCK_DRIVER", "postgres")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.Postgres.DSN != "postgres://localhost/drip" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Generation.BatchSize != 4 {
		t.Errorf("batch_size = %d, want 4", cfg.Generation.BatchSize)
	}
	if got := cfg.Content.RetrySchedule; len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Errorf("retry_schedule = %v", got)
	}
	if got := cfg.Server.APIKeys; len(got) != 2 || got[1] != "dk_two" {
		t.Errorf("api_keys = %v", got)
	}
	if cfg.Sequence.PreferredTime != (models.ClockTime{Hour: 18, Minute: 45}) {
		t.Errorf("preferred_time = %v", cfg.Sequence.PreferredTime)
	}
	if cfg.Lock.Driver != "postgres" {
		t.Errorf("lock.driver = %q", cfg.Lock.Driver)
	}
	if cfg.Delivery.HorizonInterval != 0 {
		t.Errorf("horizon_interval = %s, want 0", cfg.Delivery.HorizonInterval)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	base, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"zero batch size", func(c *Config) { c.Generation.BatchSize = 0 }, "generation.batch_size"},
		{"brevo without key", func(c *Config) { c.Delivery.Provider = "brevo" }, "delivery.brevo.api_key"},
		{"smtp with horizon check", func(c *Config) {
			c.Delivery.Provider = "smtp"
			c.Delivery.SMTP.Host = "smtp.example.com"
			c.Delivery.From.Email = "hello@example.com"
		}, "delivery.horizon_interval"},
		{"scan limit below batch", func(c *Config) { c.Delivery.ScanLimit = 10 }, "delivery.scan_limit"},
		{"lookahead beyond max ahead", func(c *Config) { c.Delivery.HorizonLookahead = 96 * time.Hour }, "horizon_lookahead"},
		{"advisory lock without postgres", func(c *Config) { c.Lock.Driver = "postgres" }, "lock.driver postgres"},
		{"bad timezone", func(c *Config) { c.Sequence.Timezone = "Mars/Olympus" }, "sequence.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
