// Package config loads the invoice-agent's YAML configuration file into
// typed structs and validates it before the rest of the process wires up.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

// Config is the root configuration document: webhook, retry, breaker,
// dedup, queue, extractor, poller, subscription, and rate-limit tuning,
// plus the ambient infrastructure connection info (database, redis,
// blob storage, logging).
type Config struct {
	MonitoredMailbox string `yaml:"monitored_mailbox" validate:"required,email"`
	APAddress        string `yaml:"ap_address" validate:"required,email"`

	Webhook      WebhookConfig      `yaml:"webhook" validate:"required"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts"`
	Retry        RetryConfig        `yaml:"retry"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Queue        QueueConfig        `yaml:"queue"`
	Extractor    ExtractorConfig    `yaml:"extractor"`
	Poller       PollerConfig       `yaml:"poller"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Database     DatabaseConfig     `yaml:"database" validate:"required"`
	Redis        RedisConfig        `yaml:"redis" validate:"required"`
	Blob         BlobConfig         `yaml:"blob" validate:"required"`
	Logging      LoggingConfig      `yaml:"logging"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	LoopPrevention LoopPreventionConfig `yaml:"loop_prevention"`
}

type WebhookConfig struct {
	Path      string `yaml:"path" validate:"required"`
	PublicURL string `yaml:"public_url" validate:"required,url"`
}

type TimeoutsConfig struct {
	MailSeconds    int `yaml:"mail_seconds"`
	ExtractorSeconds int `yaml:"extractor_seconds"`
	StorageSeconds int `yaml:"storage_seconds"`
	ChatSeconds    int `yaml:"chat_seconds"`
}

func (t TimeoutsConfig) Mail() time.Duration      { return durationOr(t.MailSeconds, 12) * time.Second }
func (t TimeoutsConfig) Extractor() time.Duration { return durationOr(t.ExtractorSeconds, 15) * time.Second }
func (t TimeoutsConfig) Storage() time.Duration   { return durationOr(t.StorageSeconds, 10) * time.Second }
func (t TimeoutsConfig) Chat() time.Duration      { return durationOr(t.ChatSeconds, 10) * time.Second }

func durationOr(v int, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def)
	}
	return time.Duration(v)
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

func (r RetryConfig) WithDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelayMs <= 0 {
		r.BaseDelayMs = 500
	}
	if r.MaxDelayMs <= 0 {
		r.MaxDelayMs = 30000
	}
	return r
}

// BreakerSetting configures a single named circuit breaker.
type BreakerSetting struct {
	FailMax       int `yaml:"fail_max"`
	ResetSeconds  int `yaml:"reset_seconds"`
}

type BreakerConfig struct {
	Mail      BreakerSetting `yaml:"mail"`
	Extractor BreakerSetting `yaml:"extractor"`
	KVStore   BreakerSetting `yaml:"kvstore"`
}

func (b BreakerConfig) WithDefaults() BreakerConfig {
	if b.Mail.FailMax <= 0 {
		b.Mail = BreakerSetting{FailMax: 5, ResetSeconds: 60}
	}
	if b.Extractor.FailMax <= 0 {
		b.Extractor = BreakerSetting{FailMax: 3, ResetSeconds: 30}
	}
	if b.KVStore.FailMax <= 0 {
		b.KVStore = BreakerSetting{FailMax: 10, ResetSeconds: 30}
	}
	return b
}

type DedupConfig struct {
	StaleClaimWindowMinutes int `yaml:"stale_claim_window_minutes"`
}

func (d DedupConfig) StaleClaimWindow() time.Duration {
	if d.StaleClaimWindowMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(d.StaleClaimWindowMinutes) * time.Minute
}

type QueueConfig struct {
	MaxDequeue        int `yaml:"max_dequeue"`
	VisibilityMinutes int `yaml:"visibility_minutes"`
	Concurrency       int `yaml:"concurrency"`
}

func (q QueueConfig) WithDefaults() QueueConfig {
	if q.MaxDequeue <= 0 {
		q.MaxDequeue = 5
	}
	if q.VisibilityMinutes <= 0 {
		q.VisibilityMinutes = 10
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 4
	}
	return q
}

func (q QueueConfig) Visibility() time.Duration {
	return time.Duration(q.WithDefaults().VisibilityMinutes) * time.Minute
}

type ExtractorConfig struct {
	Enabled        bool  `yaml:"enabled"`
	MaxPdfBytes    int64 `yaml:"max_pdf_bytes"`
	ForceOnEmptyText bool `yaml:"force_on_empty_text"`
	Model          string `yaml:"model"`
}

func (e ExtractorConfig) MaxBytes() int64 {
	if e.MaxPdfBytes <= 0 {
		return 10 * 1024 * 1024
	}
	return e.MaxPdfBytes
}

type PollerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes"`
}

func (p PollerConfig) Interval() time.Duration {
	if p.IntervalMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(p.IntervalMinutes) * time.Minute
}

type SubscriptionConfig struct {
	TtlDays int `yaml:"ttl_days"`
}

func (s SubscriptionConfig) TTL() time.Duration {
	days := s.TtlDays
	if days <= 0 || days > 7 {
		days = 6
	}
	return time.Duration(days) * 24 * time.Hour
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn" validate:"required"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	DB   int    `yaml:"db"`
}

type BlobConfig struct {
	Bucket   string `yaml:"bucket" validate:"required"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

func (r RateLimitConfig) Limit() int {
	if r.RequestsPerMinute <= 0 {
		return 100
	}
	return r.RequestsPerMinute
}

// LoopPreventionConfig lists system-generated subject prefixes that mark
// an email as one the agent itself produced.
type LoopPreventionConfig struct {
	SystemSubjectPrefixes []string `yaml:"system_subject_prefixes"`
}

func (l LoopPreventionConfig) Prefixes() []string {
	if len(l.SystemSubjectPrefixes) == 0 {
		return []string{"[Invoice Agent]", "Unknown Vendor —"}
	}
	return l.SystemSubjectPrefixes
}

var validate = validator.New()

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, appErrors.Wrapf(err, appErrors.ErrorTypeValidation, "read config file %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeValidation, "parse config yaml")
	}

	cfg.Retry = cfg.Retry.WithDefaults()
	cfg.Breaker = cfg.Breaker.WithDefaults()
	cfg.Queue = cfg.Queue.WithDefaults()

	if err := validate.Struct(&cfg); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeValidation, "validate config").WithDetails(fmt.Sprintf("%v", err))
	}

	return &cfg, nil
}
