package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/tazhate/calsync/internal/conflict"
	"github.com/tazhate/calsync/internal/deletion"
	"github.com/tazhate/calsync/internal/remotediff"
	"github.com/tazhate/calsync/internal/service"
)

const envPrefix = "CALSYNC_"

type CalDAVConfig struct {
	URL             string            `yaml:"url"`
	Username        string            `yaml:"username"`
	Password        string            `yaml:"password"`
	DefaultCalendar string            `yaml:"default_calendar"`
	Calendars       []string          `yaml:"calendars"`
	Tags            map[string]string `yaml:"tags"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// BasicAuthConfig protects the HTTP API. Both fields empty disables auth.
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type SyncConfig struct {
	Cron               string        `yaml:"cron"`
	PruneCron          string        `yaml:"prune_cron"`
	Debounce           time.Duration `yaml:"debounce"`
	PastDays           int           `yaml:"past_days"`
	FutureDays         int           `yaml:"future_days"`
	FetchBatchSize     int           `yaml:"fetch_batch_size"`
	MaxRetries         int           `yaml:"max_retries"`
	FailureNotifyEvery int           `yaml:"failure_notify_every"`
	TombstoneTTL       time.Duration `yaml:"tombstone_ttl"`

	Deletion deletion.Config   `yaml:"deletion"`
	Conflict conflict.Config   `yaml:"conflict"`
	Diff     remotediff.Config `yaml:"diff"`
}

type Config struct {
	DatabasePath string `yaml:"database_path"`
	Listen       string `yaml:"listen"`
	Timezone     string `yaml:"timezone"`
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`

	CalDAV    CalDAVConfig    `yaml:"caldav"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	BasicAuth BasicAuthConfig `yaml:"basic_auth"`
	Sync      SyncConfig      `yaml:"sync"`

	Location *time.Location `yaml:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	svc := service.DefaultConfig()
	return &Config{
		DatabasePath: "./data/calsync.db",
		Listen:       ":8080",
		Timezone:     "UTC",
		LogLevel:     "info",
		Sync: SyncConfig{
			Cron:               "@every 1m",
			PruneCron:          "30 3 * * *",
			Debounce:           svc.Debounce,
			PastDays:           svc.PastDays,
			FutureDays:         svc.FutureDays,
			FetchBatchSize:     svc.FetchBatchSize,
			MaxRetries:         svc.MaxRetries,
			FailureNotifyEvery: svc.FailureNotifyEvery,
			TombstoneTTL:       svc.TombstoneTTL,
			Deletion:           svc.Deletion,
			Conflict:           svc.Conflict,
			Diff:               svc.Diff,
		},
	}
}

// Load reads defaults, then the YAML file at path (if path is set), then
// CALSYNC_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	str("DATABASE_PATH", &c.DatabasePath)
	str("LISTEN", &c.Listen)
	str("TIMEZONE", &c.Timezone)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
	str("CALDAV_URL", &c.CalDAV.URL)
	str("CALDAV_USERNAME", &c.CalDAV.Username)
	str("CALDAV_PASSWORD", &c.CalDAV.Password)
	str("DEFAULT_CALENDAR", &c.CalDAV.DefaultCalendar)
	str("TELEGRAM_TOKEN", &c.Telegram.Token)
	str("API_USERNAME", &c.BasicAuth.Username)
	str("API_PASSWORD", &c.BasicAuth.Password)
	str("SYNC_CRON", &c.Sync.Cron)

	if v, ok := os.LookupEnv(envPrefix + "CALENDARS"); ok {
		c.CalDAV.Calendars = splitList(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "TELEGRAM_CHAT_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_CHAT_ID must be a number", envPrefix)
		}
		c.Telegram.ChatID = id
	}
	if v, ok := os.LookupEnv(envPrefix + "DEBOUNCE"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sDEBOUNCE: %w", envPrefix, err)
		}
		c.Sync.Debounce = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration and resolves the timezone.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}

	tz, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone: %w", err))
	} else {
		c.Location = tz
	}

	if c.CalDAV.DefaultCalendar == "" && len(c.CalDAV.Calendars) > 0 {
		c.CalDAV.DefaultCalendar = c.CalDAV.Calendars[0]
	}
	if (c.CalDAV.Username == "") != (c.CalDAV.Password == "") {
		errs = append(errs, errors.New("caldav username and password must be set together"))
	}
	if (c.BasicAuth.Username == "") != (c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth username and password must be set together"))
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram chat_id is required when a token is set"))
	}

	for name, spec := range map[string]string{"sync.cron": c.Sync.Cron, "sync.prune_cron": c.Sync.PruneCron} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}
	if c.Sync.Debounce < 0 {
		errs = append(errs, errors.New("sync.debounce must not be negative"))
	}
	if c.Sync.PastDays < 0 || c.Sync.FutureDays <= 0 {
		errs = append(errs, errors.New("sync window must have past_days >= 0 and future_days > 0"))
	}
	return errors.Join(errs...)
}

// HasTelegram reports whether notifications should go to Telegram.
func (c *Config) HasTelegram() bool {
	return c.Telegram.Token != ""
}

// Calendars returns the calendars to pull, the default one included.
func (c *Config) Calendars() []string {
	out := append([]string(nil), c.CalDAV.Calendars...)
	if c.CalDAV.DefaultCalendar == "" {
		return out
	}
	for _, cal := range out {
		if cal == c.CalDAV.DefaultCalendar {
			return out
		}
	}
	return append([]string{c.CalDAV.DefaultCalendar}, out...)
}

// ServiceConfig maps the file configuration onto the sync engine's.
func (c *Config) ServiceConfig() service.Config {
	cfg := service.DefaultConfig()
	cfg.DefaultCalendar = c.CalDAV.DefaultCalendar
	cfg.Calendars = c.Calendars()
	cfg.Debounce = c.Sync.Debounce
	cfg.PastDays = c.Sync.PastDays
	cfg.FutureDays = c.Sync.FutureDays
	cfg.FetchBatchSize = c.Sync.FetchBatchSize
	cfg.MaxRetries = c.Sync.MaxRetries
	cfg.FailureNotifyEvery = c.Sync.FailureNotifyEvery
	cfg.TombstoneTTL = c.Sync.TombstoneTTL
	cfg.Deletion = c.Sync.Deletion
	cfg.Conflict = c.Sync.Conflict
	cfg.Diff = c.Sync.Diff
	return cfg
}
