package config

import (
	"errors"
	"fmt"
	"strings"

	"repub/internal/domain"
)

// Config is the on-disk configuration (YAML or JSON; YAML is coerced to JSON
// and decoded strictly).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Site      SiteConfig      `json:"site"`
	Captcha   CaptchaConfig   `json:"captcha"`
	Session   SessionConfig   `json:"session,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Publisher PublisherConfig `json:"publisher"`
	Inbox     InboxConfig     `json:"inbox,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"` // default true
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

func (c LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

// StorageConfig controls the sqlite store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

// SiteConfig configures the classifieds site client.
//
// The paths default to the live site layout; tests point BaseURL at a local
// fixture server.
type SiteConfig struct {
	BaseURL     string `json:"base_url"`
	LoginPath   string `json:"login_path,omitempty"`   // default "/gestionar/"
	PublishPath string `json:"publish_path,omitempty"` // default "/publicar/"

	// Timeout bounds every single HTTP request. Default "30s".
	Timeout string `json:"timeout,omitempty"`

	// RatePerMinute throttles requests against the site (shared across
	// accounts). 0 disables throttling.
	RatePerMinute int `json:"rate_per_minute,omitempty"`
}

type CaptchaConfig struct {
	API    CaptchaAPIConfig    `json:"api,omitempty"`
	Manual CaptchaManualConfig `json:"manual,omitempty"`
}

// CaptchaAPIConfig configures the third-party solving service (2captcha wire
// format: POST /in.php, poll /res.php).
type CaptchaAPIConfig struct {
	Key          string `json:"key,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`      // default "http://2captcha.com"
	PollInterval string `json:"poll_interval,omitempty"` // default "5s"
	Timeout      string `json:"timeout,omitempty"`       // default "2m"
}

// CaptchaManualConfig bounds the operator-inbox flow.
type CaptchaManualConfig struct {
	// Timeout is how long a challenge waits for an operator before it counts
	// as unsolved. Default "30m".
	Timeout string `json:"timeout,omitempty"`
	// Recheck is the requeue gate while a job is parked waiting on a human.
	// Default "30s".
	Recheck string `json:"recheck,omitempty"`
}

type SessionConfig struct {
	// TTL is how long a cached login session is reused. Default "20m".
	TTL string `json:"ttl,omitempty"`
}

type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"` // default "15s"
	BatchLimit   int    `json:"batch_limit,omitempty"`   // max claims per tick, default 50
	Timezone     string `json:"timezone,omitempty"`      // IANA TZ for cron specs
}

type PublisherConfig struct {
	Workers   int `json:"workers,omitempty"`    // default 3
	QueueSize int `json:"queue_size,omitempty"` // default 256

	// MaxAttempts bounds transient retries within one cycle. Default 5.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Retry backoff policy: base * 2^attempt, jittered, capped.
	RetryBase     string  `json:"retry_base,omitempty"`      // default "30s"
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"` // default "15m"
	RetryJitter   float64 `json:"retry_jitter,omitempty"`    // default 0.2

	// PauseThreshold is the consecutive failed cycles after which a schedule
	// auto-pauses. Default 3.
	PauseThreshold int `json:"pause_threshold,omitempty"`

	// PublishTimeout bounds one whole publish attempt (login + submit).
	// Default "3m".
	PublishTimeout string `json:"publish_timeout,omitempty"`
}

// InboxConfig configures the operator inbox surface.
type InboxConfig struct {
	Telegram InboxTelegramConfig `json:"telegram,omitempty"`
}

// InboxTelegramConfig enables the optional Telegram notifier: manual captcha
// challenges and paused-schedule notices go to ChatID; operators answer with
// /solve <id> <token>.
type InboxTelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// Validate checks cross-field constraints that strict decoding can't express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.Site.BaseURL) == "" {
		return errors.New("site.base_url is required")
	}
	for path, raw := range map[string]string{
		"storage.busy_timeout":      c.Storage.BusyTimeout,
		"site.timeout":              c.Site.Timeout,
		"captcha.api.poll_interval": c.Captcha.API.PollInterval,
		"captcha.api.timeout":       c.Captcha.API.Timeout,
		"captcha.manual.timeout":    c.Captcha.Manual.Timeout,
		"captcha.manual.recheck":    c.Captcha.Manual.Recheck,
		"session.ttl":               c.Session.TTL,
		"scheduler.tick_interval":   c.Scheduler.TickInterval,
		"publisher.retry_base":      c.Publisher.RetryBase,
		"publisher.retry_max_delay": c.Publisher.RetryMaxDelay,
		"publisher.publish_timeout": c.Publisher.PublishTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Publisher.RetryJitter < 0 || c.Publisher.RetryJitter > 1 {
		return errors.New("publisher.retry_jitter must be within [0,1]")
	}
	if c.Inbox.Telegram.Enabled {
		if strings.TrimSpace(c.Inbox.Telegram.Token) == "" {
			return errors.New("inbox.telegram.token is required when enabled")
		}
		if c.Inbox.Telegram.ChatID == 0 {
			return errors.New("inbox.telegram.chat_id is required when enabled")
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		// Existence is checked at apply time; here only reject obvious garbage.
		if strings.ContainsAny(tz, " \t") {
			return fmt.Errorf("scheduler.timezone: invalid value %q", tz)
		}
	}
	return nil
}

// MethodConfigured reports whether the config can serve the given captcha
// method (the api solver needs a key; manual needs nothing; script is always
// "configured" and always fails).
func (c *Config) MethodConfigured(m domain.CaptchaMethod) bool {
	if m == domain.CaptchaAPI {
		return strings.TrimSpace(c.Captcha.API.Key) != ""
	}
	return true
}
