package config

import (
	"reflect"
	"strings"

	logx "repub/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (captcha key, telegram token, account
// credentials never live here) are not included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", strings.TrimSpace(newCfg.Logging.Level)))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Site, newCfg.Site) {
		changed = append(changed, "site")
		attrs = append(attrs, logx.String("site.base_url", newCfg.Site.BaseURL))
	}
	if !reflect.DeepEqual(oldCfg.Captcha, newCfg.Captcha) {
		// Never log the api key; only note that the section moved.
		changed = append(changed, "captcha")
	}
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.Int("publisher.workers", newCfg.Publisher.Workers),
			logx.Int("publisher.max_attempts", newCfg.Publisher.MaxAttempts),
			logx.Int("publisher.pause_threshold", newCfg.Publisher.PauseThreshold),
		)
	}
	if !reflect.DeepEqual(oldCfg.Inbox, newCfg.Inbox) {
		changed = append(changed, "inbox")
		attrs = append(attrs, logx.Bool("inbox.telegram.enabled", newCfg.Inbox.Telegram.Enabled))
	}

	return changed, attrs
}
