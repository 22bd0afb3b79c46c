package config

import (
	"errors"
	"fmt"
	"strings"

	"bilisub/internal/task/scheduler"
	"bilisub/internal/transport"
)

// Validate checks a defaulted config. All problems are reported together.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := parseDuration(path, raw)
		check(err)
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		check(errors.New("telegram.token is required"))
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	for i, t := range c.Telegram.AlertTargets {
		if _, err := transport.ParseOwnerID(t); err != nil {
			check(fmt.Errorf("telegram.alert_targets[%d]: %w", i, err))
		}
	}
	if t := strings.TrimSpace(c.Telegram.LogTarget); t != "" {
		if _, err := transport.ParseOwnerID(t); err != nil {
			check(fmt.Errorf("telegram.log_target: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "file":
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		check(errors.New("storage.path is required"))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if n := c.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		dur("notifier.send_timeout", n.SendTimeout)
	}

	dur("bilibili.timeout", c.Bilibili.Timeout)
	if c.Bilibili.Concurrency > 16 {
		check(fmt.Errorf("bilibili.concurrency: %d is above the limit of 16", c.Bilibili.Concurrency))
	}

	p := c.Poller
	if _, err := scheduler.ParseSchedule(p.Schedule); err != nil {
		check(fmt.Errorf("poller.schedule: %w", err))
	}
	dur("poller.check_timeout", p.CheckTimeout)
	dur("poller.freshness_window", p.FreshnessWindow)
	dur("poller.cover_retry.delay", p.CoverRetry.Delay)
	if p.ContentFilter.Enabled && len(p.ContentFilter.Keywords) == 0 {
		check(errors.New("poller.content_filter: enabled without keywords"))
	}

	if c.Status.Enabled && strings.TrimSpace(c.Status.Addr) == "" {
		check(errors.New("status.addr is required when status is enabled"))
	}
	return errors.Join(errs...)
}
