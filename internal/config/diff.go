package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bilisub/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns safe
// log fields for them. Secrets (token, cookie) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.AdminUserIDs, nt.AdminUserIDs) ||
		!reflect.DeepEqual(ot.AlertTargets, nt.AlertTargets) ||
		strings.TrimSpace(ot.LogTarget) != strings.TrimSpace(nt.LogTarget) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.admin_count", len(nt.AdminUserIDs)),
			logx.Int("telegram.alert_targets", len(nt.AlertTargets)),
			logx.Bool("telegram.log_target_set", strings.TrimSpace(nt.LogTarget) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_changed", oldCfg.Storage.Path != newCfg.Storage.Path),
		)
	}

	var oN, nN NotifierConfig
	if oldCfg.Notifier != nil {
		oN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nN = *newCfg.Notifier
	}
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.queue_size", nN.QueueSize),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.retry_max", nN.RetryMax),
			logx.String("notifier.dedup_window", nN.DedupWindow),
		)
	}

	ob, nb := oldCfg.Bilibili, newCfg.Bilibili
	if ob != nb {
		changed = append(changed, "bilibili")
		attrs = append(attrs,
			logx.Bool("bilibili.cookie_changed", ob.Cookie != nb.Cookie),
			logx.Bool("bilibili.cookie_set", strings.TrimSpace(nb.Cookie) != ""),
			logx.String("bilibili.timeout", nb.Timeout),
			logx.Float64("bilibili.rate_per_sec", nb.RatePerSec),
			logx.Int("bilibili.concurrency", nb.Concurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		np := newCfg.Poller
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", np.Enabled),
			logx.String("poller.schedule", np.Schedule),
			logx.Int("poller.batch_size", np.BatchSize),
			logx.String("poller.freshness_window", np.FreshnessWindow),
			logx.Bool("poller.content_filter", np.ContentFilter.Enabled),
			logx.Int("poller.cover_retry_attempts", np.CoverRetry.Attempts),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "status", "bilibili":
			out = append(out, s)
		}
	}
	return out
}
