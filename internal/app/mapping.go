package app

import (
	"strings"
	"time"

	"bilisub/internal/bilibili"
	"bilisub/internal/config"
	"bilisub/internal/detect"
	"bilisub/internal/notifier"
	"bilisub/internal/poller"
	"bilisub/internal/retry"
	"bilisub/internal/storage"
	"bilisub/internal/task/scheduler"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

// The mappers assume a config that passed config.Validate, so duration
// parse errors are returned only for completeness.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapBilibiliConfig(cfg *config.Config) (bilibili.Config, error) {
	b := cfg.Bilibili
	timeout, err := config.DurationOr("bilibili.timeout", b.Timeout, 10*time.Second)
	if err != nil {
		return bilibili.Config{}, err
	}
	return bilibili.Config{
		Cookie:      b.Cookie,
		UserAgent:   b.UserAgent,
		Timeout:     timeout,
		RatePerSec:  b.RatePerSec,
		Burst:       b.Burst,
		APIBase:     b.APIBase,
		LiveBase:    b.LiveBase,
		DynamicBase: b.DynamicBase,
	}, nil
}

func mapDetectOptions(cfg *config.Config, log logx.Logger) (detect.Options, error) {
	p := cfg.Poller
	window, err := config.DurationOr("poller.freshness_window", p.FreshnessWindow, detect.DefaultFreshness)
	if err != nil {
		return detect.Options{}, err
	}
	delay, err := config.DurationOr("poller.cover_retry.delay", p.CoverRetry.Delay, 2*time.Second)
	if err != nil {
		return detect.Options{}, err
	}
	cover := retry.Fixed(max(1, p.CoverRetry.Attempts), delay)
	cover.OnRetry = func(attempt int, wait time.Duration, err error) {
		log.Debug("cover fetch retry", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
	}
	return detect.Options{
		Log:             log,
		FreshnessWindow: window,
		CoverRetry:      cover,
		Filter:          detect.KeywordFilter{Keywords: p.ContentFilter.Keywords},
		FilterEnabled:   p.ContentFilter.Enabled,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (poller.RunnerConfig, error) {
	timeout, err := config.DurationOr("poller.check_timeout", cfg.Poller.CheckTimeout, time.Minute)
	if err != nil {
		return poller.RunnerConfig{}, err
	}
	return poller.RunnerConfig{
		BatchSize:    cfg.Poller.BatchSize,
		Concurrency:  cfg.Bilibili.Concurrency,
		CheckTimeout: timeout,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Schedule: cfg.Poller.Schedule, Timezone: cfg.Poller.Timezone}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		n = &config.NotifierConfig{Enabled: true}
	}
	var err error
	d := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var v time.Duration
		v, err = config.DurationOr(path, raw, def)
		return v
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       d("notifier.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   d("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second),
		DedupWindow:     d("notifier.dedup_window", n.DedupWindow, time.Minute),
		DedupMaxEntries: n.DedupMaxEntries,
		SendTimeout:     d("notifier.send_timeout", n.SendTimeout, 30*time.Second),
		AdminTargets:    append([]string(nil), cfg.Telegram.AlertTargets...),
	}
	return out, err
}

func mapLogConfig(cfg *config.Config, target transport.ChatTarget) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && target.ChatID != 0,
			Target:     target,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.log_target. An empty or invalid value disables
// the Telegram log sink.
func logTarget(cfg *config.Config) transport.ChatTarget {
	raw := strings.TrimSpace(cfg.Telegram.LogTarget)
	if raw == "" {
		return transport.ChatTarget{}
	}
	t, err := transport.ParseOwnerID(raw)
	if err != nil {
		return transport.ChatTarget{}
	}
	return t
}
