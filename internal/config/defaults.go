package config

import "strings"

const (
	DefaultSchedule        = "2m"
	DefaultFreshnessWindow = "30m"
	DefaultStatusAddr      = "127.0.0.1:8089"
)

// ApplyDefaults fills zero values. Explicit values are never overwritten.
func ApplyDefaults(c *Config) {
	setStr := func(p *string, v string) {
		if strings.TrimSpace(*p) == "" {
			*p = v
		}
	}
	setInt := func(p *int, v int) {
		if *p <= 0 {
			*p = v
		}
	}

	setStr(&c.Telegram.PollTimeout, "10s")
	setStr(&c.Logging.Level, "info")

	setStr(&c.Storage.Driver, "sqlite")
	setStr(&c.Storage.Path, "./data/bilisub.db")
	setStr(&c.Storage.BusyTimeout, "5s")

	if c.Notifier == nil {
		c.Notifier = &NotifierConfig{Enabled: true}
	}
	n := c.Notifier
	setInt(&n.Workers, 2)
	setInt(&n.QueueSize, 512)
	setInt(&n.RatePerSec, 3)
	setInt(&n.RetryMax, 3)
	setStr(&n.RetryBase, "500ms")
	setStr(&n.RetryMaxDelay, "10s")
	setStr(&n.DedupWindow, "1m")
	setInt(&n.DedupMaxEntries, 2000)
	setStr(&n.SendTimeout, "30s")

	b := &c.Bilibili
	setStr(&b.Timeout, "10s")
	if b.RatePerSec <= 0 {
		b.RatePerSec = 2
	}
	setInt(&b.Burst, 2)
	setInt(&b.Concurrency, 1)

	p := &c.Poller
	setStr(&p.Schedule, DefaultSchedule)
	setInt(&p.BatchSize, 1)
	setStr(&p.CheckTimeout, "1m")
	setStr(&p.FreshnessWindow, DefaultFreshnessWindow)
	setInt(&p.CoverRetry.Attempts, 3)
	setStr(&p.CoverRetry.Delay, "2s")

	setStr(&c.Status.Addr, DefaultStatusAddr)
	setInt(&c.Status.EventBuffer, 200)
}
