package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "2m").
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Bilibili BilibiliConfig  `json:"bilibili"`
	Poller   PollerConfig    `json:"poller"`
	Status   StatusConfig    `json:"status"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserIDs may run admin commands (/poll_status, /poll_now).
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// AlertTargets receive upstream failure alerts. Each entry is
	// "<chat_id>" or "<chat_id>:<thread_id>".
	AlertTargets []string `json:"alert_targets"`
	// LogTarget receives the Telegram log sink, same format as AlertTargets.
	LogTarget   string `json:"log_target,omitempty"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the subscription store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/bilisub.db }
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) | "file"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls the async delivery pipeline. If the section is
// omitted the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	SendTimeout     string `json:"send_timeout,omitempty"`
}

// BilibiliConfig configures the upstream API client.
type BilibiliConfig struct {
	// Cookie is sent on every request. Refresh it when risk control (-352)
	// alerts start firing.
	Cookie      string  `json:"cookie"`
	UserAgent   string  `json:"user_agent,omitempty"`
	Timeout     string  `json:"timeout"`
	RatePerSec  float64 `json:"rate_per_sec"`
	Burst       int     `json:"burst,omitempty"`
	Concurrency int     `json:"concurrency"`

	// Base URL overrides, for tests and mirrors.
	APIBase     string `json:"api_base,omitempty"`
	LiveBase    string `json:"live_base,omitempty"`
	DynamicBase string `json:"dynamic_base,omitempty"`
}

type PollerConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression or an interval ("2m", "00:05").
	Schedule        string              `json:"schedule"`
	Timezone        string              `json:"timezone,omitempty"`
	BatchSize       int                 `json:"batch_size"`
	CheckTimeout    string              `json:"check_timeout"`
	FreshnessWindow string              `json:"freshness_window"`
	ContentFilter   ContentFilterConfig `json:"content_filter"`
	CoverRetry      CoverRetryConfig    `json:"cover_retry"`
}

type ContentFilterConfig struct {
	Enabled  bool     `json:"enabled"`
	Keywords []string `json:"keywords"`
}

type CoverRetryConfig struct {
	Attempts int    `json:"attempts"`
	Delay    string `json:"delay"`
}

// StatusConfig controls the read-only HTTP status server.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8089"
	Token   string `json:"token,omitempty"`
	// EventBuffer is how many recent events /api/v1/events keeps.
	EventBuffer int `json:"event_buffer,omitempty"`
}
