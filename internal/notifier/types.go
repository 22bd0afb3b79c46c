package notifier

import "time"

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration

	// AdminTargets receive alerts, as owner ids ("chat" or "chat:thread").
	AdminTargets []string
}

// Priorities used by Send and Alert.
const (
	PriorityAnnouncement = 5
	PriorityAlert        = 9
)

type HistoryItem struct {
	At     time.Time `json:"at"`
	Target string    `json:"target"`
	Text   string    `json:"text"`
	Images int       `json:"images,omitempty"`
}

// NotificationEvent is published on the event bus for delivery lifecycle
// events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
