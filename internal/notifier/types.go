package notifier

import "time"

// Config controls the async notification pipeline.
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
	// SendTimeout bounds a single adapter call.
	SendTimeout time.Duration
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	ChatID int64     `json:"chat_id"`
	Text   string    `json:"text"`
	Error  string    `json:"error,omitempty"`
}

// Stats is the notifier view in the ops snapshot.
type Stats struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Channel  string        `json:"channel"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	Sent     uint64        `json:"sent"`
	Failed   uint64        `json:"failed"`
	Deduped  uint64        `json:"deduped"`
	Dropped  uint64        `json:"dropped"`
	History  []HistoryItem `json:"history"`
}

// NotificationEvent is the Data of notifier.* bus events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Bus event types.
const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
)
