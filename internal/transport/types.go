// Package transport is the outbound messaging contract used by the
// notifier. Drivers live in subpackages.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic thread id, 0 if none
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // driver name, "telegram" or "log"
	Priority int    // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
	// Key overrides the dedup key computed from the content.
	Key string
}

// Adapter delivers text to a chat. SendText splits text the driver cannot
// send in one message and returns the reference of the first part.
type Adapter interface {
	Name() string
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Stop(ctx context.Context) error
}
