// Package logsink is a transport driver that writes notifications to the
// log. It is selected when no messaging token is configured.
package logsink

import (
	"context"
	"sync"

	kit "github.com/g-k/telemetry-analysis-service/internal/transport"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

type Adapter struct {
	log logx.Logger

	mu   sync.Mutex
	seq  int
	sent []Sent
}

// Sent is a delivered message, kept for inspection.
type Sent struct {
	Target kit.ChatTarget
	Text   string
}

const keepSent = 100

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log}
}

func (a *Adapter) Name() string { return "log" }

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	a.mu.Lock()
	a.seq++
	id := a.seq
	a.sent = append(a.sent, Sent{Target: to, Text: text})
	if len(a.sent) > keepSent {
		a.sent = a.sent[len(a.sent)-keepSent:]
	}
	a.mu.Unlock()

	a.log.Info("notification", logx.Int64("chat_id", to.ChatID), logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

// Sent returns the most recent messages, oldest first.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

func (a *Adapter) Stop(context.Context) error { return nil }
