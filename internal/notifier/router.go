package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/g-k/telemetry-analysis-service/internal/lifecycle"
	kit "github.com/g-k/telemetry-analysis-service/internal/transport"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// Routes maps users to chats. Notices for a user without a chat go to
// OpsChat; zero OpsChat drops them.
type Routes struct {
	OpsChat   int64
	UserChats map[string]int64
}

// Router implements lifecycle.Notifier and logx.AlertSink on top of Service.
type Router struct {
	svc *Service
	log logx.Logger

	mu     sync.RWMutex
	routes Routes
}

var (
	_ lifecycle.Notifier = (*Router)(nil)
	_ logx.AlertSink     = (*Router)(nil)
)

func NewRouter(svc *Service, routes Routes, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{svc: svc, log: log}
	r.Apply(routes)
	return r
}

func (r *Router) Apply(routes Routes) {
	cp := Routes{OpsChat: routes.OpsChat, UserChats: make(map[string]int64, len(routes.UserChats))}
	for k, v := range routes.UserChats {
		cp.UserChats[k] = v
	}
	r.mu.Lock()
	r.routes = cp
	r.mu.Unlock()
}

// Target resolves the chat for user.
func (r *Router) Target(user string) (kit.ChatTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.routes.UserChats[user]; ok && id != 0 {
		return kit.ChatTarget{ChatID: id}, true
	}
	if r.routes.OpsChat != 0 {
		return kit.ChatTarget{ChatID: r.routes.OpsChat}, true
	}
	return kit.ChatTarget{}, false
}

func (r *Router) Notify(ctx context.Context, n lifecycle.Notice) error {
	to, ok := r.Target(n.OwnerID)
	if !ok {
		r.log.Debug("notice has no chat", logx.String("kind", string(n.Kind)), logx.String("owner", n.OwnerID))
		return nil
	}
	key := ""
	if n.RunID != "" {
		key = string(n.Kind) + ":" + n.RunID
	}
	return r.svc.Send(ctx, kit.Notification{
		Priority: noticePriority(n.Kind),
		Target:   to,
		Text:     FormatNotice(n),
		Options:  &kit.SendOptions{DisablePreview: true},
		Key:      key,
	})
}

func (r *Router) Alert(ctx context.Context, text string) error {
	r.mu.RLock()
	ops := r.routes.OpsChat
	r.mu.RUnlock()
	if ops == 0 {
		return nil
	}
	return r.svc.Send(ctx, kit.Notification{
		Priority: 7,
		Target:   kit.ChatTarget{ChatID: ops},
		Text:     text,
		Options:  &kit.SendOptions{DisablePreview: true},
	})
}

// FormatNotice renders a notice as plain text.
func FormatNotice(n lifecycle.Notice) string {
	var b strings.Builder
	switch n.Kind {
	case lifecycle.NoticeGiveUp:
		b.WriteString("Job failed")
	case lifecycle.NoticeDisabled:
		b.WriteString("Job disabled")
	case lifecycle.NoticeTimedOut:
		b.WriteString("Run timed out")
	default:
		b.WriteString("Job notice")
	}
	if n.JobIdentifier != "" {
		fmt.Fprintf(&b, ": %s", n.JobIdentifier)
	}
	b.WriteString("\n")
	if strings.TrimSpace(n.Text) != "" {
		b.WriteString(strings.TrimSpace(n.Text))
		b.WriteString("\n")
	}
	if n.RunID != "" {
		fmt.Fprintf(&b, "run: %s\n", n.RunID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func noticePriority(k lifecycle.NoticeKind) int {
	switch k {
	case lifecycle.NoticeGiveUp, lifecycle.NoticeTimedOut:
		return 7
	default:
		return 5
	}
}
