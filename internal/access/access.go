// Package access answers whether a user may view or edit a job.
package access

import (
	"context"
	"sync"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// Checker is consulted at the start of every lifecycle operation.
type Checker interface {
	CanView(ctx context.Context, u jobs.User, d *jobs.Definition) bool
	CanEdit(ctx context.Context, u jobs.User, d *jobs.Definition) bool
}

// GrantSource lists explicit grants for a job.
type GrantSource interface {
	ListGrants(ctx context.Context, jobID string) ([]jobs.Grant, error)
}

// Policy grants:
//   - owners: view and edit
//   - admins: view and edit every job
//   - grantees: view, plus edit when the grant says so
//
// A grant lookup failure denies access.
type Policy struct {
	grants GrantSource
	log    logx.Logger

	mu     sync.RWMutex
	admins map[string]struct{}
}

func NewPolicy(grants GrantSource, admins []string, log logx.Logger) *Policy {
	p := &Policy{grants: grants, log: log}
	p.SetAdmins(admins)
	return p
}

// SetAdmins replaces the admin set (config reload).
func (p *Policy) SetAdmins(ids []string) {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			m[id] = struct{}{}
		}
	}
	p.mu.Lock()
	p.admins = m
	p.mu.Unlock()
}

func (p *Policy) IsAdmin(u jobs.User) bool {
	p.mu.RLock()
	_, ok := p.admins[u.ID]
	p.mu.RUnlock()
	return ok
}

func (p *Policy) CanView(ctx context.Context, u jobs.User, d *jobs.Definition) bool {
	if p.privileged(u, d) {
		return true
	}
	_, ok := p.grant(ctx, u, d)
	return ok
}

func (p *Policy) CanEdit(ctx context.Context, u jobs.User, d *jobs.Definition) bool {
	if p.privileged(u, d) {
		return true
	}
	g, ok := p.grant(ctx, u, d)
	return ok && g.CanEdit
}

func (p *Policy) privileged(u jobs.User, d *jobs.Definition) bool {
	if u.ID == "" || d == nil {
		return false
	}
	return d.OwnerID == u.ID || p.IsAdmin(u)
}

func (p *Policy) grant(ctx context.Context, u jobs.User, d *jobs.Definition) (jobs.Grant, bool) {
	if u.ID == "" || d == nil || p.grants == nil {
		return jobs.Grant{}, false
	}
	gs, err := p.grants.ListGrants(ctx, d.ID)
	if err != nil {
		p.log.Warn("grant lookup failed", logx.String("job", d.ID), logx.Err(err))
		return jobs.Grant{}, false
	}
	for _, g := range gs {
		if g.UserID == u.ID {
			return g, true
		}
	}
	return jobs.Grant{}, false
}
