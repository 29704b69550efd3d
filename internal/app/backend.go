package app

import (
	"context"
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/notifier"
	"github.com/g-k/telemetry-analysis-service/internal/observability/ops"
	"github.com/g-k/telemetry-analysis-service/internal/runtime/supervisor"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
	"github.com/g-k/telemetry-analysis-service/internal/task/engine"
	"github.com/g-k/telemetry-analysis-service/internal/task/scheduler"
)

// Snapshot is the body of /v1/snapshot.
type Snapshot struct {
	At          time.Time                      `json:"at"`
	Uptime      string                         `json:"uptime"`
	Engine      engine.Snapshot                `json:"engine"`
	Scheduler   scheduler.Snapshot             `json:"scheduler"`
	Notifier    notifier.Stats                 `json:"notifier"`
	Supervisors map[string]supervisor.Snapshot `json:"supervisors"`
	BusDropped  uint64                         `json:"bus_dropped"`
}

type opsBackend struct {
	a *App
}

var _ ops.Backend = opsBackend{}

func (b opsBackend) Ping(ctx context.Context) error { return b.a.store.Ping(ctx) }

func (b opsBackend) Snapshot(context.Context) any { return b.a.Snapshot() }

func (b opsBackend) Job(ctx context.Context, id string) (*jobs.Definition, error) {
	return b.a.store.GetJob(ctx, id)
}

func (b opsBackend) JobRuns(ctx context.Context, jobID string, limit int) ([]*jobs.Run, error) {
	if _, err := b.a.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return b.a.store.ListRuns(ctx, storage.RunQuery{JobID: jobID, Limit: limit})
}

// Snapshot collects the runtime state of every component.
func (a *App) Snapshot() Snapshot {
	now := time.Now()
	snap := Snapshot{
		At:          now,
		Uptime:      now.Sub(a.started).Round(time.Second).String(),
		Engine:      a.engine.Snapshot(),
		Scheduler:   a.sched.Snapshot(),
		Notifier:    a.notif.Stats(),
		Supervisors: map[string]supervisor.Snapshot{},
		BusDropped:  a.bus.Dropped(),
	}
	sups := map[string]*supervisor.Supervisor{
		"app":      a.sup,
		"engine":   a.engine.Supervisor(),
		"notifier": a.notif.Supervisor(),
		"ops":      a.ops.Supervisor(),
	}
	for name, s := range sups {
		if s != nil {
			snap.Supervisors[name] = s.Snapshot()
		}
	}
	return snap
}
