package storage

import (
	"context"
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

// Config configures storage.
//
// Driver values:
//   - "file": snapshot + journal files next to Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// JobQuery filters ListJobs. The zero value lists every job.
type JobQuery struct {
	// OwnerID restricts results to jobs owned by this user.
	OwnerID string
	// IncludeGranted also returns jobs shared with OwnerID through a grant.
	IncludeGranted bool
}

// RunQuery filters ListRuns. Results are newest first.
type RunQuery struct {
	JobID    string
	Statuses []jobs.RunStatus
	// Unterminated selects terminal runs whose cluster still has to be torn down.
	Unterminated bool
	Limit        int
}

// ScheduleState is the derived schedule data written by the lifecycle after
// each settled occurrence.
type ScheduleState struct {
	LastRunAt *time.Time
	NextRunAt *time.Time
	Enabled   bool
}

// Store is the persistence API used by the lifecycle core.
//
// Errors:
//   - jobs.ErrNotFound for missing records
//   - *jobs.ConflictError for identifier, active-run, occurrence and stale
//     compare-and-set races
type Store interface {
	CreateJob(ctx context.Context, d *jobs.Definition) error
	// UpdateJob replaces the editable fields of d, next_run_at and enabled.
	// last_run_at is only written by SetSchedule.
	UpdateJob(ctx context.Context, d *jobs.Definition) error
	SetSchedule(ctx context.Context, jobID string, st ScheduleState) error
	// DeleteJob removes the job and its grants. It returns
	// jobs.ErrActiveRunConflict while the job has an active run. Runs are kept.
	DeleteJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*jobs.Definition, error)
	ListJobs(ctx context.Context, q JobQuery) ([]*jobs.Definition, error)
	// ListDueJobs returns enabled jobs with next_run_at <= now, oldest first.
	ListDueJobs(ctx context.Context, now time.Time) ([]*jobs.Definition, error)
	Identifiers(ctx context.Context, prefix, excludeID string) ([]string, error)

	// CreateRun inserts r after checking, in the same atomic unit, that the job
	// exists and has no active run.
	CreateRun(ctx context.Context, r *jobs.Run) error
	// UpdateRun writes r only if the stored status still equals from.
	UpdateRun(ctx context.Context, r *jobs.Run, from jobs.RunStatus) error
	GetRun(ctx context.Context, id string) (*jobs.Run, error)
	ActiveRun(ctx context.Context, jobID string) (*jobs.Run, error)
	ListRuns(ctx context.Context, q RunQuery) ([]*jobs.Run, error)

	PutGrant(ctx context.Context, g jobs.Grant) error
	ListGrants(ctx context.Context, jobID string) ([]jobs.Grant, error)

	Ping(ctx context.Context) error
	Close() error
}

// LatestRun returns the newest run of jobID in status, or jobs.ErrNotFound.
func LatestRun(ctx context.Context, s Store, jobID string, status jobs.RunStatus) (*jobs.Run, error) {
	runs, err := s.ListRuns(ctx, RunQuery{JobID: jobID, Statuses: []jobs.RunStatus{status}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, jobs.ErrNotFound
	}
	return runs[0], nil
}
