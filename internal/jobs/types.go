package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Interval is the recurrence period of a job.
type Interval string

const (
	Daily   Interval = "daily"
	Weekly  Interval = "weekly"
	Monthly Interval = "monthly"
)

func (i Interval) Valid() bool {
	switch i {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// Location addresses an object in external storage.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (l Location) IsZero() bool { return l.Bucket == "" && l.Key == "" }

func (l Location) String() string {
	if l.IsZero() {
		return ""
	}
	return "s3://" + l.Bucket + "/" + strings.TrimPrefix(l.Key, "/")
}

// Name returns the last path segment of the key.
func (l Location) Name() string {
	k := strings.TrimSuffix(l.Key, "/")
	if i := strings.LastIndexByte(k, '/'); i >= 0 {
		return k[i+1:]
	}
	return k
}

// User identifies the caller of a lifecycle operation.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Definition is a user-authored recurring analysis job.
//
// Identifier, OwnerID and the schedule fields only change through the
// lifecycle API, which enforces the active-run restrictions. LastRunAt and
// NextRunAt are derived schedule state.
type Definition struct {
	ID             string     `json:"id"`
	Identifier     string     `json:"identifier"`
	OwnerID        string     `json:"owner_id"`
	OwnerName      string     `json:"owner_name,omitempty"`
	Payload        Location   `json:"payload"`
	NotebookName   string     `json:"notebook_name,omitempty"`
	ClusterSize    int        `json:"cluster_size"`
	Interval       Interval   `json:"interval"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Notebook returns the file name used for downloads and output keys.
func (d *Definition) Notebook() string {
	if d.NotebookName != "" {
		return d.NotebookName
	}
	if n := d.Payload.Name(); n != "" {
		return n
	}
	return d.Identifier + ".ipynb"
}

// Timeout is the per-run wall-clock limit.
func (d *Definition) Timeout() time.Duration {
	return time.Duration(d.TimeoutMinutes) * time.Minute
}

func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.EndDate = cloneTime(d.EndDate)
	cp.LastRunAt = cloneTime(d.LastRunAt)
	cp.NextRunAt = cloneTime(d.NextRunAt)
	return &cp
}

// RunStatus is the state of a single run attempt.
type RunStatus string

const (
	StatusPending      RunStatus = "pending"
	StatusProvisioning RunStatus = "provisioning"
	StatusRunning      RunStatus = "running"
	StatusSucceeded    RunStatus = "succeeded"
	StatusFailed       RunStatus = "failed"
	StatusTimedOut     RunStatus = "timed_out"
	StatusCancelled    RunStatus = "cancelled"
)

// ActiveStatuses are the statuses counted by the one-active-run-per-job rule.
var ActiveStatuses = []RunStatus{StatusPending, StatusProvisioning, StatusRunning}

func (s RunStatus) Active() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusRunning:
		return true
	}
	return false
}

func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Run is one execution attempt of a job for a scheduled occurrence.
type Run struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	JobIdentifier string    `json:"job_identifier"`
	OccurrenceAt  time.Time `json:"occurrence_at"`
	Attempt       int       `json:"attempt"`
	Status        RunStatus `json:"status"`

	// Snapshots taken at dispatch; job edits apply to the next run only.
	ClusterSize    int      `json:"cluster_size"`
	TimeoutMinutes int      `json:"timeout_minutes"`
	Payload        Location `json:"payload"`
	NotebookName   string   `json:"notebook_name,omitempty"`

	ClusterRef        string   `json:"cluster_ref,omitempty"`
	ClusterTerminated bool     `json:"cluster_terminated"`
	Scratch           Location `json:"scratch"`
	Output            Location `json:"output"`
	Failure           string   `json:"failure,omitempty"`
	Warning           string   `json:"warning,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IdempotencyKey identifies the attempt across processes: a repeated launch
// with the same key never yields a second cluster.
func (r *Run) IdempotencyKey() string {
	return fmt.Sprintf("%s/%d/%d", r.JobID, r.OccurrenceAt.Unix(), r.Attempt)
}

func (r *Run) Timeout() time.Duration {
	return time.Duration(r.TimeoutMinutes) * time.Minute
}

func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.FinishedAt = cloneTime(r.FinishedAt)
	return &cp
}

// Grant gives a user explicit access to a job they do not own.
type Grant struct {
	JobID   string    `json:"job_id"`
	UserID  string    `json:"user_id"`
	CanEdit bool      `json:"can_edit"`
	Created time.Time `json:"created"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
