package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/eventbus"
	"github.com/g-k/telemetry-analysis-service/internal/identifier"
	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/objectstore"
	"github.com/g-k/telemetry-analysis-service/internal/schedule"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// NotebookContentType is served for payload and output downloads.
const NotebookContentType = "application/x-ipynb+json"

// JobSpec is the input of CreateJob.
//
// Either Payload references an existing notebook, or Notebook carries its
// bytes, which are uploaded to the payload bucket under the identifier.
type JobSpec struct {
	Identifier     string
	Payload        jobs.Location
	Notebook       []byte
	NotebookName   string
	ClusterSize    int
	Interval       jobs.Interval
	StartDate      time.Time
	EndDate        *time.Time
	TimeoutMinutes int
	// Enabled defaults to true.
	Enabled *bool
}

// JobUpdate carries the fields to change; nil means unchanged.
type JobUpdate struct {
	Identifier     *string
	Payload        *jobs.Location
	Notebook       []byte
	NotebookName   *string
	ClusterSize    *int
	Interval       *jobs.Interval
	StartDate      *time.Time
	EndDate        *time.Time
	ClearEndDate   bool
	TimeoutMinutes *int
	Enabled        *bool
}

// DeleteOptions controls DeleteJob.
type DeleteOptions struct {
	// CancelActive cancels an active run instead of refusing the delete.
	CancelActive bool
}

// IdentifierCheck is the answer of CheckIdentifier.
type IdentifierCheck struct {
	Identifier  string
	Available   bool
	Alternative string
}

// Download is a fetched notebook.
type Download struct {
	Name        string
	ContentType string
	Size        int64
	Body        []byte
}

func requireUser(u jobs.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: no user", jobs.ErrPermissionDenied)
	}
	return nil
}

// CreateJob validates spec, allocates next_run_at and commits a new job
// owned by u.
func (s *Service) CreateJob(ctx context.Context, u jobs.User, spec JobSpec) (*jobs.Definition, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	cfg := s.config()
	now := s.now()

	d := &jobs.Definition{
		ID:             s.newID(),
		Identifier:     strings.TrimSpace(spec.Identifier),
		OwnerID:        u.ID,
		OwnerName:      u.Name,
		Payload:        spec.Payload,
		NotebookName:   strings.TrimSpace(spec.NotebookName),
		ClusterSize:    spec.ClusterSize,
		Interval:       spec.Interval,
		StartDate:      spec.StartDate.In(cfg.Location),
		TimeoutMinutes: spec.TimeoutMinutes,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if spec.EndDate != nil {
		d.EndDate = jobs.TimePtr(spec.EndDate.In(cfg.Location))
	}
	if spec.Enabled != nil {
		d.Enabled = *spec.Enabled
	}
	if len(spec.Notebook) > 0 {
		d.Payload = s.payloadLocation(d.Identifier, d.NotebookName)
	}
	if err := jobs.Validate(d, cfg.Limits); err != nil {
		return nil, err
	}
	next, err := schedule.Initial(d, now)
	if err != nil {
		return nil, jobs.Invalid("end_date", "schedule has no occurrence before the end date")
	}
	d.NextRunAt = &next

	if err := s.checkIdentifier(ctx, d.Identifier, ""); err != nil {
		return nil, err
	}
	if len(spec.Notebook) > 0 {
		if err := s.uploadPayload(ctx, d.Payload, spec.Notebook); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateJob(ctx, d); err != nil {
		return nil, s.identifierConflict(ctx, err, d.Identifier, "")
	}

	s.log.Info("job created",
		logx.String("job_id", d.ID),
		logx.String("identifier", d.Identifier),
		logx.String("owner", d.OwnerID),
		logx.Time("next_run_at", next),
	)
	s.publish(eventbus.JobCreated, JobEvent{JobID: d.ID, Identifier: d.Identifier})
	return d, nil
}

// UpdateJob applies upd to the job. Identifier and schedule changes are
// refused while the job has an active run.
func (s *Service) UpdateJob(ctx context.Context, u jobs.User, id string, upd JobUpdate) (*jobs.Definition, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	cur, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.access.CanEdit(ctx, u, cur) {
		return nil, jobs.ErrPermissionDenied
	}
	cfg := s.config()
	now := s.now()
	cur = s.zoned(cur)
	d := cur.Clone()

	if upd.Identifier != nil {
		d.Identifier = strings.TrimSpace(*upd.Identifier)
	}
	if upd.Payload != nil {
		d.Payload = *upd.Payload
	}
	if upd.NotebookName != nil {
		d.NotebookName = strings.TrimSpace(*upd.NotebookName)
	}
	if upd.ClusterSize != nil {
		d.ClusterSize = *upd.ClusterSize
	}
	if upd.Interval != nil {
		d.Interval = *upd.Interval
	}
	if upd.StartDate != nil {
		d.StartDate = upd.StartDate.In(cfg.Location)
	}
	if upd.ClearEndDate {
		d.EndDate = nil
	} else if upd.EndDate != nil {
		d.EndDate = jobs.TimePtr(upd.EndDate.In(cfg.Location))
	}
	if upd.TimeoutMinutes != nil {
		d.TimeoutMinutes = *upd.TimeoutMinutes
	}
	if upd.Enabled != nil {
		d.Enabled = *upd.Enabled
	}
	if len(upd.Notebook) > 0 {
		d.Payload = s.payloadLocation(d.Identifier, d.NotebookName)
	}

	identChanged := d.Identifier != cur.Identifier
	schedChanged := d.Interval != cur.Interval || !d.StartDate.Equal(cur.StartDate) || !sameTime(d.EndDate, cur.EndDate)
	if identChanged || schedChanged {
		if _, err := s.store.ActiveRun(ctx, id); err == nil {
			return nil, &jobs.ConflictError{Kind: jobs.ConflictActiveRun, JobID: id}
		} else if !errors.Is(err, jobs.ErrNotFound) {
			return nil, err
		}
	}

	if err := jobs.Validate(d, cfg.Limits); err != nil {
		return nil, err
	}
	if schedChanged || (d.Enabled && !cur.Enabled) || d.NextRunAt == nil {
		next, err := schedule.Initial(d, now)
		switch {
		case err == nil:
			d.NextRunAt = &next
		case d.Enabled:
			return nil, jobs.Invalid("end_date", "schedule has no occurrence before the end date")
		default:
			d.NextRunAt = nil
		}
	}
	if identChanged {
		if err := s.checkIdentifier(ctx, d.Identifier, id); err != nil {
			return nil, err
		}
	}
	if len(upd.Notebook) > 0 {
		if err := s.uploadPayload(ctx, d.Payload, upd.Notebook); err != nil {
			return nil, err
		}
	}

	d.UpdatedAt = now
	if err := s.store.UpdateJob(ctx, d); err != nil {
		return nil, s.identifierConflict(ctx, err, d.Identifier, id)
	}
	s.log.Info("job updated",
		logx.String("job_id", d.ID),
		logx.String("identifier", d.Identifier),
		logx.Bool("schedule_changed", schedChanged),
		logx.Bool("enabled", d.Enabled),
	)
	s.publish(eventbus.JobUpdated, JobEvent{JobID: d.ID, Identifier: d.Identifier})
	return d, nil
}

// DeleteJob removes the job and its grants. Runs stay as history.
func (s *Service) DeleteJob(ctx context.Context, u jobs.User, id string, opt DeleteOptions) error {
	if err := requireUser(u); err != nil {
		return err
	}
	d, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !s.access.CanEdit(ctx, u, d) {
		return jobs.ErrPermissionDenied
	}

	// A dispatch racing the delete can create a run after the check; the
	// store refuses the delete then and the loop cancels the newcomer.
	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		run, err := s.store.ActiveRun(ctx, id)
		switch {
		case err == nil:
			if !opt.CancelActive {
				return &jobs.ConflictError{Kind: jobs.ConflictActiveRun, JobID: id}
			}
			if err := s.cancelRun(ctx, run, "job deleted"); err != nil && !jobs.IsConflictKind(err, jobs.ConflictStale) {
				return err
			}
		case !errors.Is(err, jobs.ErrNotFound):
			return err
		}

		err = s.store.DeleteJob(ctx, id)
		if err == nil {
			break
		}
		if !errors.Is(err, jobs.ErrActiveRunConflict) || attempt >= maxAttempts {
			return err
		}
	}

	s.log.Info("job deleted", logx.String("job_id", id), logx.String("identifier", d.Identifier), logx.String("by", u.ID))
	s.publish(eventbus.JobDeleted, JobEvent{JobID: id, Identifier: d.Identifier})
	return nil
}

// cancelRun requests termination of the run's cluster and marks it
// cancelled. Cancellation never goes through the retry policy.
func (s *Service) cancelRun(ctx context.Context, r *jobs.Run, reason string) error {
	from := r.Status
	r = r.Clone()
	if r.ClusterRef != "" {
		r.ClusterTerminated = s.terminate(ctx, r) == nil
	}
	now := s.now()
	r.Status = jobs.StatusCancelled
	r.Failure = "cancelled: " + reason
	r.UpdatedAt = now
	r.FinishedAt = &now
	if err := s.store.UpdateRun(ctx, r, from); err != nil {
		return err
	}
	s.log.Info("run cancelled", logx.String("run_id", r.ID), logx.String("job_id", r.JobID), logx.String("reason", reason))
	s.publishRun(eventbus.RunCancelled, r)
	return nil
}

func (s *Service) GetJob(ctx context.Context, u jobs.User, id string) (*jobs.Definition, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	d, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.access.CanView(ctx, u, d) {
		return nil, jobs.ErrPermissionDenied
	}
	return s.zoned(d), nil
}

// ListJobsFor returns the jobs u owns or was granted, newest first.
func (s *Service) ListJobsFor(ctx context.Context, u jobs.User) ([]*jobs.Definition, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	all, err := s.store.ListJobs(ctx, storage.JobQuery{OwnerID: u.ID, IncludeGranted: true})
	if err != nil {
		return nil, err
	}
	out := make([]*jobs.Definition, 0, len(all))
	for _, d := range all {
		if s.access.CanView(ctx, u, d) {
			out = append(out, s.zoned(d))
		}
	}
	return out, nil
}

// ListRuns returns the job's runs, newest first. limit <= 0 returns all.
func (s *Service) ListRuns(ctx context.Context, u jobs.User, id string, limit int) ([]*jobs.Run, error) {
	if _, err := s.GetJob(ctx, u, id); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, storage.RunQuery{JobID: id, Limit: limit})
}

// ShareJob grants grantee view access, and edit access when canEdit.
func (s *Service) ShareJob(ctx context.Context, u jobs.User, id, grantee string, canEdit bool) error {
	if err := requireUser(u); err != nil {
		return err
	}
	grantee = strings.TrimSpace(grantee)
	if grantee == "" {
		return jobs.Invalid("grantee", "must not be empty")
	}
	d, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !s.access.CanEdit(ctx, u, d) {
		return jobs.ErrPermissionDenied
	}
	if grantee == d.OwnerID {
		return nil
	}
	return s.store.PutGrant(ctx, jobs.Grant{JobID: id, UserID: grantee, CanEdit: canEdit, Created: s.now()})
}

// CheckIdentifier reports whether candidate is free, excluding the job
// excludeID, and suggests an alternative when it is not.
func (s *Service) CheckIdentifier(ctx context.Context, u jobs.User, candidate, excludeID string) (IdentifierCheck, error) {
	if err := requireUser(u); err != nil {
		return IdentifierCheck{}, err
	}
	candidate = strings.TrimSpace(candidate)
	if err := jobs.ValidateIdentifier(candidate); err != nil {
		return IdentifierCheck{}, err
	}
	alt, err := identifier.Allocate(ctx, s.store, candidate, excludeID)
	if err != nil {
		return IdentifierCheck{}, err
	}
	res := IdentifierCheck{Identifier: candidate, Available: alt == candidate}
	if !res.Available {
		res.Alternative = alt
	}
	return res, nil
}

// NewJobDefaults pre-fills a creation form for u.
func (s *Service) NewJobDefaults(ctx context.Context, u jobs.User) (JobSpec, error) {
	if err := requireUser(u); err != nil {
		return JobSpec{}, err
	}
	name := u.Name
	if name == "" {
		name = u.ID
	}
	cfg := s.config()
	ident, err := identifier.Allocate(ctx, s.store, identifier.Default(name), "")
	if err != nil {
		return JobSpec{}, err
	}
	return JobSpec{
		Identifier:     ident,
		ClusterSize:    cfg.DefaultClusterSize,
		Interval:       cfg.DefaultInterval,
		StartDate:      s.now().Truncate(time.Minute),
		TimeoutMinutes: cfg.DefaultTimeoutMinutes,
	}, nil
}

// DownloadOutput fetches the captured output of the latest succeeded run.
func (s *Service) DownloadOutput(ctx context.Context, u jobs.User, id string) (*Download, error) {
	d, err := s.GetJob(ctx, u, id)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, storage.RunQuery{JobID: id, Statuses: []jobs.RunStatus{jobs.StatusSucceeded}})
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.Output.IsZero() {
			continue
		}
		name := r.NotebookName
		if name == "" {
			name = d.Notebook()
		}
		return s.download(ctx, r.Output, name)
	}
	return nil, fmt.Errorf("%w: no captured output for job %s", jobs.ErrNotFound, d.Identifier)
}

// DownloadPayload fetches the job's notebook.
func (s *Service) DownloadPayload(ctx context.Context, u jobs.User, id string) (*Download, error) {
	d, err := s.GetJob(ctx, u, id)
	if err != nil {
		return nil, err
	}
	return s.download(ctx, d.Payload, d.Notebook())
}

func (s *Service) download(ctx context.Context, loc jobs.Location, name string) (*Download, error) {
	cctx, cancel := s.call(ctx)
	defer cancel()
	body, err := s.objects.Get(cctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, objectErr("get", err)
	}
	return &Download{Name: name, ContentType: NotebookContentType, Size: int64(len(body)), Body: body}, nil
}

func (s *Service) payloadLocation(ident, notebook string) jobs.Location {
	if notebook == "" {
		notebook = ident + ".ipynb"
	}
	return jobs.Location{Bucket: s.config().PayloadBucket, Key: path.Join("jobs", ident, path.Base(notebook))}
}

func (s *Service) uploadPayload(ctx context.Context, loc jobs.Location, body []byte) error {
	if loc.Bucket == "" {
		return jobs.Invalid("notebook", "no payload bucket configured for uploads")
	}
	cctx, cancel := s.call(ctx)
	defer cancel()
	if err := s.objects.Put(cctx, loc.Bucket, loc.Key, body, NotebookContentType); err != nil {
		return objectErr("put", err)
	}
	return nil
}

// checkIdentifier returns an identifier ConflictError with an alternative
// when ident is taken by another job.
func (s *Service) checkIdentifier(ctx context.Context, ident, excludeID string) error {
	alt, err := identifier.Allocate(ctx, s.store, ident, excludeID)
	if err != nil {
		return err
	}
	if alt != ident {
		return &jobs.ConflictError{Kind: jobs.ConflictIdentifier, Identifier: ident, Alternative: alt}
	}
	return nil
}

// identifierConflict fills the alternative of a commit-time identifier race.
func (s *Service) identifierConflict(ctx context.Context, err error, ident, excludeID string) error {
	var ce *jobs.ConflictError
	if !errors.As(err, &ce) || ce.Kind != jobs.ConflictIdentifier || ce.Alternative != "" {
		return err
	}
	if alt, aerr := identifier.Allocate(ctx, s.store, ident, excludeID); aerr == nil && alt != ident {
		return &jobs.ConflictError{Kind: jobs.ConflictIdentifier, Identifier: ident, Alternative: alt}
	}
	return err
}

// objectErr maps object store failures onto the jobs taxonomy.
func objectErr(op string, err error) error {
	switch {
	case errors.Is(err, objectstore.ErrNotFound), errors.Is(err, objectstore.ErrBucketNotFound):
		return fmt.Errorf("%w: %v", jobs.ErrNotFound, err)
	case objectstore.Transient(err):
		return &jobs.ServiceError{Service: "objectstore", Op: op, Err: err}
	}
	return err
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
