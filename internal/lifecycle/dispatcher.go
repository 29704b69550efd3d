package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/g-k/telemetry-analysis-service/internal/compute"
	"github.com/g-k/telemetry-analysis-service/internal/eventbus"
	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/objectstore"
	"github.com/g-k/telemetry-analysis-service/internal/schedule"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
	"github.com/g-k/telemetry-analysis-service/internal/task/engine"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// Scan hands one task per job to the executor, keyed per job: due jobs
// without an active run are dispatched and active runs still waiting for a
// cluster are resumed. Jobs whose run already has a cluster belong to the
// poll cycle and are left alone.
func (s *Service) Scan(ctx context.Context) error {
	now := s.now()

	active, err := s.store.ListRuns(ctx, storage.RunQuery{Statuses: activeStatuses})
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	due, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}

	launched := make(map[string]bool, len(active))
	var work []string
	seen := make(map[string]bool)
	add := func(jobID string) {
		if !seen[jobID] {
			seen[jobID] = true
			work = append(work, jobID)
		}
	}
	stalled := 0
	for _, r := range active {
		if r.ClusterRef != "" {
			launched[r.JobID] = true
			continue
		}
		stalled++
		add(r.JobID)
	}
	for _, d := range due {
		if !launched[d.ID] {
			add(d.ID)
		}
	}

	var merr *multierror.Error
	for _, jobID := range work {
		id := jobID
		if err := s.submit(ctx, JobKey(id), func(ctx context.Context) error {
			return s.scanJob(ctx, id)
		}); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("scan job %s: %w", id, err))
		}
	}

	if len(work) > 0 {
		s.log.Debug("scan finished", logx.Int("due", len(due)), logx.Int("stalled", stalled), logx.Int("submitted", len(work)))
	}
	return merr.ErrorOrNil()
}

var activeStatuses = []jobs.RunStatus{jobs.StatusPending, jobs.StatusProvisioning, jobs.StatusRunning}

// scanJob advances one job: it resumes the active run when that run has no
// cluster yet, and dispatches the due occurrence when there is no active run.
func (s *Service) scanJob(ctx context.Context, jobID string) error {
	r, err := s.store.ActiveRun(ctx, jobID)
	switch {
	case err == nil:
		if r.ClusterRef != "" {
			return nil
		}
		return s.Resume(ctx, r.ID)
	case !errors.Is(err, jobs.ErrNotFound):
		return err
	}
	_, err = s.Dispatch(ctx, jobID)
	return err
}

// submit runs fn through the executor with its error classified for the
// executor's retry policy.
func (s *Service) submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return s.exec.Submit(ctx, key, func(ctx context.Context) error {
		return s.taskErr(fn(ctx))
	})
}

// taskErr drops outcomes that are normal when cycles overlap, attaches a
// retry hint to throttling and marks caller errors as permanent. Anything
// else, such as an unavailable collaborator, is retried with backoff.
func (s *Service) taskErr(err error) error {
	var ve *jobs.ValidationError
	switch {
	case err == nil, errors.Is(err, ErrNotDue), errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrConflict):
		return nil
	case errors.Is(err, compute.ErrThrottled), errors.Is(err, objectstore.ErrThrottled):
		return engine.RetryAfter(err, s.config().ProvisionBackoff)
	case errors.As(err, &ve), errors.Is(err, jobs.ErrPermissionDenied), errors.Is(err, jobs.ErrExpired):
		return engine.NoRetry(err)
	}
	return err
}

// Dispatch creates a run for the job's due occurrence and provisions its
// cluster. It returns ErrNotDue when the job is not due and an active-run
// conflict when a run is already in flight.
func (s *Service) Dispatch(ctx context.Context, jobID string) (*jobs.Run, error) {
	d, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	d = s.zoned(d)
	now := s.now()

	if d.Enabled && schedule.Expired(d, now) {
		if err := s.disable(ctx, d, nil, "end date reached"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNotDue, jobs.ErrExpired)
	}
	if !schedule.IsDue(d, now) {
		return nil, ErrNotDue
	}

	occurrence := *d.NextRunAt
	run := s.newRun(d, occurrence, 1)
	if err := s.store.CreateRun(ctx, run); err != nil {
		if jobs.IsConflictKind(err, jobs.ConflictOccurrence) {
			// The occurrence ran before but the schedule never advanced,
			// typically a crash between finishing and settling.
			if rerr := s.recoverOccurrence(ctx, d, occurrence); rerr != nil {
				return nil, rerr
			}
		}
		return nil, err
	}
	s.log.Info("run created",
		logx.String("run_id", run.ID),
		logx.String("job_id", d.ID),
		logx.String("identifier", d.Identifier),
		logx.Time("occurrence", occurrence),
	)
	s.publishRun(eventbus.RunCreated, run)
	return s.provision(ctx, run)
}

// Resume continues a pending or provisioning run that has no cluster yet.
func (s *Service) Resume(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.ClusterRef != "" || (r.Status != jobs.StatusPending && r.Status != jobs.StatusProvisioning) {
		return nil
	}
	if _, err := s.store.GetJob(ctx, r.JobID); errors.Is(err, jobs.ErrNotFound) {
		return s.cancelRun(ctx, r, "job no longer exists")
	} else if err != nil {
		return err
	}

	now := s.now()
	if elapsed := now.Sub(r.CreatedAt); elapsed > r.Timeout() {
		te := &jobs.TimeoutError{RunID: r.ID, Limit: r.Timeout(), Elapsed: elapsed}
		return s.finish(ctx, r, jobs.StatusTimedOut, "provisioning: "+te.Error())
	}
	_, err = s.provision(ctx, r)
	return err
}

func (s *Service) newRun(d *jobs.Definition, occurrence time.Time, attempt int) *jobs.Run {
	cfg := s.config()
	now := s.now()
	id := s.newID()
	notebook := d.Notebook()
	return &jobs.Run{
		ID:             id,
		JobID:          d.ID,
		JobIdentifier:  d.Identifier,
		OccurrenceAt:   occurrence,
		Attempt:        attempt,
		Status:         jobs.StatusPending,
		ClusterSize:    d.ClusterSize,
		TimeoutMinutes: d.TimeoutMinutes,
		Payload:        d.Payload,
		NotebookName:   notebook,
		Scratch:        jobs.Location{Bucket: cfg.ScratchBucket, Key: path.Join("runs", id, notebook)},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// provision moves the run to provisioning and launches its cluster.
//
// Retryable launch errors that outlast the backoff budget leave the run in
// provisioning without a cluster; the next scan resumes it. Permanent errors
// fail the run and go through the policy.
func (s *Service) provision(ctx context.Context, r *jobs.Run) (*jobs.Run, error) {
	if r.Status == jobs.StatusPending {
		next := r.Clone()
		next.Status = jobs.StatusProvisioning
		next.UpdatedAt = s.now()
		if err := s.store.UpdateRun(ctx, next, jobs.StatusPending); err != nil {
			return nil, err
		}
		r = next
	}

	ref, err := s.launch(ctx, r)
	if err != nil {
		pe := &jobs.ProvisioningError{Op: "launch", Retryable: compute.Retryable(err), Err: err}
		if pe.Retryable && ctx.Err() == nil {
			s.log.Warn("launch deferred",
				logx.String("run_id", r.ID),
				logx.String("job_id", r.JobID),
				logx.Bool("capacity", errors.Is(err, compute.ErrCapacityExhausted)),
				logx.Err(pe),
			)
			s.publishRun(eventbus.RunDeferred, r)
			return r, nil
		}
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		s.log.Error("launch failed", logx.String("run_id", r.ID), logx.String("job_id", r.JobID), logx.Err(err))
		return r, s.finish(ctx, r, jobs.StatusFailed, pe.Error())
	}

	now := s.now()
	next := r.Clone()
	next.ClusterRef = ref
	next.Status = jobs.StatusRunning
	next.StartedAt = &now
	next.UpdatedAt = now
	if err := s.store.UpdateRun(ctx, next, jobs.StatusProvisioning); err != nil {
		if jobs.IsConflictKind(err, jobs.ConflictStale) {
			// A concurrent launch of the same attempt got the same cluster
			// back and recorded it first.
			if cur, gerr := s.store.GetRun(ctx, r.ID); gerr == nil && cur.ClusterRef == ref && cur.Status.Active() {
				return nil, err
			}
			// Cancelled while the launch was in flight.
			s.log.Warn("run changed during launch; terminating cluster", logx.String("run_id", r.ID), logx.String("cluster", ref))
			if terr := s.terminate(ctx, next); terr == nil {
				s.markTerminated(ctx, r.ID, ref)
			}
		}
		return nil, err
	}
	s.log.Info("run started",
		logx.String("run_id", next.ID),
		logx.String("job_id", next.JobID),
		logx.String("cluster", ref),
		logx.Int("size", next.ClusterSize),
	)
	s.publishRun(eventbus.RunStarted, next)
	return next, nil
}

// launch calls the provisioner behind the shared rate limit, retrying
// retryable errors with exponential backoff.
func (s *Service) launch(ctx context.Context, r *jobs.Run) (string, error) {
	cfg := s.config()
	spec := compute.LaunchSpec{
		Name:            r.JobIdentifier,
		Size:            r.ClusterSize,
		InstanceProfile: cfg.InstanceProfile,
		IdempotencyKey:  r.IdempotencyKey(),
		Payload:         r.Payload,
		NotebookName:    r.NotebookName,
		Output:          r.Scratch,
		Tags: map[string]string{
			"atmo:job":     r.JobIdentifier,
			"atmo:run":     r.ID,
			"atmo:attempt": fmt.Sprint(r.Attempt),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ProvisionBackoff
	bo.MaxInterval = cfg.ProvisionBackoffMax
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.ProvisionRetries)), ctx)

	op := func() (string, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(fmt.Errorf("%w: launch quota: %v", compute.ErrCapacityExhausted, err))
		}
		cctx, cancel := s.call(ctx)
		defer cancel()
		ref, err := s.compute.Launch(cctx, spec)
		if err != nil && !compute.Retryable(err) {
			return "", backoff.Permanent(err)
		}
		return ref, err
	}
	notify := func(err error, wait time.Duration) {
		s.log.Debug("launch retry", logx.String("run_id", r.ID), logx.Duration("wait", wait), logx.Err(err))
	}
	return backoff.RetryNotifyWithData(op, policy, notify)
}

func (s *Service) terminate(ctx context.Context, r *jobs.Run) error {
	cctx, cancel := s.call(ctx)
	defer cancel()
	if err := s.compute.Terminate(cctx, r.ClusterRef); err != nil {
		s.log.Warn("terminate failed", logx.String("run_id", r.ID), logx.String("cluster", r.ClusterRef), logx.Err(err))
		return err
	}
	return nil
}

// markTerminated records a late termination without touching the status.
func (s *Service) markTerminated(ctx context.Context, runID, ref string) {
	cur, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return
	}
	if cur.ClusterRef == "" {
		cur.ClusterRef = ref
	}
	cur.ClusterTerminated = true
	cur.UpdatedAt = s.now()
	if err := s.store.UpdateRun(ctx, cur, cur.Status); err != nil {
		s.log.Debug("mark terminated skipped", logx.String("run_id", runID), logx.Err(err))
	}
}

// recoverOccurrence settles the last attempt of an occurrence that already
// has runs.
func (s *Service) recoverOccurrence(ctx context.Context, d *jobs.Definition, occurrence time.Time) error {
	runs, err := s.store.ListRuns(ctx, storage.RunQuery{JobID: d.ID})
	if err != nil {
		return err
	}
	var last *jobs.Run
	for _, r := range runs {
		if r.OccurrenceAt.Equal(occurrence) && (last == nil || r.Attempt > last.Attempt) {
			last = r
		}
	}
	if last == nil || !last.Status.Terminal() {
		return nil
	}
	s.log.Warn("settling unsettled occurrence", logx.String("job_id", d.ID), logx.String("run_id", last.ID), logx.Time("occurrence", occurrence))
	return s.settle(ctx, last)
}
