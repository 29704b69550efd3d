package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/hashicorp/go-multierror"

	"github.com/g-k/telemetry-analysis-service/internal/compute"
	"github.com/g-k/telemetry-analysis-service/internal/eventbus"
	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// PollOutstanding checks every running run and retries termination of
// finished runs whose cluster is still up.
func (s *Service) PollOutstanding(ctx context.Context) error {
	var merr *multierror.Error

	running, err := s.store.ListRuns(ctx, storage.RunQuery{
		Statuses: []jobs.RunStatus{jobs.StatusProvisioning, jobs.StatusRunning},
	})
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, r := range running {
		if r.ClusterRef == "" {
			continue
		}
		runID := r.ID
		if err := s.submit(ctx, JobKey(r.JobID), func(ctx context.Context) error {
			return s.Poll(ctx, runID)
		}); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("poll run %s: %w", runID, err))
		}
	}

	leftover, err := s.store.ListRuns(ctx, storage.RunQuery{Unterminated: true})
	if err != nil {
		return multierror.Append(merr, fmt.Errorf("list unterminated runs: %w", err)).ErrorOrNil()
	}
	for _, r := range leftover {
		runID := r.ID
		// Keyed per run so a leftover cluster of an earlier attempt is not
		// held back by polls of the job's current run.
		if err := s.submit(ctx, RunKey(runID), func(ctx context.Context) error {
			return s.Reap(ctx, runID)
		}); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("reap run %s: %w", runID, err))
		}
	}
	return merr.ErrorOrNil()
}

// Poll queries the run's cluster and finishes the run when the cluster is
// done or the run exceeded its timeout. A completed cluster wins over a
// timeout observed in the same poll.
//
// A status outage skips the run for this cycle unless the timeout already
// passed, which is enforced without the status.
func (s *Service) Poll(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if (r.Status != jobs.StatusRunning && r.Status != jobs.StatusProvisioning) || r.ClusterRef == "" {
		return nil
	}
	now := s.now()

	cctx, cancel := s.call(ctx)
	st, err := s.compute.Status(cctx, r.ClusterRef)
	cancel()
	switch {
	case errors.Is(err, compute.ErrClusterNotFound):
		return s.finish(ctx, r, jobs.StatusFailed, "cluster disappeared before reporting a result")
	case err != nil:
		s.log.Warn("cluster status unavailable", logx.String("run_id", r.ID), logx.String("cluster", r.ClusterRef), logx.Err(err))
	case st.State == compute.StateSucceeded:
		return s.finish(ctx, r, jobs.StatusSucceeded, "")
	case st.State == compute.StateFailed:
		reason := st.Detail
		if reason == "" {
			reason = "cluster reported failure"
		}
		return s.finish(ctx, r, jobs.StatusFailed, reason)
	case st.State == compute.StateRunning && r.Status == jobs.StatusProvisioning:
		next := r.Clone()
		next.Status = jobs.StatusRunning
		next.UpdatedAt = now
		if uerr := s.store.UpdateRun(ctx, next, r.Status); uerr != nil {
			return uerr
		}
		r = next
	}

	started := r.CreatedAt
	if r.StartedAt != nil {
		started = *r.StartedAt
	}
	if elapsed := now.Sub(started); elapsed > r.Timeout() {
		te := &jobs.TimeoutError{RunID: r.ID, Limit: r.Timeout(), Elapsed: elapsed}
		s.log.Warn("run timed out", logx.String("run_id", r.ID), logx.String("job_id", r.JobID), logx.Duration("elapsed", elapsed))
		return s.finish(ctx, r, jobs.StatusTimedOut, te.Error())
	}
	if err != nil {
		return &jobs.ServiceError{Service: "compute", Op: "status", Err: err}
	}
	return nil
}

// Reap retries termination for a finished run whose cluster is still up.
// A termination failure is returned; the run stays listed as unterminated.
func (s *Service) Reap(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !r.Status.Terminal() || r.ClusterRef == "" || r.ClusterTerminated {
		return nil
	}
	if err := s.terminate(ctx, r); err != nil {
		return &jobs.ServiceError{Service: "compute", Op: "terminate", Err: err}
	}
	s.markTerminated(ctx, r.ID, r.ClusterRef)
	s.log.Info("cluster reaped", logx.String("run_id", r.ID), logx.String("cluster", r.ClusterRef))
	return nil
}

// finish moves an active run to a terminal status, tears the cluster down
// and settles the occurrence. Successful runs get their output captured
// first; a capture failure is recorded as a warning.
func (s *Service) finish(ctx context.Context, r *jobs.Run, status jobs.RunStatus, reason string) error {
	from := r.Status
	next := r.Clone()
	if status == jobs.StatusSucceeded {
		s.capture(ctx, next)
	}
	if next.ClusterRef != "" {
		next.ClusterTerminated = s.terminate(ctx, next) == nil
	}
	now := s.now()
	next.Status = status
	next.Failure = reason
	next.UpdatedAt = now
	next.FinishedAt = &now
	if err := s.store.UpdateRun(ctx, next, from); err != nil {
		return err
	}

	fields := []logx.Field{
		logx.String("run_id", next.ID),
		logx.String("job_id", next.JobID),
		logx.String("status", string(status)),
		logx.Int("attempt", next.Attempt),
	}
	if reason != "" {
		fields = append(fields, logx.String("reason", reason))
	}
	s.log.Info("run finished", fields...)
	s.publishRun(eventbus.RunFinished, next)
	return s.settle(ctx, next)
}

// capture copies the executed notebook from the run's scratch location to
// the output bucket.
func (s *Service) capture(ctx context.Context, r *jobs.Run) {
	cfg := s.config()
	if r.Scratch.IsZero() {
		r.Warning = "no scratch location recorded; output not captured"
		return
	}
	err := s.copyOutput(ctx, r, cfg.OutputBucket)
	if err != nil {
		ce := &jobs.ArtifactCaptureError{Location: r.Scratch, Err: err}
		r.Warning = ce.Error()
		s.log.Warn("output capture failed", logx.String("run_id", r.ID), logx.Err(ce))
	}
}

func (s *Service) copyOutput(ctx context.Context, r *jobs.Run, bucket string) error {
	cctx, cancel := s.call(ctx)
	defer cancel()

	info, err := s.objects.Head(cctx, r.Scratch.Bucket, r.Scratch.Key)
	if err != nil {
		return err
	}
	if !info.Exists {
		return errors.New("cluster produced no output")
	}
	if bucket == "" {
		r.Output = r.Scratch
		return nil
	}
	body, err := s.objects.Get(cctx, r.Scratch.Bucket, r.Scratch.Key)
	if err != nil {
		return err
	}
	dst := jobs.Location{Bucket: bucket, Key: OutputKey(r)}
	if err := s.objects.Put(cctx, dst.Bucket, dst.Key, body, NotebookContentType); err != nil {
		return err
	}
	r.Output = dst
	return nil
}

// OutputKey is the captured output key of a run:
// <identifier>/<occurrence yyyymmddThhmmZ>/<notebook>.
func OutputKey(r *jobs.Run) string {
	return path.Join(r.JobIdentifier, r.OccurrenceAt.UTC().Format("20060102T1504Z"), r.NotebookName)
}
