package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/eventbus"
	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/schedule"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// Decision is what happens to a job after one of its runs finished.
type Decision string

const (
	// Retry launches another attempt of the same occurrence.
	Retry Decision = "retry"
	// GiveUp notifies the owner and moves on to the next occurrence.
	GiveUp Decision = "give_up"
	// Disable turns the job off because its end date was reached.
	Disable Decision = "disable"
	// Advance moves on to the next occurrence.
	Advance Decision = "advance"
	// Ignore leaves the job alone (cancelled runs).
	Ignore Decision = "ignore"
)

// Decide applies the retry and expiry policy. A run is retried while its
// attempt number does not exceed maxRetries, so maxRetries=1 allows two
// attempts per occurrence. Disabled jobs are never retried.
func Decide(r *jobs.Run, d *jobs.Definition, maxRetries int, now time.Time) Decision {
	if r.Status == jobs.StatusCancelled || !r.Status.Terminal() {
		return Ignore
	}
	if schedule.Expired(d, now) {
		return Disable
	}
	switch r.Status {
	case jobs.StatusFailed, jobs.StatusTimedOut:
		if d.Enabled && r.Attempt <= maxRetries {
			return Retry
		}
		return GiveUp
	}
	return Advance
}

// settle applies the policy to a finished run.
func (s *Service) settle(ctx context.Context, r *jobs.Run) error {
	d, err := s.store.GetJob(ctx, r.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d = s.zoned(d)
	cfg := s.config()
	now := s.now()

	decision := Decide(r, d, cfg.MaxRetries, now)
	s.log.Debug("policy decision",
		logx.String("run_id", r.ID),
		logx.String("job_id", d.ID),
		logx.String("decision", string(decision)),
	)
	if r.Status == jobs.StatusTimedOut {
		s.notify(ctx, Notice{
			Kind:          NoticeTimedOut,
			JobID:         d.ID,
			JobIdentifier: d.Identifier,
			OwnerID:       d.OwnerID,
			OwnerName:     d.OwnerName,
			RunID:         r.ID,
			Text:          fmt.Sprintf("Run of %s (attempt %d) timed out after %d minutes.", d.Identifier, r.Attempt, r.TimeoutMinutes),
		})
	}

	switch decision {
	case Retry:
		next := s.newRun(d, r.OccurrenceAt, r.Attempt+1)
		// Keep the original snapshot: a retry reruns the same occurrence.
		next.ClusterSize = r.ClusterSize
		next.TimeoutMinutes = r.TimeoutMinutes
		next.Payload = r.Payload
		next.NotebookName = r.NotebookName
		next.Scratch.Key = path.Join("runs", next.ID, next.NotebookName)
		if err := s.store.CreateRun(ctx, next); err != nil {
			if jobs.IsConflictKind(err, jobs.ConflictOccurrence) || jobs.IsConflictKind(err, jobs.ConflictActiveRun) {
				return nil
			}
			return err
		}
		s.log.Info("retrying occurrence",
			logx.String("run_id", next.ID),
			logx.String("job_id", d.ID),
			logx.Int("attempt", next.Attempt),
		)
		s.publishRun(eventbus.RunCreated, next)
		_, err := s.provision(ctx, next)
		return err

	case GiveUp:
		s.notify(ctx, Notice{
			Kind:          NoticeGiveUp,
			JobID:         d.ID,
			JobIdentifier: d.Identifier,
			OwnerID:       d.OwnerID,
			OwnerName:     d.OwnerName,
			RunID:         r.ID,
			Text: fmt.Sprintf("Scheduled job %s failed %d times for the run of %s: %s",
				d.Identifier, r.Attempt, r.OccurrenceAt.Format(time.RFC3339), r.Failure),
		})
		return s.advance(ctx, d, r)

	case Advance:
		return s.advance(ctx, d, r)

	case Disable:
		return s.disable(ctx, d, r, "end date reached")
	}
	return nil
}

// advance records the finished occurrence and schedules the next one.
func (s *Service) advance(ctx context.Context, d *jobs.Definition, r *jobs.Run) error {
	if d.NextRunAt != nil && d.NextRunAt.After(r.OccurrenceAt) {
		// Already advanced past this occurrence.
		return nil
	}
	now := s.now()
	next, err := schedule.AdvanceFrom(d, r.OccurrenceAt, now)
	if errors.Is(err, schedule.ErrExpired) {
		return s.disable(ctx, d, r, "no occurrence left before the end date")
	}
	if err != nil {
		return err
	}
	st := storage.ScheduleState{LastRunAt: lastRun(r), NextRunAt: &next, Enabled: d.Enabled}
	if err := s.store.SetSchedule(ctx, d.ID, st); err != nil {
		return err
	}
	s.log.Info("schedule advanced", logx.String("job_id", d.ID), logx.Time("next_run_at", next))
	s.publish(eventbus.JobAdvanced, JobEvent{JobID: d.ID, Identifier: d.Identifier})
	return nil
}

// disable turns the job off. r is the run that triggered it, if any.
func (s *Service) disable(ctx context.Context, d *jobs.Definition, r *jobs.Run, reason string) error {
	st := storage.ScheduleState{LastRunAt: d.LastRunAt, NextRunAt: nil, Enabled: false}
	if r != nil {
		st.LastRunAt = lastRun(r)
	}
	if err := s.store.SetSchedule(ctx, d.ID, st); err != nil {
		return err
	}
	s.log.Info("job disabled", logx.String("job_id", d.ID), logx.String("identifier", d.Identifier), logx.String("reason", reason))
	s.publish(eventbus.JobDisabled, JobEvent{JobID: d.ID, Identifier: d.Identifier, Reason: reason})
	s.notify(ctx, Notice{
		Kind:          NoticeDisabled,
		JobID:         d.ID,
		JobIdentifier: d.Identifier,
		OwnerID:       d.OwnerID,
		OwnerName:     d.OwnerName,
		Text:          fmt.Sprintf("Scheduled job %s was disabled: %s.", d.Identifier, reason),
	})
	return nil
}

func lastRun(r *jobs.Run) *time.Time {
	if r.StartedAt != nil {
		return jobs.TimePtr(*r.StartedAt)
	}
	return jobs.TimePtr(r.OccurrenceAt)
}
