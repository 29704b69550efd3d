package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/g-k/telemetry-analysis-service/internal/access"
	"github.com/g-k/telemetry-analysis-service/internal/compute"
	"github.com/g-k/telemetry-analysis-service/internal/eventbus"
	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/objectstore"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// ErrNotDue is returned by Dispatch for a job that is disabled, expired or
// scheduled in the future.
var ErrNotDue = errors.New("job is not due")

// Executor runs lifecycle work. Work sharing a key must not run concurrently;
// the production executor is the task engine with key as concurrency group.
type Executor interface {
	Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Inline runs work synchronously on the caller's goroutine. Like the task
// engine it reports work failures through the log, not to the submitter, and
// never retries.
type Inline struct {
	Log logx.Logger
}

func (i Inline) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		i.Log.Warn("work failed", logx.String("key", key), logx.Err(err))
	}
	return nil
}

// JobKey is the executor key serializing all work for one job.
func JobKey(jobID string) string { return "job:" + jobID }

// RunKey keys work on a single finished run, such as reaping its cluster.
func RunKey(runID string) string { return "run:" + runID }

// NoticeKind classifies owner notifications.
type NoticeKind string

const (
	NoticeGiveUp   NoticeKind = "give_up"
	NoticeDisabled NoticeKind = "disabled"
	NoticeTimedOut NoticeKind = "timed_out"
)

// Notice is delivered to the job owner.
type Notice struct {
	Kind          NoticeKind
	JobID         string
	JobIdentifier string
	OwnerID       string
	OwnerName     string
	RunID         string
	Text          string
}

// Notifier delivers owner notices. Delivery failure never changes run state.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notice) error { return nil }

// RunEvent is the Data of run.* events.
type RunEvent struct {
	JobID   string
	RunID   string
	Status  jobs.RunStatus
	Attempt int
}

// JobEvent is the Data of job.* events.
type JobEvent struct {
	JobID      string
	Identifier string
	Reason     string
}

// Deps are the collaborators of the lifecycle core.
type Deps struct {
	Store    storage.Store
	Access   access.Checker
	Objects  objectstore.Store
	Compute  compute.Provisioner
	Notifier Notifier
	Bus      eventbus.Bus
	Executor Executor
	// Now defaults to time.Now.
	Now func() time.Time
	Log logx.Logger
}

// Service is the lifecycle core.
type Service struct {
	store    storage.Store
	access   access.Checker
	objects  objectstore.Store
	compute  compute.Provisioner
	notifier Notifier
	bus      eventbus.Bus
	exec     Executor
	clock    func() time.Time
	log      logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
	newID   func() string
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if d.Access == nil {
		return nil, errors.New("lifecycle: access checker is required")
	}
	if d.Objects == nil {
		return nil, errors.New("lifecycle: object store is required")
	}
	if d.Compute == nil {
		return nil, errors.New("lifecycle: compute provisioner is required")
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Executor == nil {
		d.Executor = Inline{Log: d.Log}
	}

	cfg = cfg.withDefaults()
	s := &Service{
		store:    d.Store,
		access:   d.Access,
		objects:  d.Objects,
		compute:  d.Compute,
		notifier: d.Notifier,
		bus:      d.Bus,
		exec:     d.Executor,
		clock:    d.Now,
		log:      d.Log,
		cfg:      cfg,
		limiter:  rate.NewLimiter(launchRate(cfg.LaunchRatePerMin), cfg.LaunchRatePerMin),
		newID:    uuid.NewString,
	}
	return s, nil
}

func launchRate(perMin int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(perMin))
}

// Apply swaps the configuration. In-flight work keeps the values it read.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if old.LaunchRatePerMin != cfg.LaunchRatePerMin {
		s.limiter.SetLimit(launchRate(cfg.LaunchRatePerMin))
		s.limiter.SetBurst(cfg.LaunchRatePerMin)
	}
	s.log.Info("config applied",
		logx.Int("max_retries", cfg.MaxRetries),
		logx.Int("launch_rate_per_min", cfg.LaunchRatePerMin),
		logx.String("tz", cfg.Location.String()),
	)
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) now() time.Time {
	return s.clock().In(s.config().Location)
}

// zoned returns a copy of d with its schedule times in the configured zone.
// Stores may hand back UTC times, which would break wall-clock arithmetic.
func (s *Service) zoned(d *jobs.Definition) *jobs.Definition {
	loc := s.config().Location
	cp := d.Clone()
	cp.StartDate = cp.StartDate.In(loc)
	if cp.EndDate != nil {
		cp.EndDate = jobs.TimePtr(cp.EndDate.In(loc))
	}
	if cp.NextRunAt != nil {
		cp.NextRunAt = jobs.TimePtr(cp.NextRunAt.In(loc))
	}
	return cp
}

// call bounds one collaborator call by the configured call timeout.
func (s *Service) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config().CallTimeout)
}

func (s *Service) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock(), Data: data})
}

func (s *Service) publishRun(typ string, r *jobs.Run) {
	s.publish(typ, RunEvent{JobID: r.JobID, RunID: r.ID, Status: r.Status, Attempt: r.Attempt})
}

func (s *Service) notify(ctx context.Context, n Notice) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("owner notice failed",
			logx.String("kind", string(n.Kind)),
			logx.String("job_id", n.JobID),
			logx.Err(err),
		)
	}
}
