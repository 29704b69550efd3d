// Package app wires the configuration into running components and owns
// their start, hot reload and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/access"
	"github.com/g-k/telemetry-analysis-service/internal/compute"
	"github.com/g-k/telemetry-analysis-service/internal/config"
	"github.com/g-k/telemetry-analysis-service/internal/eventbus"
	"github.com/g-k/telemetry-analysis-service/internal/lifecycle"
	"github.com/g-k/telemetry-analysis-service/internal/notifier"
	"github.com/g-k/telemetry-analysis-service/internal/objectstore"
	"github.com/g-k/telemetry-analysis-service/internal/observability/ops"
	"github.com/g-k/telemetry-analysis-service/internal/runtime/supervisor"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
	"github.com/g-k/telemetry-analysis-service/internal/task/engine"
	"github.com/g-k/telemetry-analysis-service/internal/task/scheduler"
	kit "github.com/g-k/telemetry-analysis-service/internal/transport"
	"github.com/g-k/telemetry-analysis-service/internal/transport/logsink"
	"github.com/g-k/telemetry-analysis-service/internal/transport/telegram"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// Schedule names registered on the scheduler.
const (
	ScheduleScan = "lifecycle.scan"
	SchedulePoll = "lifecycle.poll"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	objects objectstore.Store
	compute compute.Provisioner
	access  *access.Policy
	adapter kit.Adapter

	lifecycle *lifecycle.Service
	engine    *engine.Service
	sched     *scheduler.Service
	notif     *notifier.Service
	router    *notifier.Router
	ops       *ops.Service

	offline  bool
	sdNotify bool
	started  time.Time
}

type Option func(*App)

// WithOffline builds the app for one-shot commands: notifications go to the
// log and nothing talks to Telegram.
func WithOffline() Option { return func(a *App) { a.offline = true } }

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewConfigManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(mapLogConfig(cfg))
	a.log = a.log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	if err := a.build(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	root := a.logs.Logger()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage"))); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	if err := a.buildCloud(ctx, cfg); err != nil {
		return err
	}
	a.access = access.NewPolicy(a.store, cfg.Lifecycle.Admins, root.With(logx.String("comp", "access")))

	if err := a.buildTransport(cfg); err != nil {
		return err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.adapter, root.With(logx.String("comp", "notifier")), a.bus)
	a.router = notifier.NewRouter(a.notif, mapRoutes(cfg), root.With(logx.String("comp", "notifier")))
	a.logs.SetAlertSink(a.router)

	ecfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, root.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, root.With(logx.String("comp", "scheduler")))

	lcfg, err := mapLifecycleConfig(cfg)
	if err != nil {
		return err
	}
	a.lifecycle, err = lifecycle.New(lcfg, lifecycle.Deps{
		Store:    a.store,
		Access:   a.access,
		Objects:  a.objects,
		Compute:  a.compute,
		Notifier: a.router,
		Bus:      a.bus,
		Executor: lifecycleExecutor(a.engine, lcfg),
		Log:      root.With(logx.String("comp", "lifecycle")),
	})
	if err != nil {
		return err
	}
	if err := a.registerSchedules(cfg); err != nil {
		return err
	}

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(ocfg, opsBackend{a: a}, root.With(logx.String("comp", "ops")))
	return nil
}

func (a *App) buildCloud(ctx context.Context, cfg *config.Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.ObjectStore.Driver)) {
	case "memory":
		a.objects = objectstore.NewMemory()
	default:
		s3, err := objectstore.NewS3(ctx, mapAWSConfig(cfg))
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		a.objects = s3
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Compute.Driver)) {
	case "local":
		a.compute = compute.NewLocal(a.objects, config.MustDuration(cfg.Compute.LocalDelay, 0))
	default:
		ec2, err := compute.NewEC2(ctx, mapEC2Config(cfg))
		if err != nil {
			return fmt.Errorf("compute: %w", err)
		}
		a.compute = ec2
	}
	return nil
}

func (a *App) buildTransport(cfg *config.Config) error {
	root := a.logs.Logger()
	if a.offline || strings.TrimSpace(cfg.Telegram.Token) == "" {
		a.adapter = logsink.New(root.With(logx.String("comp", "transport")))
		return nil
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		HTTPTimeout: config.MustDuration(cfg.Telegram.HTTPTimeout, 10*time.Second),
	}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.adapter = ad
	return nil
}

// lifecycleExecutor runs lifecycle work on the engine. Retries of a task
// back off like cluster launches; the count comes from task_engine.retry_max.
func lifecycleExecutor(eng *engine.Service, lcfg lifecycle.Config) engine.Executor {
	return engine.Executor{
		Engine: eng,
		Name:   "lifecycle",
		Opt: engine.TaskOptions{
			RetryBase:     lcfg.ProvisionBackoff,
			RetryMaxDelay: lcfg.ProvisionBackoffMax,
		},
	}
}

// registerSchedules upserts the scan and poll triggers.
func (a *App) registerSchedules(cfg *config.Config) error {
	scan, poll := scheduleSpecs(cfg)
	opt := engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1}
	if err := a.sched.AddScheduleOpt(ScheduleScan, scan, 0, opt, a.lifecycle.Scan); err != nil {
		return fmt.Errorf("scheduler.scan_every: %w", err)
	}
	if err := a.sched.AddScheduleOpt(SchedulePoll, poll, 0, opt, a.lifecycle.PollOutstanding); err != nil {
		return fmt.Errorf("scheduler.poll_every: %w", err)
	}
	return nil
}

func (a *App) Lifecycle() *lifecycle.Service { return a.lifecycle }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger           { return a.log }

// OpsAddr is the bound address of the ops server, empty when it is not
// serving.
func (a *App) OpsAddr() string { return a.ops.Addr() }

// OpsReady is closed once the ops server is listening.
func (a *App) OpsReady() <-chan struct{} { return a.ops.Ready() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: reject what the running app cannot apply
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return a.validate(cfg) })

	a.notif.Start(run)
	a.engine.Start(run)
	a.sched.Start(run)
	a.ops.Start(run)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					// Debug only: run transitions are frequent.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd(run, a.cfgm.Get().Systemd)

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("engine", a.engine.Enabled()),
		logx.String("channel", a.adapter.Name()),
	)
	return nil
}

// validate checks a reloaded config against what can change live.
func (a *App) validate(cfg *config.Config) error {
	if _, err := mapLifecycleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled && !config.TaskEngineEnabled(cfg) {
		return errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	scan, poll := scheduleSpecs(cfg)
	if _, err := scheduler.ParseSchedule(scan); err != nil {
		return fmt.Errorf("scheduler.scan_every: %w", err)
	}
	if _, err := scheduler.ParseSchedule(poll); err != nil {
		return fmt.Errorf("scheduler.poll_every: %w", err)
	}
	return nil
}

// Close releases what New acquired. It is for apps that were never started;
// Stop calls it at the end.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifySystemd(sdStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "transport", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Finally, wait for supervised goroutines (config watch/reload, systemd, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	a.logs.SetAlertSink(nil)
	a.Close()
	return nil
}

// step runs one shutdown step bounded by max so one component cannot
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx. If it doesn't, log when it finally returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
	}
}
