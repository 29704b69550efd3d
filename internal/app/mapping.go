package app

import (
	"strings"
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/awsconf"
	"github.com/g-k/telemetry-analysis-service/internal/compute"
	"github.com/g-k/telemetry-analysis-service/internal/config"
	"github.com/g-k/telemetry-analysis-service/internal/lifecycle"
	"github.com/g-k/telemetry-analysis-service/internal/notifier"
	"github.com/g-k/telemetry-analysis-service/internal/observability/ops"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
	"github.com/g-k/telemetry-analysis-service/internal/task/engine"
	"github.com/g-k/telemetry-analysis-service/internal/task/scheduler"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// The mappers below run on a config that already passed config.Validate,
// so duration parse errors are not expected; they still surface.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		if driver == "file" {
			path = "./data/atmo"
		} else {
			path = "./data/atmo.db"
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapAWSConfig(cfg *config.Config) awsconf.Config {
	a := cfg.AWS
	return awsconf.Config{
		Region:          a.Region,
		Profile:         a.Profile,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		Endpoint:        a.Endpoint,
		ForcePathStyle:  a.ForcePathStyle,
	}
}

func mapEC2Config(cfg *config.Config) compute.EC2Config {
	c := cfg.Compute
	return compute.EC2Config{
		AWS:              mapAWSConfig(cfg),
		ImageID:          c.ImageID,
		InstanceType:     c.InstanceType,
		SubnetID:         c.SubnetID,
		SecurityGroupIDs: append([]string(nil), c.SecurityGroupIDs...),
		KeyName:          c.KeyName,
		AppTag:           c.AppTag,
	}
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mapLifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	l := cfg.Lifecycle
	callTimeout, err := config.ParseDurationField("lifecycle.call_timeout", l.CallTimeout)
	if err != nil {
		return lifecycle.Config{}, err
	}
	backoff, err := config.ParseDurationField("lifecycle.provision_backoff", l.ProvisionBackoff)
	if err != nil {
		return lifecycle.Config{}, err
	}
	backoffMax, err := config.ParseDurationField("lifecycle.provision_backoff_max", l.ProvisionBackoffMax)
	if err != nil {
		return lifecycle.Config{}, err
	}
	out := lifecycle.Config{
		MaxRetries:            l.MaxRetries,
		DefaultTimeoutMinutes: l.DefaultTimeoutMinutes,
		DefaultClusterSize:    l.DefaultClusterSize,
		InstanceProfile:       l.InstanceProfile,
		PayloadBucket:         l.PayloadBucket,
		ScratchBucket:         l.ScratchBucket,
		OutputBucket:          l.OutputBucket,
		CallTimeout:           callTimeout,
		ProvisionRetries:      l.ProvisionRetries,
		ProvisionBackoff:      backoff,
		ProvisionBackoffMax:   backoffMax,
		LaunchRatePerMin:      l.LaunchRatePerMin,
		Location:              loadLocation(cfg.Scheduler.Timezone),
	}
	out.Limits.MaxClusterSize = l.MaxClusterSize
	out.Limits.MaxTimeoutMinutes = l.MaxTimeoutMinutes
	return out, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := engine.Config{
		Enabled:     config.TaskEngineEnabled(cfg),
		Workers:     4,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    2,
	}
	if cfg.TaskEngine == nil {
		return te, nil
	}
	in := cfg.TaskEngine
	if in.Workers > 0 {
		te.Workers = in.Workers
	}
	if in.QueueSize > 0 {
		te.QueueSize = in.QueueSize
	}
	if in.HistorySize > 0 {
		te.HistorySize = in.HistorySize
	}
	if in.RetryMax != 0 {
		// -1 disables retries
		te.RetryMax = max(in.RetryMax, 0)
	}
	var err error
	if te.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", in.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if te.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", in.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return te, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// scheduleSpecs returns the scan and poll trigger specs.
func scheduleSpecs(cfg *config.Config) (scan, poll string) {
	scan, poll = strings.TrimSpace(cfg.Scheduler.ScanEvery), strings.TrimSpace(cfg.Scheduler.PollEvery)
	if scan == "" {
		scan = "1m"
	}
	if poll == "" {
		poll = "1m"
	}
	return scan, poll
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.EffectiveNotifier(cfg)
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapRoutes(cfg *config.Config) notifier.Routes {
	return notifier.Routes{OpsChat: cfg.Telegram.OpsChat, UserChats: cfg.Telegram.UserChats}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 addr,
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}
