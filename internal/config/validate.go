package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/g-k/telemetry-analysis-service/internal/task/scheduler"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// Validate checks every section and returns all problems at once as a
// *multierror.Error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	oneOf := func(path, v string, allowed ...string) {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return
		}
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		add(fmt.Errorf("%s: unknown value %q (want one of %s)", path, v, strings.Join(allowed, ", ")))
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s: must be >= 0", path))
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if lv := strings.TrimSpace(cfg.Logging.Alerts.MinLevel); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.alerts.min_level: unknown level %q", lv))
	}
	nonNeg("logging.alerts.rate_per_sec", cfg.Logging.Alerts.RatePerSec)

	oneOf("storage.driver", cfg.Storage.Driver, "file", "sqlite", "sqlite3")
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	lc := cfg.Lifecycle
	nonNeg("lifecycle.max_cluster_size", lc.MaxClusterSize)
	nonNeg("lifecycle.max_timeout_minutes", lc.MaxTimeoutMinutes)
	nonNeg("lifecycle.default_timeout_minutes", lc.DefaultTimeoutMinutes)
	nonNeg("lifecycle.default_cluster_size", lc.DefaultClusterSize)
	nonNeg("lifecycle.provision_retries", lc.ProvisionRetries)
	nonNeg("lifecycle.launch_rate_per_min", lc.LaunchRatePerMin)
	if lc.MaxRetries < -1 {
		add(fmt.Errorf("lifecycle.max_retries: must be >= -1"))
	}
	if lc.MaxClusterSize > 0 && lc.DefaultClusterSize > lc.MaxClusterSize {
		add(fmt.Errorf("lifecycle.default_cluster_size: exceeds max_cluster_size"))
	}
	if lc.MaxTimeoutMinutes > 0 && lc.DefaultTimeoutMinutes > lc.MaxTimeoutMinutes {
		add(fmt.Errorf("lifecycle.default_timeout_minutes: exceeds max_timeout_minutes"))
	}
	dur("lifecycle.call_timeout", lc.CallTimeout)
	dur("lifecycle.provision_backoff", lc.ProvisionBackoff)
	dur("lifecycle.provision_backoff_max", lc.ProvisionBackoffMax)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for path, raw := range map[string]string{"scheduler.scan_every": cfg.Scheduler.ScanEvery, "scheduler.poll_every": cfg.Scheduler.PollEvery} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		nonNeg("task_engine.workers", te.Workers)
		nonNeg("task_engine.queue_size", te.QueueSize)
		nonNeg("task_engine.history_size", te.HistorySize)
		if te.RetryMax < -1 {
			add(fmt.Errorf("task_engine.retry_max: must be >= -1"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	if (cfg.AWS.AccessKeyID != "") != (cfg.AWS.SecretAccessKey != "") {
		add(fmt.Errorf("aws: access_key_id and secret_access_key must be provided together"))
	}

	oneOf("compute.driver", cfg.Compute.Driver, "ec2", "local")
	dur("compute.local_delay", cfg.Compute.LocalDelay)
	oneOf("object_store.driver", cfg.ObjectStore.Driver, "s3", "memory")

	if n := cfg.Notifier; n != nil {
		nonNeg("notifier.workers", n.Workers)
		nonNeg("notifier.queue_size", n.QueueSize)
		nonNeg("notifier.rate_per_sec", n.RatePerSec)
		nonNeg("notifier.retry_max", n.RetryMax)
		nonNeg("notifier.dedup_max_entries", n.DedupMaxEntries)
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	dur("telegram.http_timeout", cfg.Telegram.HTTPTimeout)

	if addr := strings.TrimSpace(cfg.Ops.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("ops.addr: %w", err))
		}
	}
	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.write_timeout", cfg.Ops.WriteTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	return errs.ErrorOrNil()
}
