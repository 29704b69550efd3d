package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, safe attrs for
// logging (never secrets) and the changed sections that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Lifecycle, newCfg.Lifecycle) {
		changed = append(changed, "lifecycle")
		lc := newCfg.Lifecycle
		attrs = append(attrs,
			logx.Int("lifecycle.max_cluster_size", lc.MaxClusterSize),
			logx.Int("lifecycle.max_timeout_minutes", lc.MaxTimeoutMinutes),
			logx.Int("lifecycle.max_retries", lc.MaxRetries),
			logx.Int("lifecycle.launch_rate_per_min", lc.LaunchRatePerMin),
			logx.Int("lifecycle.admin_count", len(lc.Admins)),
		)
		if oldCfg.Lifecycle.PayloadBucket != lc.PayloadBucket ||
			oldCfg.Lifecycle.ScratchBucket != lc.ScratchBucket ||
			oldCfg.Lifecycle.OutputBucket != lc.OutputBucket {
			// buckets are baked into stored locations
			restart = append(restart, "lifecycle.buckets")
		}
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.scan_every", newCfg.Scheduler.ScanEvery),
			logx.String("scheduler.poll_every", newCfg.Scheduler.PollEvery),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Bool("task_engine.enabled", TaskEngineEnabled(newCfg)),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	oldN, newN := EffectiveNotifier(oldCfg), EffectiveNotifier(newCfg)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.OpsChat != nt.OpsChat || !reflect.DeepEqual(ot.UserChats, nt.UserChats) || ot.HTTPTimeout != nt.HTTPTimeout || ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.ops_chat_set", nt.OpsChat != 0),
			logx.Int("telegram.user_chats", len(nt.UserChats)),
		)
		if ot.Token != nt.Token || ot.HTTPTimeout != nt.HTTPTimeout {
			restart = append(restart, "telegram.token")
		}
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	// credentials are never logged
	for _, sec := range []struct {
		name     string
		old, new any
	}{
		{"aws", oldCfg.AWS, newCfg.AWS},
		{"compute", oldCfg.Compute, newCfg.Compute},
		{"object_store", oldCfg.ObjectStore, newCfg.ObjectStore},
		{"systemd", oldCfg.Systemd, newCfg.Systemd},
	} {
		if !reflect.DeepEqual(sec.old, sec.new) {
			changed = append(changed, sec.name)
			restart = append(restart, sec.name)
		}
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

// TaskEngineEnabled resolves task_engine.enabled, which follows
// scheduler.enabled when omitted.
func TaskEngineEnabled(cfg *Config) bool {
	if cfg.TaskEngine != nil && cfg.TaskEngine.Enabled != nil {
		return *cfg.TaskEngine.Enabled
	}
	return cfg.Scheduler.Enabled
}

// EffectiveNotifier returns the notifier section with defaults applied.
// An omitted section means enabled with defaults.
func EffectiveNotifier(cfg *Config) NotifierConfig {
	n := NotifierConfig{Enabled: true}
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	if n.Workers <= 0 {
		n.Workers = 2
	}
	if n.QueueSize <= 0 {
		n.QueueSize = 512
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = 3
	}
	if n.RetryMax == 0 {
		n.RetryMax = 3
	}
	if strings.TrimSpace(n.RetryBase) == "" {
		n.RetryBase = "500ms"
	}
	if strings.TrimSpace(n.RetryMaxDelay) == "" {
		n.RetryMaxDelay = "10s"
	}
	if strings.TrimSpace(n.DedupWindow) == "" {
		n.DedupWindow = "1m"
	}
	if n.DedupMaxEntries <= 0 {
		n.DedupMaxEntries = 2000
	}
	return n
}
