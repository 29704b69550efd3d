// Package config loads the service configuration from a JSON or YAML file,
// validates it and publishes hot-reloaded versions to subscribers.
package config

// Config is the root of the config file. Every section is optional.
//
// Durations are Go duration strings ("500ms", "2m", "24h").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Lifecycle   LifecycleConfig   `json:"lifecycle"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	TaskEngine  *TaskEngineConfig `json:"task_engine,omitempty"`
	AWS         AWSConfig         `json:"aws"`
	Compute     ComputeConfig     `json:"compute"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Telegram    TelegramConfig    `json:"telegram"`
	Ops         OpsConfig         `json:"ops"`
	Systemd     SystemdConfig     `json:"systemd"`
}

type LoggingConfig struct {
	Level   string             `json:"level"`
	Console bool               `json:"console"`
	File    LoggingFileConfig  `json:"file"`
	Alerts  LoggingAlertConfig `json:"alerts"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlertConfig forwards WARN+ records to the ops chat.
type LoggingAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the job/run store.
//
// Defaults: driver "file", path "./data/atmo.db" (sqlite) or "./data/atmo"
// (file), busy_timeout "5s".
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LifecycleConfig holds the job limits and the run policy knobs.
//
// Defaults:
//   - max_cluster_size: 30, max_timeout_minutes: 1440
//   - default_timeout_minutes: 1440, default_cluster_size: 1
//   - max_retries: 1 (use -1 for none)
//   - call_timeout: "2m"
//   - provision_retries: 4, provision_backoff: "5s", provision_backoff_max: "1m"
//   - launch_rate_per_min: 30
type LifecycleConfig struct {
	MaxClusterSize        int    `json:"max_cluster_size,omitempty"`
	MaxTimeoutMinutes     int    `json:"max_timeout_minutes,omitempty"`
	DefaultTimeoutMinutes int    `json:"default_timeout_minutes,omitempty"`
	DefaultClusterSize    int    `json:"default_cluster_size,omitempty"`
	MaxRetries            int    `json:"max_retries,omitempty"`
	CallTimeout           string `json:"call_timeout,omitempty"`
	ProvisionRetries      int    `json:"provision_retries,omitempty"`
	ProvisionBackoff      string `json:"provision_backoff,omitempty"`
	ProvisionBackoffMax   string `json:"provision_backoff_max,omitempty"`
	LaunchRatePerMin      int    `json:"launch_rate_per_min,omitempty"`
	InstanceProfile       string `json:"instance_profile,omitempty"`

	Admins        []string `json:"admins,omitempty"`
	PayloadBucket string   `json:"payload_bucket,omitempty"`
	ScratchBucket string   `json:"scratch_bucket,omitempty"`
	OutputBucket  string   `json:"output_bucket,omitempty"`
}

// SchedulerConfig controls the scan and poll triggers. scan_every and
// poll_every accept anything the scheduler's ParseSchedule accepts.
//
// Defaults: timezone "UTC", scan_every "1m", poll_every "1m".
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	Timezone  string `json:"timezone,omitempty"`
	ScanEvery string `json:"scan_every,omitempty"`
	PollEvery string `json:"poll_every,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so an omitted value follows scheduler.enabled.
//
// Defaults: workers 4, queue_size 256, default_timeout "0s" (none),
// max_queue_delay "0s" (none), history_size 200, retry_max 2 (-1 disables
// retries of lifecycle work).
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type AWSConfig struct {
	Region          string `json:"region,omitempty"`
	Profile         string `json:"profile,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	ForcePathStyle  bool   `json:"force_path_style,omitempty"`
}

// ComputeConfig selects the cluster provisioner.
//
// Driver values:
//   - "ec2" (default): RunInstances in the configured account
//   - "local": in-process simulation backed by the object store
type ComputeConfig struct {
	Driver           string   `json:"driver,omitempty"`
	ImageID          string   `json:"image_id,omitempty"`
	InstanceType     string   `json:"instance_type,omitempty"`
	SubnetID         string   `json:"subnet_id,omitempty"`
	SecurityGroupIDs []string `json:"security_group_ids,omitempty"`
	KeyName          string   `json:"key_name,omitempty"`
	AppTag           string   `json:"app_tag,omitempty"`
	LocalDelay       string   `json:"local_delay,omitempty"`
}

// ObjectStoreConfig selects the object store: "s3" (default) or "memory".
type ObjectStoreConfig struct {
	Driver string `json:"driver,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// Defaults (section omitted or zero fields): enabled true, workers 2,
// queue_size 512, rate_per_sec 3, retry_max 3, retry_base "500ms",
// retry_max_delay "10s", dedup_window "1m", dedup_max_entries 2000.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// TelegramConfig configures the Telegram transport. Without a token
// notifications are written to the log instead.
type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
	OpsChat     int64  `json:"ops_chat,omitempty"`
	// UserChats maps a job owner user id to a chat id.
	UserChats map[string]int64 `json:"user_chats,omitempty"`
}

// OpsConfig controls the operator HTTP server.
//
// Security: prefer a loopback addr (the default). A non-loopback addr
// needs token, or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
