package lifecycle

import (
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

// Config is passed to the core at construction and replaced on reload.
//
// Defaults (when fields are omitted/zero):
//   - Limits.MaxClusterSize: 30
//   - Limits.MaxTimeoutMinutes: 1440
//   - MaxRetries: 1
//   - DefaultTimeoutMinutes: 1440, DefaultClusterSize: 1, DefaultInterval: weekly
//   - CallTimeout: 2m
//   - ProvisionRetries: 4, ProvisionBackoff: 5s, ProvisionBackoffMax: 1m
//   - LaunchRatePerMin: 30
//   - Location: UTC
type Config struct {
	Limits jobs.Limits

	// MaxRetries is the number of extra attempts a failed or timed out
	// occurrence gets. Negative disables retries.
	MaxRetries int

	DefaultTimeoutMinutes int
	DefaultClusterSize    int
	DefaultInterval       jobs.Interval

	InstanceProfile string
	// PayloadBucket receives uploaded notebooks, ScratchBucket is where
	// clusters write results, OutputBucket holds captured outputs.
	PayloadBucket string
	ScratchBucket string
	OutputBucket  string

	// CallTimeout bounds every call to compute and object storage.
	CallTimeout time.Duration

	ProvisionRetries    int
	ProvisionBackoff    time.Duration
	ProvisionBackoffMax time.Duration
	// LaunchRatePerMin is the shared launch quota across all jobs.
	LaunchRatePerMin int

	// Location anchors daily/weekly/monthly arithmetic (wall clock, DST).
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Limits.MaxClusterSize <= 0 {
		c.Limits.MaxClusterSize = 30
	}
	if c.Limits.MaxTimeoutMinutes <= 0 {
		c.Limits.MaxTimeoutMinutes = 24 * 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DefaultTimeoutMinutes <= 0 {
		c.DefaultTimeoutMinutes = 24 * 60
	}
	if c.DefaultClusterSize <= 0 {
		c.DefaultClusterSize = 1
	}
	if !c.DefaultInterval.Valid() {
		c.DefaultInterval = jobs.Weekly
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.ProvisionRetries <= 0 {
		c.ProvisionRetries = 4
	}
	if c.ProvisionBackoff <= 0 {
		c.ProvisionBackoff = 5 * time.Second
	}
	if c.ProvisionBackoffMax <= 0 {
		c.ProvisionBackoffMax = time.Minute
	}
	if c.ProvisionBackoffMax < c.ProvisionBackoff {
		c.ProvisionBackoffMax = c.ProvisionBackoff
	}
	if c.LaunchRatePerMin <= 0 {
		c.LaunchRatePerMin = 30
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}
