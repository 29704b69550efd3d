package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

func TestDecide(t *testing.T) {
	job := &jobs.Definition{Enabled: true, StartDate: t0, Interval: jobs.Weekly}
	expired := &jobs.Definition{Enabled: true, StartDate: t0, Interval: jobs.Weekly, EndDate: jobs.TimePtr(t0.Add(time.Hour))}
	disabled := &jobs.Definition{Enabled: false, StartDate: t0, Interval: jobs.Weekly}
	now := t0.Add(2 * time.Hour)

	tests := []struct {
		name       string
		status     jobs.RunStatus
		attempt    int
		job        *jobs.Definition
		maxRetries int
		want       Decision
	}{
		{"success advances", jobs.StatusSucceeded, 1, job, 1, Advance},
		{"first failure retries", jobs.StatusFailed, 1, job, 1, Retry},
		{"first timeout retries", jobs.StatusTimedOut, 1, job, 1, Retry},
		{"second failure gives up", jobs.StatusFailed, 2, job, 1, GiveUp},
		{"no retries configured", jobs.StatusFailed, 1, job, 0, GiveUp},
		{"three attempts allowed", jobs.StatusFailed, 2, job, 2, Retry},
		{"expired disables on success", jobs.StatusSucceeded, 1, expired, 1, Disable},
		{"expired disables on failure", jobs.StatusFailed, 1, expired, 1, Disable},
		{"disabled job is not retried", jobs.StatusFailed, 1, disabled, 1, Advance},
		{"cancelled is ignored", jobs.StatusCancelled, 1, job, 1, Ignore},
		{"active is ignored", jobs.StatusRunning, 1, job, 1, Ignore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &jobs.Run{Status: tt.status, Attempt: tt.attempt}
			assert.Equal(t, tt.want, Decide(r, tt.job, tt.maxRetries, now))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 30, cfg.Limits.MaxClusterSize)
	assert.Equal(t, 24*60, cfg.Limits.MaxTimeoutMinutes)
	assert.Equal(t, 2*time.Minute, cfg.CallTimeout)
	assert.Equal(t, jobs.Weekly, cfg.DefaultInterval)
	assert.Equal(t, time.UTC, cfg.Location)

	assert.Equal(t, 0, Config{MaxRetries: -1}.withDefaults().MaxRetries)
}
