package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/g-k/telemetry-analysis-service/internal/task/engine"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// Config controls the trigger service. The app layer maps the scheduler
// section of the config file into it; cadences are registered separately.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means UTC
}

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	// initial random delay for @every schedules
	startupSpread time.Duration
	opt           engine.TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	now func() time.Time

	engine *engine.Service

	c    *cron.Cron
	defs []scheduleDef

	// keyed by schedule name
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
	fired       map[string]uint64
	skipped     map[string]uint64
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
	Fired         uint64        `json:"fired"`
	Skipped       uint64        `json:"skipped"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
