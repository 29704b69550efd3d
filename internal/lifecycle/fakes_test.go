package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g-k/telemetry-analysis-service/internal/access"
	"github.com/g-k/telemetry-analysis-service/internal/compute"
	"github.com/g-k/telemetry-analysis-service/internal/eventbus"
	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/objectstore"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// t0 is a Monday.
var t0 = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

var (
	alice = jobs.User{ID: "alice", Name: "alice"}
	bob   = jobs.User{ID: "bob", Name: "bob"}
	admin = jobs.User{ID: "admin", Name: "admin"}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeCompute is an in-memory provisioner. Launch keeps one cluster per
// idempotency key.
type fakeCompute struct {
	mu sync.Mutex

	seq   int
	byKey map[string]string
	specs map[string]compute.LaunchSpec
	state map[string]compute.Status

	launchCalls  int
	launchErrs   []error // consumed one per call
	launchErr    error   // returned on every call when set
	statusErr    error
	statusErrs   []error // consumed one per call
	terminateErr error
	terminated   map[string]int
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{
		byKey:      map[string]string{},
		specs:      map[string]compute.LaunchSpec{},
		state:      map[string]compute.Status{},
		terminated: map[string]int{},
	}
}

func (f *fakeCompute) Launch(_ context.Context, spec compute.LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchCalls++
	if f.launchErr != nil {
		return "", f.launchErr
	}
	if len(f.launchErrs) > 0 {
		err := f.launchErrs[0]
		f.launchErrs = f.launchErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if ref, ok := f.byKey[spec.IdempotencyKey]; ok {
		return ref, nil
	}
	f.seq++
	ref := fmt.Sprintf("r-%04d", f.seq)
	f.byKey[spec.IdempotencyKey] = ref
	f.specs[ref] = spec
	f.state[ref] = compute.Status{State: compute.StateRunning}
	return ref, nil
}

func (f *fakeCompute) Terminate(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.terminated[ref]++
	return nil
}

func (f *fakeCompute) Status(_ context.Context, ref string) (compute.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return compute.Status{}, f.statusErr
	}
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		if err != nil {
			return compute.Status{}, err
		}
	}
	st, ok := f.state[ref]
	if !ok {
		return compute.Status{}, compute.ErrClusterNotFound
	}
	return st, nil
}

func (f *fakeCompute) set(fn func(f *fakeCompute)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeCompute) setState(ref string, st compute.State, detail string) {
	f.set(func(f *fakeCompute) { f.state[ref] = compute.Status{State: st, Detail: detail} })
}

func (f *fakeCompute) terminations(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated[ref]
}

func (f *fakeCompute) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launchCalls
}

func (f *fakeCompute) clusters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *fakeNotifier) Notify(_ context.Context, note Notice) error {
	n.mu.Lock()
	n.notices = append(n.notices, note)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, 0, len(n.notices))
	for _, note := range n.notices {
		out = append(out, note.Kind)
	}
	return out
}

type harness struct {
	svc     *Service
	store   storage.Store
	compute *fakeCompute
	objects *objectstore.Memory
	notes   *fakeNotifier
	clock   *fakeClock
	bus     eventbus.Bus
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "atmo.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{
		PayloadBucket:       "payload",
		ScratchBucket:       "scratch",
		OutputBucket:        "output",
		CallTimeout:         time.Second,
		ProvisionRetries:    2,
		ProvisionBackoff:    time.Millisecond,
		ProvisionBackoffMax: 2 * time.Millisecond,
		LaunchRatePerMin:    60000,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	h := &harness{
		store:   st,
		compute: newFakeCompute(),
		objects: objectstore.NewMemory(),
		notes:   &fakeNotifier{},
		clock:   &fakeClock{t: t0},
		bus:     eventbus.New(),
	}
	h.svc, err = New(cfg, Deps{
		Store:    st,
		Access:   access.NewPolicy(st, []string{admin.ID}, logx.Nop()),
		Objects:  h.objects,
		Compute:  h.compute,
		Notifier: h.notes,
		Bus:      h.bus,
		Now:      h.clock.Now,
		Log:      logx.Nop(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) spec(ident string, start time.Time) JobSpec {
	return JobSpec{
		Identifier:     ident,
		Payload:        jobs.Location{Bucket: "payload", Key: "jobs/" + ident + "/report.ipynb"},
		ClusterSize:    2,
		Interval:       jobs.Weekly,
		StartDate:      start,
		TimeoutMinutes: 60,
	}
}

// dueJob creates a weekly job whose first occurrence is now.
func (h *harness) dueJob(t *testing.T, ident string) *jobs.Definition {
	t.Helper()
	d, err := h.svc.CreateJob(context.Background(), alice, h.spec(ident, h.clock.Now()))
	require.NoError(t, err)
	return d
}

// started dispatches d and returns its running run.
func (h *harness) started(t *testing.T, d *jobs.Definition) *jobs.Run {
	t.Helper()
	r, err := h.svc.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, jobs.StatusRunning, r.Status)
	return r
}

func (h *harness) runs(t *testing.T, jobID string) []*jobs.Run {
	t.Helper()
	rs, err := h.store.ListRuns(context.Background(), storage.RunQuery{JobID: jobID})
	require.NoError(t, err)
	return rs
}

// attempts returns the job's runs ordered by attempt.
func (h *harness) attempts(t *testing.T, jobID string) []*jobs.Run {
	t.Helper()
	rs := h.runs(t, jobID)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Attempt < rs[j].Attempt })
	return rs
}

func (h *harness) job(t *testing.T, id string) *jobs.Definition {
	t.Helper()
	d, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (h *harness) run(t *testing.T, id string) *jobs.Run {
	t.Helper()
	r, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}
