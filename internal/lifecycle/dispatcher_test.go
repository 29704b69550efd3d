package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-k/telemetry-analysis-service/internal/compute"
	"github.com/g-k/telemetry-analysis-service/internal/eventbus"
	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

func TestDispatchLaunchesCluster(t *testing.T) {
	h := newHarness(t)
	events, unsubscribe := h.bus.Subscribe(16, "run.")
	defer unsubscribe()

	d := h.dueJob(t, "weekly-report")
	r := h.started(t, d)

	assert.Equal(t, 1, r.Attempt)
	assert.True(t, r.OccurrenceAt.Equal(t0))
	assert.NotEmpty(t, r.ClusterRef)
	require.NotNil(t, r.StartedAt)
	assert.Equal(t, jobs.Location{Bucket: "scratch", Key: "runs/" + r.ID + "/report.ipynb"}, r.Scratch)

	spec := h.compute.specs[r.ClusterRef]
	assert.Equal(t, "weekly-report", spec.Name)
	assert.Equal(t, 2, spec.Size)
	assert.Equal(t, r.IdempotencyKey(), spec.IdempotencyKey)
	assert.Equal(t, d.Payload, spec.Payload)
	assert.Equal(t, r.Scratch, spec.Output)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events: got %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.RunCreated, eventbus.RunStarted}, types)
}

func TestDispatchNotDue(t *testing.T) {
	h := newHarness(t)
	d, err := h.svc.CreateJob(context.Background(), alice, h.spec("later", t0.Add(time.Hour)))
	require.NoError(t, err)

	_, err = h.svc.Dispatch(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrNotDue)
	assert.Empty(t, h.runs(t, d.ID))
	assert.Zero(t, h.compute.launches())
}

func TestConcurrentDispatchCreatesOneRun(t *testing.T) {
	h := newHarness(t)
	d := h.dueJob(t, "racy")

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.svc.Dispatch(context.Background(), d.ID)
			if err == nil && r != nil {
				mu.Lock()
				started++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, jobs.ErrConflict)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Len(t, h.runs(t, d.ID), 1)
	assert.Equal(t, 1, h.compute.clusters())
}

func TestCapacityExhaustedStaysProvisioning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dueJob(t, "big")
	h.compute.set(func(f *fakeCompute) {
		f.launchErrs = []error{compute.ErrCapacityExhausted, compute.ErrCapacityExhausted, compute.ErrCapacityExhausted}
	})

	r, err := h.svc.Dispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProvisioning, r.Status)
	assert.Empty(t, r.ClusterRef)
	assert.Equal(t, 3, h.compute.launches())

	job := h.job(t, d.ID)
	assert.True(t, job.Enabled)
	assert.True(t, job.NextRunAt.Equal(t0), "schedule must not advance")
	assert.Empty(t, h.notes.kinds())

	// Capacity is back: the next scan resumes the same run.
	require.NoError(t, h.svc.Scan(ctx))
	runs := h.runs(t, d.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, r.ID, runs[0].ID)
	assert.Equal(t, jobs.StatusRunning, runs[0].Status)
	assert.NotEmpty(t, runs[0].ClusterRef)
}

func TestPermanentLaunchFailureRetries(t *testing.T) {
	h := newHarness(t)
	d := h.dueJob(t, "bad-image")
	h.compute.set(func(f *fakeCompute) {
		f.launchErrs = []error{&compute.ProviderError{Op: "launch", Code: "InvalidAMIID.Malformed", Err: errors.New("bad image")}}
	})

	r, err := h.svc.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotNil(t, r)

	runs := h.attempts(t, d.ID)
	require.Len(t, runs, 2)
	assert.Equal(t, jobs.StatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Failure, "provisioning launch")
	assert.Equal(t, 2, runs[1].Attempt)
	assert.Equal(t, jobs.StatusRunning, runs[1].Status)
	assert.True(t, runs[0].OccurrenceAt.Equal(runs[1].OccurrenceAt))
}

func TestScanDisablesExpiredJob(t *testing.T) {
	h := newHarness(t)
	spec := h.spec("short-lived", t0)
	spec.EndDate = jobs.TimePtr(t0.Add(time.Hour))
	d, err := h.svc.CreateJob(context.Background(), alice, spec)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.svc.Scan(context.Background()))

	job := h.job(t, d.ID)
	assert.False(t, job.Enabled)
	assert.Nil(t, job.NextRunAt)
	assert.Empty(t, h.runs(t, d.ID))
	assert.Equal(t, []NoticeKind{NoticeDisabled}, h.notes.kinds())
}

func TestScanDispatchesDueJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.dueJob(t, "a")
	b := h.dueJob(t, "b")
	later, err := h.svc.CreateJob(ctx, alice, h.spec("later", t0.Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, h.svc.Scan(ctx))
	assert.Len(t, h.runs(t, a.ID), 1)
	assert.Len(t, h.runs(t, b.ID), 1)
	assert.Empty(t, h.runs(t, later.ID))

	// Still active: a second scan creates nothing.
	require.NoError(t, h.svc.Scan(ctx))
	assert.Len(t, h.runs(t, a.ID), 1)
	assert.Equal(t, 2, h.compute.clusters())
}

func TestResumeTimesOutStalledProvisioning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dueJob(t, "starved")
	h.compute.set(func(f *fakeCompute) { f.launchErr = compute.ErrCapacityExhausted })

	r, err := h.svc.Dispatch(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusProvisioning, r.Status)

	h.clock.Advance(61 * time.Minute)
	require.NoError(t, h.svc.Resume(ctx, r.ID))

	got := h.run(t, r.ID)
	assert.Equal(t, jobs.StatusTimedOut, got.Status)
	assert.Contains(t, got.Failure, "provisioning")

	runs := h.attempts(t, d.ID)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[1].Attempt)
	assert.Equal(t, jobs.StatusProvisioning, runs[1].Status)
	assert.Equal(t, []NoticeKind{NoticeTimedOut}, h.notes.kinds())
}
