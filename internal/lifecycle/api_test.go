package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
)

func TestCreateJobNextRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	future, err := h.svc.CreateJob(ctx, alice, h.spec("future", t0.Add(48*time.Hour)))
	require.NoError(t, err)
	assert.True(t, future.Enabled)
	assert.Equal(t, alice.ID, future.OwnerID)
	require.NotNil(t, future.NextRunAt)
	assert.True(t, future.NextRunAt.Equal(t0.Add(48*time.Hour)))

	// Started ten days ago: one catch-up run for the latest missed occurrence.
	past, err := h.svc.CreateJob(ctx, alice, h.spec("past", t0.AddDate(0, 0, -10)))
	require.NoError(t, err)
	require.NotNil(t, past.NextRunAt)
	assert.True(t, past.NextRunAt.Equal(t0.AddDate(0, 0, -3)), "got %s", past.NextRunAt)
}

func TestCreateJobValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := h.spec("bad", t0)
	spec.ClusterSize = 0
	spec.TimeoutMinutes = 0
	_, err := h.svc.CreateJob(ctx, alice, spec)
	require.Error(t, err)
	assert.True(t, jobs.IsValidation(err))
	assert.Len(t, jobs.ValidationErrors(err), 2)

	spec = h.spec("ended", t0.AddDate(0, 0, -14))
	spec.EndDate = jobs.TimePtr(t0.AddDate(0, 0, -12))
	_, err = h.svc.CreateJob(ctx, alice, spec)
	assert.True(t, jobs.IsValidation(err))

	list, err := h.svc.ListJobsFor(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateJobRequiresUser(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateJob(context.Background(), jobs.User{}, h.spec("anon", t0))
	assert.ErrorIs(t, err, jobs.ErrPermissionDenied)
}

func TestCreateJobIdentifierConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateJob(ctx, alice, h.spec("nightly", t0))
	require.NoError(t, err)

	_, err = h.svc.CreateJob(ctx, bob, h.spec("nightly", t0))
	var ce *jobs.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, jobs.ConflictIdentifier, ce.Kind)
	assert.Equal(t, "nightly-1", ce.Alternative)
}

func TestCreateJobUploadsNotebook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := h.spec("upload", t0)
	spec.Payload = jobs.Location{}
	spec.Notebook = []byte(`{"cells":[]}`)
	spec.NotebookName = "report.ipynb"
	d, err := h.svc.CreateJob(ctx, alice, spec)
	require.NoError(t, err)
	assert.Equal(t, jobs.Location{Bucket: "payload", Key: "jobs/upload/report.ipynb"}, d.Payload)

	dl, err := h.svc.DownloadPayload(ctx, alice, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "report.ipynb", dl.Name)
	assert.Equal(t, NotebookContentType, dl.ContentType)
	assert.Equal(t, int64(len(spec.Notebook)), dl.Size)
	assert.Equal(t, spec.Notebook, dl.Body)
}

func TestUpdateJobWhileActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dueJob(t, "weekly-report")
	r := h.started(t, d)

	daily := jobs.Daily
	_, err := h.svc.UpdateJob(ctx, alice, d.ID, JobUpdate{Interval: &daily})
	assert.ErrorIs(t, err, jobs.ErrActiveRunConflict)

	renamed := "renamed"
	_, err = h.svc.UpdateJob(ctx, alice, d.ID, JobUpdate{Identifier: &renamed})
	assert.ErrorIs(t, err, jobs.ErrActiveRunConflict)

	// Non-schedule edits apply to the next run only.
	size := 5
	upd, err := h.svc.UpdateJob(ctx, alice, d.ID, JobUpdate{ClusterSize: &size})
	require.NoError(t, err)
	assert.Equal(t, 5, upd.ClusterSize)
	assert.Equal(t, 2, h.run(t, r.ID).ClusterSize)
}

func TestUpdateJobSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.svc.CreateJob(ctx, alice, h.spec("later", t0.Add(time.Hour)))
	require.NoError(t, err)

	start := t0.Add(3 * time.Hour)
	upd, err := h.svc.UpdateJob(ctx, alice, d.ID, JobUpdate{StartDate: &start})
	require.NoError(t, err)
	require.NotNil(t, upd.NextRunAt)
	assert.True(t, upd.NextRunAt.Equal(start))

	off := false
	upd, err = h.svc.UpdateJob(ctx, alice, d.ID, JobUpdate{Enabled: &off})
	require.NoError(t, err)
	assert.False(t, upd.Enabled)
	assert.False(t, h.job(t, d.ID).Enabled)
}

func TestUpdateJobPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dueJob(t, "shared")
	size := 3

	_, err := h.svc.UpdateJob(ctx, bob, d.ID, JobUpdate{ClusterSize: &size})
	assert.ErrorIs(t, err, jobs.ErrPermissionDenied)

	require.NoError(t, h.svc.ShareJob(ctx, alice, d.ID, bob.ID, false))
	_, err = h.svc.GetJob(ctx, bob, d.ID)
	require.NoError(t, err)
	_, err = h.svc.UpdateJob(ctx, bob, d.ID, JobUpdate{ClusterSize: &size})
	assert.ErrorIs(t, err, jobs.ErrPermissionDenied)

	require.NoError(t, h.svc.ShareJob(ctx, alice, d.ID, bob.ID, true))
	_, err = h.svc.UpdateJob(ctx, bob, d.ID, JobUpdate{ClusterSize: &size})
	require.NoError(t, err)

	_, err = h.svc.UpdateJob(ctx, admin, d.ID, JobUpdate{ClusterSize: &size})
	require.NoError(t, err)
}

func TestDeleteJobWithActiveRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dueJob(t, "doomed")
	r := h.started(t, d)

	err := h.svc.DeleteJob(ctx, alice, d.ID, DeleteOptions{})
	assert.ErrorIs(t, err, jobs.ErrActiveRunConflict)
	assert.Equal(t, jobs.StatusRunning, h.run(t, r.ID).Status)

	require.NoError(t, h.svc.DeleteJob(ctx, alice, d.ID, DeleteOptions{CancelActive: true}))

	_, err = h.store.GetJob(ctx, d.ID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	got := h.run(t, r.ID)
	assert.Equal(t, jobs.StatusCancelled, got.Status)
	assert.True(t, got.ClusterTerminated)
	assert.Equal(t, "doomed", got.JobIdentifier)
	assert.Equal(t, 1, h.compute.terminations(r.ClusterRef))
	// Cancellation is not a failure: no retry, no notice.
	assert.Len(t, h.runs(t, d.ID), 1)
	assert.Empty(t, h.notes.kinds())
}

func TestDeleteJobPermission(t *testing.T) {
	h := newHarness(t)
	d := h.dueJob(t, "mine")
	err := h.svc.DeleteJob(context.Background(), bob, d.ID, DeleteOptions{})
	assert.ErrorIs(t, err, jobs.ErrPermissionDenied)
	h.job(t, d.ID)
}

func TestCheckIdentifier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dueJob(t, "taken")

	res, err := h.svc.CheckIdentifier(ctx, alice, "free", "")
	require.NoError(t, err)
	assert.Equal(t, IdentifierCheck{Identifier: "free", Available: true}, res)

	res, err = h.svc.CheckIdentifier(ctx, bob, "taken", "")
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.Equal(t, "taken-1", res.Alternative)

	res, err = h.svc.CheckIdentifier(ctx, alice, "taken", d.ID)
	require.NoError(t, err)
	assert.True(t, res.Available)

	_, err = h.svc.CheckIdentifier(ctx, alice, "", "")
	assert.True(t, jobs.IsValidation(err))
}

func TestNewJobDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec, err := h.svc.NewJobDefaults(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice-telemetry-scheduled-task", spec.Identifier)
	assert.Equal(t, 1, spec.ClusterSize)
	assert.Equal(t, jobs.Weekly, spec.Interval)
	assert.Equal(t, 24*60, spec.TimeoutMinutes)
	assert.True(t, spec.StartDate.Equal(t0))

	h.dueJob(t, spec.Identifier)
	spec, err = h.svc.NewJobDefaults(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice-telemetry-scheduled-task-1", spec.Identifier)
}

func TestListJobsFor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	own := h.dueJob(t, "alice-job")
	other, err := h.svc.CreateJob(ctx, bob, h.spec("bob-job", t0))
	require.NoError(t, err)
	_, err = h.svc.CreateJob(ctx, bob, h.spec("bob-private", t0))
	require.NoError(t, err)
	require.NoError(t, h.svc.ShareJob(ctx, bob, other.ID, alice.ID, false))

	list, err := h.svc.ListJobsFor(ctx, alice)
	require.NoError(t, err)
	ids := []string{}
	for _, d := range list {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{own.ID, other.ID}, ids)
}

func TestDownloadOutputWithoutRuns(t *testing.T) {
	h := newHarness(t)
	d := h.dueJob(t, "fresh")
	_, err := h.svc.DownloadOutput(context.Background(), alice, d.ID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	_, err = h.svc.DownloadOutput(context.Background(), bob, d.ID)
	assert.ErrorIs(t, err, jobs.ErrPermissionDenied)
}

func TestListRunsAfterDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dueJob(t, "history")
	h.started(t, d)
	require.NoError(t, h.svc.DeleteJob(ctx, alice, d.ID, DeleteOptions{CancelActive: true}))

	_, err := h.svc.ListRuns(ctx, alice, d.ID, 0)
	assert.True(t, errors.Is(err, jobs.ErrNotFound))

	runs, err := h.store.ListRuns(ctx, storage.RunQuery{JobID: d.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
