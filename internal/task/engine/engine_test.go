package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-k/telemetry-analysis-service/internal/eventbus"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestDisabledEngineRejects(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestTaskRunsAndRecordsHistory(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	done := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), Task{Name: "scan", Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	<-done

	assert.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	item := s.Snapshot().History[0]
	assert.Equal(t, "scan", item.Name)
	assert.Empty(t, item.Error)
}

func TestRetriesThenSucceeds(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}))
	assert.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, s.Snapshot().History[0].Error)
}

func TestNoRetryStopsImmediately(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})
	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Task{Name: "bad-input", Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad input"))
	}}))
	assert.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "bad input", s.Snapshot().History[0].Error)
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	require.NoError(t, s.Enqueue(Task{Name: "panics", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error {
		panic("boom")
	}}))
	assert.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, s.Snapshot().History[0].Error, "panic: boom")
}

func TestOverlapSkipPerKey(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	block := Task{Name: "dispatch", ConcurrencyKey: "job:1", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, s.Enqueue(block))
	<-started

	err := s.Enqueue(Task{Name: "poll", ConcurrencyKey: "job:1", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrOverlapSkip)

	// Other keys are not affected.
	ran := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "poll", ConcurrencyKey: "job:2", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(ran)
		return nil
	}}))
	<-ran
	close(release)
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)
}

func TestExecutorRunsInlineWhenDisabled(t *testing.T) {
	ex := Executor{Engine: New(Config{}, logx.Nop(), nil), Name: "lifecycle"}
	called := false
	err := ex.Submit(context.Background(), "job:1", func(context.Context) error {
		called = true
		return errors.New("visible")
	})
	assert.True(t, called)
	assert.EqualError(t, err, "visible")
}

func TestExecutorSwallowsOverlap(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	ex := Executor{Engine: s, Name: "lifecycle"}
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, ex.Submit(context.Background(), "job:1", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	assert.NoError(t, ex.Submit(context.Background(), "job:1", func(context.Context) error {
		t.Error("overlapping work must not run")
		return nil
	}))
	close(release)
	assert.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "lifecycle[job:1]", s.Snapshot().History[0].Name)
}

func TestRetryDelayHonoursHint(t *testing.T) {
	opt := DefaultTaskOptions(Config{})
	bo := newRetryBackOff(opt)
	assert.Equal(t, 2*time.Second, retryDelay(opt, bo, RetryAfter(errors.New("429"), 2*time.Second)))
	assert.Equal(t, opt.RetryMaxDelay, retryDelay(opt, bo, RetryAfter(errors.New("429"), time.Hour)))
	d := retryDelay(opt, bo, errors.New("plain"))
	assert.True(t, d > 0 && d <= opt.RetryMaxDelay)
}

func TestExecutorFollowsEngineRetryPolicy(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 2})
	ex := Executor{Engine: s, Name: "lifecycle", Opt: TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}}

	var flaky atomic.Int32
	require.NoError(t, ex.Submit(context.Background(), "job:1", func(context.Context) error {
		if flaky.Add(1) < 3 {
			return RetryAfter(errors.New("throttled"), time.Millisecond)
		}
		return nil
	}))
	assert.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), flaky.Load())
	assert.Empty(t, s.Snapshot().History[0].Error)

	var permanent atomic.Int32
	require.NoError(t, ex.Submit(context.Background(), "job:2", func(context.Context) error {
		permanent.Add(1)
		return NoRetry(errors.New("invalid"))
	}))
	assert.Eventually(t, func() bool { return len(s.Snapshot().History) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), permanent.Load())
	assert.Equal(t, "invalid", s.Snapshot().History[1].Error)
}
