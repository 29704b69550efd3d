package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Executor adapts the engine to keyed work submission: every call becomes a
// task whose ConcurrencyKey is key, skipped while the same key is queued or
// running.
//
// Opt sets the retry policy of submitted work; RetryMax 0 uses the engine's
// retry_max. Work signals permanent failures with NoRetry and throttling with
// RetryAfter. The overlap policy is always skip-if-running.
type Executor struct {
	Engine  *Service
	Name    string
	Timeout time.Duration
	Opt     TaskOptions
}

// Submit enqueues fn. An overlap skip is not an error: the key's previous
// work is still pending. When the engine is disabled fn runs inline.
func (e Executor) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if e.Engine == nil || !e.Engine.Enabled() {
		return fn(ctx)
	}
	opt := e.Opt
	opt.Overlap = OverlapSkipIfRunning
	err := e.Engine.Submit(ctx, Task{
		Name:           fmt.Sprintf("%s[%s]", e.Name, key),
		Timeout:        e.Timeout,
		Run:            fn,
		ConcurrencyKey: key,
		Opt:            opt,
	})
	switch {
	case errors.Is(err, ErrOverlapSkip):
		return nil
	case errors.Is(err, ErrDisabled):
		return fn(ctx)
	}
	return err
}
