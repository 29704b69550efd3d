package compute

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/objectstore"
)

// Local simulates clusters in process: after Delay a launched cluster copies
// its payload to the output location and reports success. It backs the
// "local" compute driver used for development against the memory object
// store.
type Local struct {
	objects objectstore.Store
	delay   time.Duration
	now     func() time.Time

	mu       sync.Mutex
	clusters map[string]*localCluster
}

type localCluster struct {
	spec       LaunchSpec
	launched   time.Time
	terminated bool
	done       bool
	failed     string
}

func NewLocal(objects objectstore.Store, delay time.Duration) *Local {
	return &Local{objects: objects, delay: delay, now: time.Now, clusters: map[string]*localCluster{}}
}

func (l *Local) Launch(_ context.Context, spec LaunchSpec) (string, error) {
	ref := "local-" + ClientToken(spec.IdempotencyKey)[:16]
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clusters[ref]; !ok {
		l.clusters[ref] = &localCluster{spec: spec, launched: l.now()}
	}
	return ref, nil
}

func (l *Local) Terminate(_ context.Context, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clusters[ref]; ok {
		c.terminated = true
	}
	return nil
}

func (l *Local) Status(ctx context.Context, ref string) (Status, error) {
	l.mu.Lock()
	c, ok := l.clusters[ref]
	if !ok {
		l.mu.Unlock()
		return Status{State: StateUnknown}, nil
	}
	if c.terminated && !c.done {
		l.mu.Unlock()
		return Status{State: StateFailed, Detail: "terminated"}, nil
	}
	if l.now().Sub(c.launched) < l.delay {
		l.mu.Unlock()
		return Status{State: StateRunning}, nil
	}
	done, failed, spec := c.done, c.failed, c.spec
	l.mu.Unlock()

	if !done {
		failed = l.execute(ctx, spec)
		l.mu.Lock()
		c.done, c.failed = true, failed
		l.mu.Unlock()
	}
	if failed != "" {
		return Status{State: StateFailed, Detail: failed}, nil
	}
	return Status{State: StateSucceeded, Detail: "exit status 0"}, nil
}

func (l *Local) execute(ctx context.Context, spec LaunchSpec) string {
	body, err := l.objects.Get(ctx, spec.Payload.Bucket, spec.Payload.Key)
	if err != nil {
		return err.Error()
	}
	if strings.TrimSpace(string(body)) == "" {
		return "empty notebook"
	}
	if err := l.objects.Put(ctx, spec.Output.Bucket, spec.Output.Key, body, "application/x-ipynb+json"); err != nil {
		return err.Error()
	}
	return ""
}
