// Package compute is the cluster provisioning collaborator. A cluster is an
// ephemeral group of instances launched for one run and torn down after it.
package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

// State is the externally observed cluster state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateUnknown      State = "unknown"
)

func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

var (
	// ErrCapacityExhausted means the shared quota or the provider's capacity is
	// used up. It never counts as a job failure.
	ErrCapacityExhausted = errors.New("cluster capacity exhausted")
	ErrThrottled         = errors.New("provisioning request throttled")
	ErrUnavailable       = errors.New("compute provider unavailable")
	ErrClusterNotFound   = errors.New("cluster not found")
	ErrAccessDenied      = errors.New("compute access denied")
)

// LaunchSpec describes the cluster for one run attempt.
type LaunchSpec struct {
	// Name labels the instances (job identifier).
	Name            string
	Size            int
	InstanceProfile string
	// IdempotencyKey makes repeated launches of the same attempt return the
	// same cluster.
	IdempotencyKey string
	// Payload is the notebook to execute, Output where the executed notebook
	// is written before the cluster shuts down.
	Payload      jobs.Location
	NotebookName string
	Output       jobs.Location
	Tags         map[string]string
}

// Status is the result of a status query.
type Status struct {
	State State
	// Detail carries provider context (exit status, state reason).
	Detail string
}

// Provisioner launches, inspects and terminates clusters.
type Provisioner interface {
	Launch(ctx context.Context, spec LaunchSpec) (ref string, err error)
	// Terminate is idempotent: an unknown or already terminated cluster is
	// not an error.
	Terminate(ctx context.Context, ref string) error
	Status(ctx context.Context, ref string) (Status, error)
}

// ProviderError records a failed provider call.
type ProviderError struct {
	Op   string
	Ref  string
	Code string
	Err  error
}

func (e *ProviderError) Error() string {
	msg := "compute " + e.Op
	if e.Ref != "" {
		msg += " " + e.Ref
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %v", msg, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether a launch error should be retried with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrCapacityExhausted) || errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
