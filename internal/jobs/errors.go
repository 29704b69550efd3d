package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	// ErrActiveRunConflict rejects an operation that is not allowed while the
	// job has a pending, provisioning or running run.
	ErrActiveRunConflict = fmt.Errorf("%w: job has an active run", ErrConflict)
	// ErrExpired reports that a job's end date has been reached.
	ErrExpired = errors.New("schedule expired")
	// ErrExternalServiceUnavailable marks an outage of a collaborator (compute,
	// object storage). Monitoring outages never fail a run.
	ErrExternalServiceUnavailable = errors.New("external service unavailable")
)

// ValidationError reports a bad input field. It never implies a state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictKind distinguishes the races a ConflictError can report.
type ConflictKind string

const (
	ConflictIdentifier ConflictKind = "identifier"
	ConflictActiveRun  ConflictKind = "active_run"
	ConflictOccurrence ConflictKind = "occurrence"
	ConflictStale      ConflictKind = "stale"
)

// ConflictError is returned when a commit loses a race. Callers retry with a
// fresh snapshot.
type ConflictError struct {
	Kind ConflictKind
	// Identifier is the contested job identifier (identifier conflicts).
	Identifier string
	// Alternative is a suggested free identifier, when one was computed.
	Alternative string
	// JobID is set for run conflicts.
	JobID string
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictIdentifier:
		if e.Alternative != "" {
			return fmt.Sprintf("conflict: identifier %q is taken (try %q)", e.Identifier, e.Alternative)
		}
		return fmt.Sprintf("conflict: identifier %q is taken", e.Identifier)
	case ConflictActiveRun:
		return fmt.Sprintf("conflict: job %s already has an active run", e.JobID)
	case ConflictOccurrence:
		return fmt.Sprintf("conflict: job %s occurrence already dispatched", e.JobID)
	default:
		return "conflict: record changed concurrently"
	}
}

func (e *ConflictError) Is(target error) bool {
	if target == ErrConflict {
		return true
	}
	return target == ErrActiveRunConflict && e.Kind == ConflictActiveRun
}

// IsConflictKind reports whether err is a ConflictError of kind k.
func IsConflictKind(err error, k ConflictKind) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Kind == k
}

// ProvisioningError wraps a failed compute launch.
type ProvisioningError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// TimeoutError reports a run that exceeded its wall-clock limit.
type TimeoutError struct {
	RunID   string
	Limit   time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s exceeded timeout %s (elapsed %s)", e.RunID, e.Limit, e.Elapsed.Round(time.Second))
}

// ArtifactCaptureError reports an output copy failure. It is attached to a
// succeeded run as a warning.
type ArtifactCaptureError struct {
	Location Location
	Err      error
}

func (e *ArtifactCaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Location, e.Err)
}

func (e *ArtifactCaptureError) Unwrap() error { return e.Err }

// ServiceError wraps a failed call to an external collaborator.
type ServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func (e *ServiceError) Is(target error) bool { return target == ErrExternalServiceUnavailable }
