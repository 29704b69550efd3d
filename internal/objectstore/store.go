// Package objectstore is the blob storage collaborator: notebook payloads are
// read from it and captured outputs are written to it.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrThrottled      = errors.New("request throttled")
	ErrUnavailable    = errors.New("object store unavailable")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Exists      bool
	Size        int64
	ContentType string
}

// Store reads and writes whole objects.
//
// Head reports a missing object as Exists=false with a nil error. Get of a
// missing object returns an error matching ErrNotFound.
type Store interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

// Error records a failed object store call. Err is one of the sentinels above
// when the failure could be classified.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("objectstore %s s3://%s: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("objectstore %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether err is worth retrying on a later cycle.
func Transient(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
