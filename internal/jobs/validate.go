package jobs

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const MaxIdentifierLen = 100

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Limits bounds user-provided sizing.
type Limits struct {
	MaxClusterSize    int
	MaxTimeoutMinutes int
}

func ValidateIdentifier(s string) error {
	switch {
	case strings.TrimSpace(s) == "":
		return Invalid("identifier", "must not be empty")
	case len(s) > MaxIdentifierLen:
		return Invalid("identifier", "must be at most %d characters", MaxIdentifierLen)
	case !identifierRe.MatchString(s):
		return Invalid("identifier", "may only contain letters, digits, '.', '_' and '-'")
	}
	return nil
}

func ValidateClusterSize(n int, lim Limits) error {
	if n < 1 {
		return Invalid("cluster_size", "must be at least 1")
	}
	if lim.MaxClusterSize > 0 && n > lim.MaxClusterSize {
		return Invalid("cluster_size", "must be at most %d", lim.MaxClusterSize)
	}
	return nil
}

func ValidateTimeout(minutes int, lim Limits) error {
	if minutes < 1 {
		return Invalid("timeout_minutes", "must be at least 1")
	}
	if lim.MaxTimeoutMinutes > 0 && minutes > lim.MaxTimeoutMinutes {
		return Invalid("timeout_minutes", "must be at most %d", lim.MaxTimeoutMinutes)
	}
	return nil
}

func ValidateInterval(i Interval) error {
	if !i.Valid() {
		return Invalid("interval", "must be one of daily, weekly, monthly")
	}
	return nil
}

func ValidateWindow(start time.Time, end *time.Time) error {
	if start.IsZero() {
		return Invalid("start_date", "is required")
	}
	if end != nil && !end.After(start) {
		return Invalid("end_date", "must be after start_date")
	}
	return nil
}

func ValidatePayload(l Location) error {
	if strings.TrimSpace(l.Bucket) == "" || strings.TrimSpace(l.Key) == "" {
		return Invalid("payload", "bucket and key are required")
	}
	return nil
}

// Validate checks every field of d and returns all failures at once as a
// *multierror.Error of *ValidationError values, or nil.
func Validate(d *Definition, lim Limits) error {
	var merr *multierror.Error
	for _, err := range []error{
		ValidateIdentifier(d.Identifier),
		ValidateClusterSize(d.ClusterSize, lim),
		ValidateInterval(d.Interval),
		ValidateWindow(d.StartDate, d.EndDate),
		ValidateTimeout(d.TimeoutMinutes, lim),
		ValidatePayload(d.Payload),
	} {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// ValidationErrors flattens err into its field errors. It returns nil when err
// carries none.
func ValidationErrors(err error) []*ValidationError {
	if err == nil {
		return nil
	}
	var out []*ValidationError
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			out = append(out, ValidationErrors(e)...)
		}
		return out
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		out = append(out, ve)
	}
	return out
}

// IsValidation reports whether err carries at least one ValidationError.
func IsValidation(err error) bool {
	return len(ValidationErrors(err)) > 0
}
