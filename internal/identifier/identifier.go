// Package identifier allocates unique, human-readable job identifiers.
//
// Allocation is a pure function of a namespace snapshot. It does not guarantee
// uniqueness under concurrent creation; the store enforces that at commit time
// and reports a conflict, after which callers allocate again.
package identifier

import (
	"context"
	"strconv"
	"strings"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

// DefaultSuffix is appended to the owner name to build the default identifier.
const DefaultSuffix = "telemetry-scheduled-task"

// Namespace lists identifiers already in use that equal prefix or start with
// prefix+"-". The job with id excludeID is left out of the result so an
// edit-in-place keeps its own identifier.
type Namespace interface {
	Identifiers(ctx context.Context, prefix, excludeID string) ([]string, error)
}

// Next returns candidate when it is not in taken, otherwise candidate-N for
// the smallest positive N not in taken. The candidate is shortened as needed
// so candidate-N stays within jobs.MaxIdentifierLen.
func Next(candidate string, taken []string) string {
	used := make(map[string]struct{}, len(taken))
	for _, s := range taken {
		used[s] = struct{}{}
	}
	if _, ok := used[candidate]; !ok {
		return candidate
	}
	for n := 1; ; n++ {
		suffix := "-" + strconv.Itoa(n)
		s := base(candidate, len(suffix)) + suffix
		if _, ok := used[s]; !ok {
			return s
		}
	}
}

// maxSuffixLen bounds the suffixes whose shortened bases Allocate looks up.
const maxSuffixLen = len("-999999")

// base trims candidate so that a suffix of suffixLen bytes fits.
func base(candidate string, suffixLen int) string {
	limit := jobs.MaxIdentifierLen - suffixLen
	if len(candidate) <= limit {
		return candidate
	}
	return strings.TrimRight(candidate[:limit], "-._")
}

// Allocate snapshots ns and applies Next. Long candidates are also looked up
// under their shortened bases.
func Allocate(ctx context.Context, ns Namespace, candidate, excludeID string) (string, error) {
	prefixes := []string{candidate}
	for l := 2; l <= maxSuffixLen; l++ {
		if b := base(candidate, l); b != prefixes[len(prefixes)-1] {
			prefixes = append(prefixes, b)
		}
	}
	var taken []string
	for _, p := range prefixes {
		ids, err := ns.Identifiers(ctx, p, excludeID)
		if err != nil {
			return "", err
		}
		taken = append(taken, ids...)
	}
	return Next(candidate, taken), nil
}

// Default builds the default identifier for a user name, keeping only the
// characters allowed in identifiers.
func Default(userName string) string {
	slug := base(Slug(userName), len(DefaultSuffix)+1)
	if slug == "" {
		return DefaultSuffix
	}
	return slug + "-" + DefaultSuffix
}

// Slug lowercases s and replaces runs of disallowed characters with '-'.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.Trim(b.String(), "-._")
}
