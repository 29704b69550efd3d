package identifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

func TestNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		candidate string
		taken     []string
		want      string
	}{
		{"free", "bar", []string{"foo", "foo-1"}, "bar"},
		{"first suffix", "foo", []string{"foo"}, "foo-1"},
		{"smallest gap", "foo", []string{"foo", "foo-1"}, "foo-2"},
		{"fills hole", "foo", []string{"foo", "foo-2", "foo-3"}, "foo-1"},
		{"empty namespace", "foo", nil, "foo"},
		{"suffix only taken", "foo", []string{"foo-1"}, "foo"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Next(tt.candidate, tt.taken))
		})
	}
}

type fakeNamespace struct {
	ids map[string]string // id -> identifier
	err error
}

func (f fakeNamespace) Identifiers(_ context.Context, prefix, excludeID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for id, ident := range f.ids {
		if id == excludeID {
			continue
		}
		if ident == prefix || strings.HasPrefix(ident, prefix+"-") {
			out = append(out, ident)
		}
	}
	return out, nil
}

func TestAllocateExcludesSelf(t *testing.T) {
	ns := fakeNamespace{ids: map[string]string{"j1": "foo", "j2": "foo-1"}}

	got, err := Allocate(context.Background(), ns, "foo", "")
	require.NoError(t, err)
	assert.Equal(t, "foo-2", got)

	got, err = Allocate(context.Background(), ns, "foo", "j1")
	require.NoError(t, err)
	assert.Equal(t, "foo", got)
}

func TestNextStaysWithinLengthLimit(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", jobs.MaxIdentifierLen)

	got := Next(long, []string{long})
	assert.Equal(t, strings.Repeat("a", 98)+"-1", got)
	assert.NoError(t, jobs.ValidateIdentifier(got))

	got = Next(long, []string{long, strings.Repeat("a", 98) + "-1"})
	assert.Equal(t, strings.Repeat("a", 98)+"-2", got)

	// separators left at the cut are dropped
	dotted := strings.Repeat("a", 97) + ".bc"
	got = Next(dotted, []string{dotted})
	assert.Equal(t, strings.Repeat("a", 97)+"-1", got)
	assert.NoError(t, jobs.ValidateIdentifier(got))
}

func TestAllocateSeesShortenedBases(t *testing.T) {
	long := strings.Repeat("b", jobs.MaxIdentifierLen)
	ns := fakeNamespace{ids: map[string]string{
		"j1": long,
		"j2": strings.Repeat("b", 98) + "-1",
	}}

	got, err := Allocate(context.Background(), ns, long, "")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 98)+"-2", got)
	assert.LessOrEqual(t, len(got), jobs.MaxIdentifierLen)
}

func TestAllocatePropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Allocate(context.Background(), fakeNamespace{err: boom}, "foo", "")
	assert.ErrorIs(t, err, boom)
}

func TestDefault(t *testing.T) {
	assert.Equal(t, "alice-telemetry-scheduled-task", Default("alice"))
	assert.Equal(t, "jane-doe-telemetry-scheduled-task", Default("Jane Doe"))
	assert.Equal(t, "user-example.com-telemetry-scheduled-task", Default("user@example.com"))
	assert.Equal(t, DefaultSuffix, Default("  "))
	assert.Len(t, Default(strings.Repeat("x", 200)), jobs.MaxIdentifierLen)
}
