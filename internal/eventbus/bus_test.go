package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	runs, unsubRuns := b.Subscribe(4, "run.")
	defer unsubRuns()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: RunStarted, Data: "r1"})
	b.Publish(Event{Type: JobDisabled, Data: "j1"})

	e := <-runs
	assert.Equal(t, RunStarted, e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Len(t, runs, 0)

	require.Len(t, all, 2)
	assert.Equal(t, RunStarted, (<-all).Type)
	assert.Equal(t, JobDisabled, (<-all).Type)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: RunCreated})
	b.Publish(Event{Type: RunCreated})
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeCloses(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: RunCreated})
}
