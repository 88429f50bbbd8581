package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hisadmin.org/internal/audit"
)

func TestHubFiltersAndCloses(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())

	logouts := hub.Subscribe(ctx, audit.Filter{Action: audit.ActionLogout})
	everything := hub.Subscribe(ctx, audit.Filter{})
	require.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, audit.Event{ID: 1, Action: audit.ActionCreate}))
	require.NoError(t, hub.Publish(ctx, audit.Event{ID: 2, Action: audit.ActionLogout}))

	got := <-logouts
	assert.Equal(t, int64(2), got.ID)
	assert.Equal(t, int64(1), (<-everything).ID)
	assert.Equal(t, int64(2), (<-everything).ID)

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
	_, open := <-logouts
	assert.False(t, open)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := hub.Subscribe(ctx, audit.Filter{})
	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, hub.Publish(ctx, audit.Event{ID: int64(i + 1)}))
	}
	assert.Len(t, ch, subscriberBuffer)
	assert.Equal(t, int64(5), hub.Dropped())
}
