package jobcache

import (
	"context"
	"testing"
	"time"

	"github.com/codelab-lv/sandbox/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(ttl time.Duration) (*Cache, *time.Time) {
	c := New(ttl)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestPutAndGet(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	c.Put(Entry{JobId: "job-1", UserId: "user-1", Code: "class Main {}"})

	got, ok := c.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, "user-1", got.UserId)
	assert.Equal(t, "class Main {}", got.Code)

	_, ok = c.Get("job-2")
	assert.False(t, ok)
}

func TestGet_ExpiredEntryIsGone(t *testing.T) {
	c, now := newTestCache(time.Minute)

	c.Put(Entry{JobId: "job-1"})
	*now = now.Add(time.Minute + time.Second)

	_, ok := c.Get("job-1")
	assert.False(t, ok)

	// Expired lookup also removes the item.
	_, loaded := c.items.Load("job-1")
	assert.False(t, loaded)
}

func TestPut_RefreshesTTL(t *testing.T) {
	c, now := newTestCache(time.Minute)

	c.Put(Entry{JobId: "job-1"})
	*now = now.Add(45 * time.Second)
	c.Put(Entry{JobId: "job-1", Responses: []api.ResultMessage{{JobId: "job-1", Status: api.StatusCompiling}}})
	*now = now.Add(45 * time.Second)

	got, ok := c.Get("job-1")
	require.True(t, ok, "refreshed entry outlives the original deadline")
	require.Len(t, got.Responses, 1)
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	c.Put(Entry{JobId: "job-1"})
	c.Delete("job-1")

	_, ok := c.Get("job-1")
	assert.False(t, ok)
}

func TestRun_EvictsExpiredEntries(t *testing.T) {
	c, now := newTestCache(time.Minute)

	c.Put(Entry{JobId: "stale"})
	*now = now.Add(30 * time.Second)
	c.Put(Entry{JobId: "fresh"})
	*now = now.Add(45 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, stale := c.items.Load("stale")
		return !stale
	}, time.Second, 5*time.Millisecond)

	_, fresh := c.items.Load("fresh")
	assert.True(t, fresh)
}
