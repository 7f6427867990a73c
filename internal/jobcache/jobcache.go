// Package jobcache holds transient per-job bookkeeping between submission
// and terminal grading, bounded by a TTL.
package jobcache

import (
	"context"
	"time"

	"github.com/codelab-lv/sandbox/api"
	"github.com/puzpuzpuz/xsync/v3"
)

type Entry struct {
	JobId     string              `json:"job_id"`
	JobType   api.JobType         `json:"job_type"`
	UserId    string              `json:"user_id"`
	ProblemId *string             `json:"problem_id,omitempty"`
	Code      string              `json:"code"`
	Responses []api.ResultMessage `json:"responses"`
}

type item struct {
	entry     Entry
	expiresAt time.Time
}

type Cache struct {
	items *xsync.MapOf[string, item]
	ttl   time.Duration
	now   func() time.Time
}

func New(ttl time.Duration) *Cache {
	return &Cache{
		items: xsync.NewMapOf[string, item](),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Put stores the entry and refreshes its TTL.
func (c *Cache) Put(entry Entry) {
	c.items.Store(entry.JobId, item{
		entry:     entry,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Get returns the entry for jobId if it has not expired.
func (c *Cache) Get(jobId string) (Entry, bool) {
	it, ok := c.items.Load(jobId)
	if !ok {
		return Entry{}, false
	}
	if c.now().After(it.expiresAt) {
		c.items.Delete(jobId)
		return Entry{}, false
	}
	return it.entry, true
}

func (c *Cache) Delete(jobId string) {
	c.items.Delete(jobId)
}

// Run evicts expired entries until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := c.now()
			c.items.Range(func(key string, it item) bool {
				if now.After(it.expiresAt) {
					c.items.Delete(key)
				}
				return true
			})
		}
	}
}
