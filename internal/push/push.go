// Package push broadcasts execution status updates to live subscribers of
// a job over NATS.
package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codelab-lv/sandbox/api"
	"github.com/codelab-lv/sandbox/internal/jobcache"
	"github.com/nats-io/nats.go"
)

// ErrNotOwner is returned when the subscribing caller is not the job's
// owning user.
var ErrNotOwner = errors.New("caller does not own this job")

type Channel struct {
	nc    *nats.Conn
	cache *jobcache.Cache
}

func New(nc *nats.Conn, cache *jobcache.Cache) *Channel {
	return &Channel{nc: nc, cache: cache}
}

func subject(jobId string) string {
	return "job.status." + jobId
}

// Broadcast publishes the update to every subscriber of the job's group.
func (c *Channel) Broadcast(result api.ResultMessage) error {
	event := api.StatusEvent{
		Event:  api.EventExecutionStatusUpdated,
		Result: result,
	}
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	if err := c.nc.Publish(subject(result.JobId), b); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}

// Subscribe attaches a caller to the job's update stream. The caller
// identity must match the job's owning user. Unsubscribing does not cancel
// the underlying job.
func (c *Channel) Subscribe(jobId, callerUserId string, fn func(api.StatusEvent)) (*nats.Subscription, error) {
	entry, ok := c.cache.Get(jobId)
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobId)
	}
	if entry.UserId != callerUserId {
		return nil, ErrNotOwner
	}

	return c.nc.Subscribe(subject(jobId), func(m *nats.Msg) {
		var event api.StatusEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			return
		}
		fn(event)
	})
}
