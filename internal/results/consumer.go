// Package results consumes terminal and intermediate result messages,
// correlates them with cached jobs and drives grading side effects.
package results

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/codelab-lv/sandbox/api"
	"github.com/codelab-lv/sandbox/internal/jobcache"
	"github.com/codelab-lv/sandbox/internal/worker"
	mapset "github.com/deckarep/golang-set/v2"
)

type Consumer struct {
	cache       *jobcache.Cache
	broadcaster Broadcaster
	problems    ProblemCatalog
	stats       StatsRecorder
	rewards     RewardGranter
	submissions SubmissionStore
	autosaves   AutosaveStore
	logger      *slog.Logger
}

func NewConsumer(
	cache *jobcache.Cache,
	broadcaster Broadcaster,
	problems ProblemCatalog,
	stats StatsRecorder,
	rewards RewardGranter,
	submissions SubmissionStore,
	autosaves AutosaveStore,
	logger *slog.Logger,
) *Consumer {
	return &Consumer{
		cache:       cache,
		broadcaster: broadcaster,
		problems:    problems,
		stats:       stats,
		rewards:     rewards,
		submissions: submissions,
		autosaves:   autosaves,
		logger:      logger,
	}
}

// Handle processes one result delivery. Delivery is at-least-once and
// terminal results are not deduplicated here; reward granting keys on the
// job id behind the RewardGranter contract.
func (c *Consumer) Handle(ctx context.Context, body []byte) worker.Verdict {
	var msg api.ResultMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		// A message that cannot even be decoded will never succeed on
		// redelivery; requeueing it would poison the queue.
		c.logger.Error("dropping undecodable result message", "error", err)
		return worker.Drop
	}
	if msg.JobId == "" {
		c.logger.Error("dropping result message without job id")
		return worker.Drop
	}
	if !msg.Status.Known() {
		// Redelivery cannot repair a corrupt status, and defaulting it to
		// terminal would run grading side effects on garbage.
		c.logger.Error("dropping result with unknown status",
			"job_id", msg.JobId, "status", msg.Status)
		return worker.Drop
	}

	entry, ok := c.cache.Get(msg.JobId)
	if !ok {
		// Bookkeeping expired or never existed. Retrying cannot fix that.
		c.logger.Warn("dropping result for unknown job", "job_id", msg.JobId)
		return worker.Drop
	}

	entry.Responses = append(entry.Responses, msg)
	c.cache.Put(entry)

	if err := c.broadcaster.Broadcast(msg); err != nil {
		c.logger.Error("failed to broadcast status update",
			"job_id", msg.JobId, "error", err)
	}

	if !msg.Status.Terminal() {
		return worker.Ack
	}
	return c.grade(ctx, entry, msg)
}

// grade runs the terminal side effects. Ordering matters: on an all-passed
// submission the reward and the submission record land before the autosave
// is deleted, so a mid-pipeline failure never destroys the last known-good
// snapshot.
func (c *Consumer) grade(ctx context.Context, entry jobcache.Entry, msg api.ResultMessage) worker.Verdict {
	log := c.logger.With("job_id", entry.JobId, "user_id", entry.UserId)

	outcome, err := c.validate(ctx, entry, msg)
	if err != nil {
		// The catalog is an external service; let another consumer retry.
		log.Error("failed to validate test outcomes", "error", err)
		return worker.NackRequeue
	}

	if err := c.stats.Record(ctx, entry.JobId, entry.UserId, msg.Status, outcome); err != nil {
		log.Error("failed to record execution statistics", "error", err)
	}

	if entry.ProblemId == nil {
		return worker.Ack
	}
	problemId := *entry.ProblemId

	if outcome != ValidationPassed {
		if err := c.autosaves.Save(ctx, entry.UserId, problemId, entry.Code); err != nil {
			log.Error("failed to save autosave snapshot", "error", err)
		}
		return worker.Ack
	}

	if entry.JobType != api.JobTypeSubmission {
		return worker.Ack
	}

	if err := c.rewards.Grant(ctx, entry.UserId, entry.JobId, problemId); err != nil {
		log.Error("failed to grant reward", "error", err)
		return worker.Ack
	}
	if err := c.submissions.Persist(ctx, entry.UserId, problemId, entry.Code); err != nil {
		log.Error("failed to persist submission", "error", err)
		return worker.Ack
	}
	if err := c.autosaves.Delete(ctx, entry.UserId, problemId); err != nil {
		log.Error("failed to delete autosave snapshot", "error", err)
	}
	return worker.Ack
}

// validate compares the terminal message's test outcomes against the
// problem's canonical test set. Jobs without a problem binding skip
// validation.
func (c *Consumer) validate(ctx context.Context, entry jobcache.Entry, msg api.ResultMessage) (ValidationOutcome, error) {
	if entry.ProblemId == nil {
		return ValidationNotApplicable, nil
	}
	if msg.Status != api.StatusCompleted {
		return ValidationFailed, nil
	}

	canonicalIds, err := c.problems.TestIds(ctx, *entry.ProblemId)
	if err != nil {
		return ValidationFailed, err
	}

	canonical := mapset.NewSet(canonicalIds...)
	passed := mapset.NewSet[string]()
	for _, t := range msg.Tests {
		if t.Passed {
			passed.Add(t.TestId)
		}
	}

	if canonical.IsSubset(passed) {
		return ValidationPassed, nil
	}
	return ValidationFailed, nil
}
