package results

import (
	"context"

	"github.com/codelab-lv/sandbox/api"
)

// The grading collaborators live outside this system; the consumer only
// depends on these narrow contracts.

// ProblemCatalog resolves the canonical test set of a problem.
type ProblemCatalog interface {
	TestIds(ctx context.Context, problemId string) ([]string, error)
}

// ValidationOutcome of a terminal result against the canonical test set.
type ValidationOutcome string

const (
	ValidationPassed        ValidationOutcome = "passed"
	ValidationFailed        ValidationOutcome = "failed"
	ValidationNotApplicable ValidationOutcome = "not_applicable"
)

// StatsRecorder records one execution-statistics entry per terminal result.
type StatsRecorder interface {
	Record(ctx context.Context, jobId, userId string, status api.Status, outcome ValidationOutcome) error
}

type RewardGranter interface {
	Grant(ctx context.Context, userId, jobId, problemId string) error
}

type SubmissionStore interface {
	Persist(ctx context.Context, userId, problemId, code string) error
}

// AutosaveStore keeps the user's last known attempt per problem.
type AutosaveStore interface {
	Save(ctx context.Context, userId, problemId, code string) error
	Delete(ctx context.Context, userId, problemId string) error
}

// Broadcaster fans a result out to the job's live subscribers.
type Broadcaster interface {
	Broadcast(result api.ResultMessage) error
}
