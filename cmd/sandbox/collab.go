package main

import (
	"context"
	"log/slog"

	"github.com/codelab-lv/sandbox/api"
	"github.com/codelab-lv/sandbox/internal/results"
)

// The grading collaborators (problem catalog, rewards, submissions,
// autosaves) live in the platform backend. These stand-ins let the worker
// run without it; a deployment wires the real clients here.

type noopProblems struct{}

func (noopProblems) TestIds(ctx context.Context, problemId string) ([]string, error) {
	return nil, nil
}

type noopStats struct{ logger *slog.Logger }

func (n noopStats) Record(ctx context.Context, jobId, userId string, status api.Status, outcome results.ValidationOutcome) error {
	n.logger.Debug("stats entry", "job_id", jobId, "status", status, "validation", outcome)
	return nil
}

type noopRewards struct{ logger *slog.Logger }

func (n noopRewards) Grant(ctx context.Context, userId, jobId, problemId string) error {
	n.logger.Debug("reward grant", "user_id", userId, "job_id", jobId, "problem_id", problemId)
	return nil
}

type noopSubmissions struct{ logger *slog.Logger }

func (n noopSubmissions) Persist(ctx context.Context, userId, problemId, code string) error {
	n.logger.Debug("submission persisted", "user_id", userId, "problem_id", problemId)
	return nil
}

type noopAutosaves struct{ logger *slog.Logger }

func (n noopAutosaves) Save(ctx context.Context, userId, problemId, code string) error {
	n.logger.Debug("autosave saved", "user_id", userId, "problem_id", problemId)
	return nil
}

func (n noopAutosaves) Delete(ctx context.Context, userId, problemId string) error {
	n.logger.Debug("autosave deleted", "user_id", userId, "problem_id", problemId)
	return nil
}
