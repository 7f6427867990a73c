package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/codelab-lv/sandbox/api"
)

// SqsStatsRecorder publishes one execution-statistics entry per terminal
// result to an SQS queue drained by the analytics pipeline.
type SqsStatsRecorder struct {
	sqsClient *sqs.Client
	queueUrl  string
}

func NewSqsStatsRecorder(sqsClient *sqs.Client, queueUrl string) *SqsStatsRecorder {
	return &SqsStatsRecorder{sqsClient: sqsClient, queueUrl: queueUrl}
}

type statsEntry struct {
	JobId      string            `json:"job_id"`
	UserId     string            `json:"user_id"`
	Status     api.Status        `json:"status"`
	Validation ValidationOutcome `json:"validation"`
	RecordedAt string            `json:"recorded_at"`
}

func (r *SqsStatsRecorder) Record(ctx context.Context, jobId, userId string, status api.Status, outcome ValidationOutcome) error {
	entry := statsEntry{
		JobId:      jobId,
		UserId:     userId,
		Status:     status,
		Validation: outcome,
		RecordedAt: time.Now().Format(time.RFC3339),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal stats entry: %w", err)
	}

	_, err = r.sqsClient.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueUrl),
		MessageBody: aws.String(string(b)),
	})
	if err != nil {
		return fmt.Errorf("failed to send stats entry: %w", err)
	}
	return nil
}
