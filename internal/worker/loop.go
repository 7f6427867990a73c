// Package worker runs the message-driven job pipeline: a composed
// consume/ack/nack loop and the per-job execution orchestrator.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Verdict tells the consume loop what to do with a delivery.
type Verdict int

const (
	// Ack: handled (including handled failures that published a terminal
	// status).
	Ack Verdict = iota
	// NackRequeue: transient failure, let another consumer retry.
	NackRequeue
	// Drop: unrecoverable message, never requeue.
	Drop
)

// Handler processes one delivery body.
type Handler func(ctx context.Context, body []byte) Verdict

// Run consumes queue with a bounded prefetch until ctx is cancelled. The
// queue is declared durable, non-exclusive and non-auto-delete.
func Run(ctx context.Context, ch *amqp.Channel, queue string, prefetch int, handler Handler, logger *slog.Logger) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	logger.Info("consuming", "queue", queue, "prefetch", prefetch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			switch handler(ctx, d.Body) {
			case Ack:
				if err := d.Ack(false); err != nil {
					logger.Error("failed to ack delivery", "queue", queue, "error", err)
				}
			case NackRequeue:
				if err := d.Nack(false, true); err != nil {
					logger.Error("failed to nack delivery", "queue", queue, "error", err)
				}
			case Drop:
				if err := d.Nack(false, false); err != nil {
					logger.Error("failed to drop delivery", "queue", queue, "error", err)
				}
			}
		}
	}
}
