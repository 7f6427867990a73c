package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codelab-lv/sandbox/api"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher delivers intermediate and terminal result messages.
type Publisher interface {
	Publish(ctx context.Context, msg api.ResultMessage) error
}

// AmqpPublisher publishes result envelopes to the shared durable results
// queue.
type AmqpPublisher struct {
	ch    *amqp.Channel
	queue string
}

func NewAmqpPublisher(ch *amqp.Channel, queue string) (*AmqpPublisher, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare results queue %s: %w", queue, err)
	}
	return &AmqpPublisher{ch: ch, queue: queue}, nil
}

func (p *AmqpPublisher) Publish(ctx context.Context, msg api.ResultMessage) error {
	msg.Out = trimStrToRect(msg.Out, maxOutputHeight, maxOutputWidth)
	msg.Err = trimStrToRect(msg.Err, maxOutputHeight, maxOutputWidth)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal result message: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(pctx, "", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}
