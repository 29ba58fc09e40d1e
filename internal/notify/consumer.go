package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer drains the email queue and hands each job to an EmailSender.
type Consumer struct {
	conn     *amqp.Connection
	queue    string
	prefetch int
	sender   EmailSender
	logger   *zap.Logger
}

func NewConsumer(conn *amqp.Connection, queue string, prefetch int, sender EmailSender, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queue == "" {
		queue = DefaultEmailQueue
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{conn: conn, queue: queue, prefetch: prefetch, sender: sender, logger: logger}
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.queue, "notify-worker", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Info("email consumer started", zap.String("queue", c.queue), zap.Int("prefetch", c.prefetch))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, d)
		}
	}
}

var errBadJob = errors.New("malformed email job")

func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("%w: %v", errBadJob, err)
	}
	if job.To == "" {
		return fmt.Errorf("%w: missing recipient", errBadJob)
	}
	return c.sender.Send(ctx, EmailMessage{
		To:      job.To,
		ToName:  job.ToName,
		Subject: job.Subject,
		Body:    job.Body,
	})
}

// process acks delivered jobs, drops malformed ones and requeues a failed
// send once.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	err := c.handle(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", zap.Error(ackErr))
		}
	case errors.Is(err, errBadJob):
		c.logger.Warn("dropping malformed email job", zap.Error(err))
		_ = d.Nack(false, false)
	default:
		requeue := !d.Redelivered
		c.logger.Error("email delivery failed", zap.Error(err), zap.Bool("requeue", requeue))
		_ = d.Nack(false, requeue)
	}
}
