package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const DefaultEmailQueue = "email_jobs"

// Dial opens the broker connection shared by publisher and consumer.
func Dial(url string, logger *zap.Logger) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	if logger != nil {
		logger.Info("connected to rabbitmq")
	}
	return conn, nil
}

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher enqueues email jobs as persistent JSON messages on a
// durable queue. Safe for concurrent use.
type RabbitPublisher struct {
	mu     sync.Mutex
	ch     channel
	queue  string
	logger *zap.Logger
	now    func() time.Time
}

func NewRabbitPublisher(conn *amqp.Connection, queue string, logger *zap.Logger) (*RabbitPublisher, error) {
	if conn == nil {
		return nil, errors.New("rabbitmq connection is nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if queue == "" {
		queue = DefaultEmailQueue
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return newRabbitPublisher(ch, queue, logger), nil
}

func newRabbitPublisher(ch channel, queue string, logger *zap.Logger) *RabbitPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitPublisher{ch: ch, queue: queue, logger: logger, now: time.Now}
}

func (p *RabbitPublisher) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = p.now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal email job: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    job.EnqueuedAt,
		Type:         job.Type,
		Headers: amqp.Table{
			"message_type":     "JSON",
			"requeue_strategy": "DROP",
		},
	}

	// amqp channels are not safe for concurrent publishes
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
