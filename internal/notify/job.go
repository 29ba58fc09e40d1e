package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Job types carried on the email queue.
const (
	JobAppointmentBooked    = "appointment_booked"
	JobAppointmentCancelled = "appointment_cancelled"
	JobPaymentReceived      = "payment_received"
)

// Job is one "send email" request. It is serialized as JSON onto the queue.
type Job struct {
	Type          string    `json:"type"`
	To            string    `json:"to"`
	ToName        string    `json:"to_name,omitempty"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// LogPublisher stands in for the queue when RABBITMQ_URL is unset.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Enqueue(_ context.Context, job Job) error {
	p.logger.Info("email job (queue disabled)",
		zap.String("type", job.Type),
		zap.String("to", job.To),
		zap.String("subject", job.Subject))
	return nil
}
