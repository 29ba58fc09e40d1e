package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const expiryBatchSize = 100

// ExpireStalePayLater is the backstop for pay-later holds the gateway never
// expires. Appointments still PENDING/unpaid after PayLaterHoldTTL are
// released exactly like a checkout.expired event. Returns the number of
// slots freed. Called periodically by the expiry worker.
func (s *Service) ExpireStalePayLater(ctx context.Context) (int, error) {
	ttl := s.cfg.PayLaterHoldTTL
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-ttl)

	candidates, err := s.repo.FindStalePayLater(ctx, cutoff, expiryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find stale pay-later appointments: %w", err)
	}

	released := 0
	for _, appt := range candidates {
		ok, err := s.expireHold(ctx, appt.ID, cutoff)
		if err != nil {
			s.logger.Error("failed to expire pay-later hold",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}
	return released, nil
}

func (s *Service) expireHold(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	released := false
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		appt, err := tx.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		// re-check under the row lock; a webhook or cancellation may have won
		if appt.Status != StatusPending || appt.PaymentStatus != PaymentPending || !appt.CreatedAt.Before(cutoff) {
			return nil
		}
		pay, err := tx.LockPaymentByAppointment(ctx, appt.ID)
		if err != nil {
			return err
		}
		if pay.Status != PaymentPending {
			return nil
		}

		released, err = failHold(ctx, tx, appt, pay, holdFailure{
			eventType: EventHoldExpired,
			details:   map[string]any{"reason": "pay_later_hold_ttl", "ttl": s.cfg.PayLaterHoldTTL.String()},
		}, s.now(), s.logger)
		return err
	})
	if err != nil {
		return false, err
	}
	if released {
		s.metrics.ObserveSlotRelease("hold_expired")
		s.logger.Warn("pay-later hold expired; slot released", zap.String("appointment_id", id.String()))
	}
	return released, nil
}
