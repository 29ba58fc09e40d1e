package appointment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// holdFailure describes why a pending payment is being failed.
type holdFailure struct {
	eventType string
	eventID   *string
	payload   []byte
	details   map[string]any
}

// failHold marks a pending payment FAILED. Unless the appointment already
// gave up its slot, the appointment is cancelled and the ledger entry freed
// in the same transaction. It reports whether a slot was released.
// appt and pay must already be locked by the caller.
func failHold(ctx context.Context, tx TxRepository, appt *Appointment, pay *Payment, f holdFailure, at time.Time, logger *zap.Logger) (bool, error) {
	if _, err := tx.UpdatePayment(ctx, PaymentUpdate{
		ID:      pay.ID,
		From:    PaymentPending,
		To:      PaymentFailed,
		EventID: f.eventID,
		Payload: f.payload,
	}); err != nil {
		return false, err
	}

	released := false
	next := appt.Status
	if appt.HoldsSlot() && appt.Status != StatusCompleted {
		next = StatusCancelled
		released = true
	}
	if _, err := tx.UpdateAppointmentState(ctx, appt.ID, appt.Status, next, PaymentFailed); err != nil {
		return false, err
	}
	if released {
		if err := tx.ReleaseSlot(ctx, appt.DoctorID, appt.ScheduleID); err != nil {
			return false, err
		}
	}

	details := map[string]any{
		"payment_id":      pay.ID.String(),
		"previous_status": appt.Status,
		"slot_released":   released,
	}
	for k, v := range f.details {
		details[k] = v
	}
	if err := tx.InsertEvent(ctx, newEvent(appt.ID, f.eventType, details, at, logger)); err != nil {
		return false, err
	}
	return released, nil
}
