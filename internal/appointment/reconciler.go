package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/gateway"
	"github.com/hackgods/doctor-appointment-payments/internal/metrics"
)

// EventVerifier authenticates a raw webhook body and decodes it.
type EventVerifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (gateway.Event, error)
}

type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeSlotReleased     Outcome = "slot_released"
)

type ReconcileResult struct {
	EventID       string
	EventType     string
	Outcome       Outcome
	AppointmentID uuid.UUID
	PaymentID     uuid.UUID
}

// Reconciler applies gateway webhook events to payments and appointments.
// Every authenticated event is acknowledged; only a bad signature or an
// infrastructure failure returns an error.
type Reconciler struct {
	repo     Repository
	verifier EventVerifier
	metrics  *metrics.BookingMetrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(repo Repository, verifier EventVerifier, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{repo: repo, verifier: verifier, logger: logger, now: time.Now}
}

func (r *Reconciler) WithMetrics(m *metrics.BookingMetrics) *Reconciler {
	r.metrics = m
	return r
}

var errCorrelationMismatch = errors.New("payment does not belong to appointment")

func (r *Reconciler) HandleGatewayEvent(ctx context.Context, payload []byte, signatureHeader string) (*ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "appointment.reconcile")
	defer span.End()

	evt, err := r.verifier.ConstructEvent(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, gateway.ErrMalformedEvent) {
			r.logger.Warn("authenticated webhook could not be decoded; acknowledging", zap.Error(err))
			r.metrics.ObserveWebhook("unknown", string(OutcomeIgnored))
			return &ReconcileResult{Outcome: OutcomeIgnored}, nil
		}
		r.logger.Warn("webhook signature verification failed", zap.Error(err))
		r.metrics.ObserveWebhook("unknown", "invalid_signature")
		return nil, invalidSignature(err)
	}

	result, err := r.dispatch(ctx, evt)
	if err != nil {
		r.metrics.ObserveWebhook(evt.EventType(), "error")
		r.logger.Error("webhook reconciliation failed",
			zap.String("event_id", evt.EventID()),
			zap.String("event_type", evt.EventType()),
			zap.Error(err))
		return nil, err
	}
	r.metrics.ObserveWebhook(evt.EventType(), string(result.Outcome))
	if result.Outcome == OutcomeSlotReleased {
		r.metrics.ObserveSlotRelease("checkout_failed")
	}
	return result, nil
}

func (r *Reconciler) dispatch(ctx context.Context, evt gateway.Event) (*ReconcileResult, error) {
	result := &ReconcileResult{EventID: evt.EventID(), EventType: evt.EventType()}
	log := r.logger.With(zap.String("event_id", evt.EventID()), zap.String("event_type", evt.EventType()))

	var corr gateway.Correlation
	switch e := evt.(type) {
	case gateway.CheckoutCompleted:
		corr = e.Checkout.Correlation
	case gateway.CheckoutExpired:
		corr = e.Checkout.Correlation
	case gateway.PaymentFailed:
		corr = e.Correlation
	default:
		log.Info("unhandled webhook event type; acknowledging")
		result.Outcome = OutcomeIgnored
		return result, nil
	}
	result.AppointmentID, result.PaymentID = corr.AppointmentID, corr.PaymentID

	if _, err := r.repo.GetPaymentByEventID(ctx, evt.EventID()); err == nil {
		log.Info("webhook event already processed")
		result.Outcome = OutcomeAlreadyProcessed
		return result, nil
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	if !corr.Valid() {
		log.Warn("webhook event missing appointment/payment metadata; acknowledging")
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	err := r.repo.WithTx(ctx, func(tx TxRepository) error {
		appt, err := tx.LockAppointment(ctx, corr.AppointmentID)
		if err != nil {
			return err
		}
		pay, err := tx.LockPayment(ctx, corr.PaymentID)
		if err != nil {
			return err
		}
		if pay.AppointmentID != appt.ID {
			return errCorrelationMismatch
		}
		if pay.GatewayEventID != nil && *pay.GatewayEventID == evt.EventID() {
			result.Outcome = OutcomeAlreadyProcessed
			return nil
		}

		outcome, err := r.apply(ctx, tx, evt, appt, pay, log)
		if err != nil {
			return err
		}
		result.Outcome = outcome
		return nil
	})

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrDuplicateEvent):
		log.Info("webhook event recorded concurrently")
		result.Outcome = OutcomeAlreadyProcessed
		return result, nil
	case errors.Is(err, errCorrelationMismatch), KindOf(err) == KindNotFound:
		log.Warn("webhook event references unknown records; acknowledging", zap.Error(err))
		result.Outcome = OutcomeIgnored
		return result, nil
	}
	return nil, err
}

// apply runs the state machine for one event with appt and pay locked.
func (r *Reconciler) apply(ctx context.Context, tx TxRepository, evt gateway.Event, appt *Appointment, pay *Payment, log *zap.Logger) (Outcome, error) {
	eventID := evt.EventID()
	raw := evt.Payload()

	switch e := evt.(type) {
	case gateway.CheckoutCompleted:
		if e.Paid() {
			return r.completePayment(ctx, tx, evt, appt, pay, log)
		}
		if pay.Status != PaymentPending {
			log.Info("unpaid checkout completion for settled payment; no change", zap.String("payment_status", string(pay.Status)))
			return OutcomeIgnored, nil
		}
		// async payment methods: session done, money not yet moved
		if _, err := tx.UpdatePayment(ctx, PaymentUpdate{ID: pay.ID, From: PaymentPending, To: PaymentPending, EventID: &eventID, Payload: raw}); err != nil {
			return "", err
		}
		if _, err := tx.UpdateAppointmentState(ctx, appt.ID, appt.Status, appt.Status, PaymentPending); err != nil {
			return "", err
		}
		if err := tx.InsertEvent(ctx, newEvent(appt.ID, EventPaymentPending, map[string]any{
			"payment_id":     pay.ID.String(),
			"event_id":       eventID,
			"payment_status": e.Checkout.PaymentStatus,
		}, r.now(), r.logger)); err != nil {
			return "", err
		}
		return OutcomeProcessed, nil

	case gateway.CheckoutExpired, gateway.PaymentFailed:
		if ce, ok := e.(gateway.CheckoutExpired); ok && !pay.IsCurrentSession(ce.Checkout.SessionID) {
			log.Info("superseded checkout session expired; hold kept",
				zap.String("session_id", ce.Checkout.SessionID),
				zap.String("current_session_id", deref(pay.CheckoutSessionID)))
			return OutcomeIgnored, nil
		}
		if pay.Status != PaymentPending {
			log.Info("failure event for settled payment; no change", zap.String("payment_status", string(pay.Status)))
			return OutcomeIgnored, nil
		}
		details := map[string]any{"event_id": eventID, "event_type": evt.EventType()}
		if pf, ok := e.(gateway.PaymentFailed); ok && pf.Reason != "" {
			details["reason"] = pf.Reason
		}
		released, err := failHold(ctx, tx, appt, pay, holdFailure{
			eventType: EventPaymentFailed,
			eventID:   &eventID,
			payload:   raw,
			details:   details,
		}, r.now(), r.logger)
		if err != nil {
			return "", err
		}
		log.Warn("payment did not complete; hold released",
			zap.String("appointment_id", appt.ID.String()),
			zap.Bool("slot_released", released))
		if released {
			return OutcomeSlotReleased, nil
		}
		return OutcomeProcessed, nil
	}
	return OutcomeIgnored, nil
}

func (r *Reconciler) completePayment(ctx context.Context, tx TxRepository, evt gateway.Event, appt *Appointment, pay *Payment, log *zap.Logger) (Outcome, error) {
	eventID := evt.EventID()
	if pay.Status == PaymentComplete {
		log.Info("payment already complete")
		return OutcomeAlreadyProcessed, nil
	}

	// money moved even if the hold was already failed or cancelled, so the
	// payment is recorded; the appointment is never brought back
	if _, err := tx.UpdatePayment(ctx, PaymentUpdate{ID: pay.ID, From: pay.Status, To: PaymentComplete, EventID: &eventID, Payload: evt.Payload()}); err != nil {
		return "", err
	}

	next := appt.Status
	if next == StatusPending {
		next = StatusScheduled
	}
	if _, err := tx.UpdateAppointmentState(ctx, appt.ID, appt.Status, next, PaymentComplete); err != nil {
		return "", err
	}
	if err := tx.InsertEvent(ctx, newEvent(appt.ID, EventPaymentCompleted, map[string]any{
		"payment_id": pay.ID.String(),
		"event_id":   eventID,
		"source":     "gateway",
	}, r.now(), r.logger)); err != nil {
		return "", err
	}

	if appt.Status == StatusCancelled {
		log.Warn("payment completed for cancelled appointment; refund follow-up required",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("payment_id", pay.ID.String()))
	}
	return OutcomeProcessed, nil
}
