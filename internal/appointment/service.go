package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/auth"
	"github.com/hackgods/doctor-appointment-payments/internal/config"
	"github.com/hackgods/doctor-appointment-payments/internal/gateway"
	"github.com/hackgods/doctor-appointment-payments/internal/metrics"
	"github.com/hackgods/doctor-appointment-payments/internal/notify"
	redisclient "github.com/hackgods/doctor-appointment-payments/internal/redis"
)

var tracer = otel.Tracer("appointments.internal.appointment")

// CheckoutGateway creates hosted checkout sessions.
type CheckoutGateway interface {
	CreateCheckoutSession(ctx context.Context, p gateway.SessionParams) (*gateway.Session, error)
}

// Notifier enqueues email jobs. Failures are logged and never fail the
// calling operation.
type Notifier interface {
	Enqueue(ctx context.Context, job notify.Job) error
}

const (
	flowPayNow   = "pay_now"
	flowPayLater = "pay_later"
)

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	checkout CheckoutGateway
	notifier Notifier
	metrics  *metrics.BookingMetrics
	cfg      config.Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, checkout CheckoutGateway, cfg config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		checkout: checkout,
		notifier: notify.NewLogPublisher(logger),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.BookingMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateAppointment books a slot and opens a checkout session for it. If the
// booking commits but the gateway call fails, the committed booking is
// returned together with a KindGateway error; the slot stays held and the
// caller retries through HandlePayLater.
func (s *Service) CreateAppointment(ctx context.Context, actor auth.Identity, in CreateInput) (*Booking, error) {
	booking, err := s.book(ctx, actor, in, StatusScheduled, flowPayNow)
	if err != nil {
		return nil, err
	}

	url, err := s.openCheckout(ctx, booking.Doctor.Name, booking.Appointment.ID, booking.Payment)
	if err != nil {
		return booking, err
	}
	booking.PaymentURL = url
	return booking, nil
}

// CreateAppointmentWithPayLater books a slot without contacting the gateway.
func (s *Service) CreateAppointmentWithPayLater(ctx context.Context, actor auth.Identity, in CreateInput) (*Booking, error) {
	return s.book(ctx, actor, in, StatusPending, flowPayLater)
}

// book runs the booking transaction under the slot lock: load doctor, load
// patient, lock the ledger entry, insert appointment and payment, mark the
// slot booked.
func (s *Service) book(ctx context.Context, actor auth.Identity, in CreateInput, initial Status, flow string) (*Booking, error) {
	ctx, span := tracer.Start(ctx, "appointment.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.flow", flow),
		attribute.String("doctor.id", in.DoctorID.String()),
		attribute.String("schedule.id", in.ScheduleID.String()),
	)

	start := s.now()
	booking, err := s.bookLocked(ctx, actor, in, initial)
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics.ObserveBooking(flow, outcome, s.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}

	s.logger.Info("appointment booked",
		zap.String("flow", flow),
		zap.String("appointment_id", booking.Appointment.ID.String()),
		zap.String("payment_id", booking.Payment.ID.String()),
		zap.String("doctor_id", in.DoctorID.String()),
		zap.String("schedule_id", in.ScheduleID.String()))

	s.enqueue(ctx, notify.Job{
		Type:          notify.JobAppointmentBooked,
		To:            booking.Patient.Email,
		ToName:        booking.Patient.Name,
		Subject:       "Your appointment is booked",
		Body:          fmt.Sprintf("Your appointment with Dr. %s is reserved. Complete the payment of %d %s to confirm it.", booking.Doctor.Name, booking.Payment.Amount, booking.Payment.Currency),
		AppointmentID: booking.Appointment.ID.String(),
	})
	return booking, nil
}

func (s *Service) bookLocked(ctx context.Context, actor auth.Identity, in CreateInput, initial Status) (*Booking, error) {
	if !actor.HasRole(auth.RolePatient, auth.RoleAdmin, auth.RoleSuperAdmin) {
		return nil, ErrForbidden
	}
	if in.DoctorID == uuid.Nil || in.ScheduleID == uuid.Nil {
		return nil, &Error{Kind: KindInvalidInput, Msg: "doctor_id and schedule_id are required"}
	}

	var booking *Booking
	err := s.locker.WithSlotLock(ctx, in.DoctorID, in.ScheduleID, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx TxRepository) error {
			doctor, err := tx.GetDoctor(lockCtx, in.DoctorID)
			if err != nil {
				return err
			}

			patient, err := s.bookingPatient(lockCtx, tx, actor, in.PatientID)
			if err != nil {
				return err
			}

			slot, err := tx.LockSlot(lockCtx, in.DoctorID, in.ScheduleID)
			if err != nil {
				return err
			}
			if slot.IsBooked {
				return ErrSlotAlreadyBooked
			}

			now := s.now().UTC()
			appt := &Appointment{
				ID:            uuid.New(),
				DoctorID:      doctor.ID,
				PatientID:     patient.ID,
				ScheduleID:    in.ScheduleID,
				Status:        initial,
				PaymentStatus: PaymentPending,
				VideoCallID:   uuid.New(),
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.InsertAppointment(lockCtx, appt); err != nil {
				return err
			}

			pay := &Payment{
				ID:            uuid.New(),
				AppointmentID: appt.ID,
				Amount:        doctor.AppointmentFee,
				Currency:      s.cfg.PaymentCurrency,
				TransactionID: uuid.New(),
				Status:        PaymentPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.InsertPayment(lockCtx, pay); err != nil {
				return err
			}

			if err := tx.MarkSlotBooked(lockCtx, in.DoctorID, in.ScheduleID); err != nil {
				return err
			}

			if err := tx.InsertEvent(lockCtx, s.event(appt.ID, EventAppointmentCreated, map[string]any{
				"doctor_id":   doctor.ID.String(),
				"patient_id":  patient.ID.String(),
				"schedule_id": in.ScheduleID.String(),
				"status":      initial,
				"payment_id":  pay.ID.String(),
				"amount":      pay.Amount,
			})); err != nil {
				return err
			}

			booking = &Booking{Appointment: appt, Payment: pay, Doctor: doctor, Patient: patient}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}
	return booking, nil
}

// bookingPatient resolves the patient an appointment is booked for. Patients
// always book for themselves; admins name the patient.
func (s *Service) bookingPatient(ctx context.Context, tx TxRepository, actor auth.Identity, requested uuid.UUID) (*Patient, error) {
	if actor.IsAdmin() {
		if requested == uuid.Nil {
			return nil, &Error{Kind: KindInvalidInput, Msg: "patient_id is required"}
		}
		return tx.GetPatient(ctx, requested)
	}

	patient, err := tx.GetPatientByUserID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if requested != uuid.Nil && requested != patient.ID {
		return nil, ErrForbidden
	}
	return patient, nil
}

// HandlePayLater opens a fresh checkout session for an appointment whose
// payment is still pending. The new session becomes the payment's current
// one, so only its expiry can release the hold; earlier sessions stay
// payable.
func (s *Service) HandlePayLater(ctx context.Context, actor auth.Identity, appointmentID uuid.UUID) (*CheckoutLink, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizePatient(actor, detail); err != nil {
		return nil, err
	}

	switch detail.Status {
	case StatusCancelled:
		return nil, ErrAlreadyCancelled
	case StatusCompleted:
		return nil, ErrAppointmentCompleted
	}
	if detail.Payment == nil {
		return nil, ErrPaymentNotFound
	}
	switch {
	case detail.PaymentStatus == PaymentComplete || detail.Payment.Status == PaymentComplete:
		return nil, ErrPaymentAlreadyCompleted
	case detail.Payment.Status != PaymentPending:
		return nil, ErrPaymentNotPending
	}

	url, err := s.openCheckout(ctx, detail.Doctor.Name, detail.ID, detail.Payment)
	if err != nil {
		return nil, err
	}
	return &CheckoutLink{AppointmentID: detail.ID, PaymentID: detail.Payment.ID, PaymentURL: url}, nil
}

// openCheckout creates the next checkout session for pay and records it as
// current. pay is updated in place.
func (s *Service) openCheckout(ctx context.Context, doctorName string, appointmentID uuid.UUID, pay *Payment) (string, error) {
	attempt := pay.CheckoutAttempts + 1
	sess, err := s.checkout.CreateCheckoutSession(ctx, gateway.SessionParams{
		AmountMinor:   pay.Amount * 100,
		Currency:      pay.Currency,
		Description:   "Book Appointment with Dr. " + doctorName,
		AppointmentID: appointmentID,
		PaymentID:     pay.ID,
		SuccessURL:    s.cfg.SuccessURL(),
		CancelURL:     s.cfg.CancelURL(),
		Attempt:       attempt,
	})
	if err != nil {
		s.metrics.ObserveCheckoutFailure()
		s.logger.Warn("checkout session creation failed; booking kept",
			zap.String("appointment_id", appointmentID.String()),
			zap.String("payment_id", pay.ID.String()),
			zap.Error(err))
		return "", gatewayError(err)
	}

	if err := s.recordCheckoutSession(ctx, pay, sess.ID, attempt); err != nil {
		return "", err
	}
	return sess.URL, nil
}

func (s *Service) recordCheckoutSession(ctx context.Context, pay *Payment, sessionID string, attempt int) error {
	return s.repo.WithTx(ctx, func(tx TxRepository) error {
		current, err := tx.LockPayment(ctx, pay.ID)
		if err != nil {
			return err
		}
		switch {
		case current.Status == PaymentComplete:
			return ErrPaymentAlreadyCompleted
		case current.Status != PaymentPending:
			return ErrPaymentNotPending
		case current.CheckoutAttempts >= attempt:
			// a concurrent call already recorded this or a later session
			*pay = *current
			return nil
		}

		updated, err := tx.SetCheckoutSession(ctx, pay.ID, sessionID, attempt)
		if err != nil {
			return err
		}
		*pay = *updated
		return nil
	})
}

// ConfirmPayment marks an appointment paid without a gateway event. It is
// idempotent once the payment is complete.
func (s *Service) ConfirmPayment(ctx context.Context, actor auth.Identity, appointmentID uuid.UUID) (*PaymentConfirmation, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	var result *PaymentConfirmation
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		appt, err := tx.LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		pay, err := tx.LockPaymentByAppointment(ctx, appt.ID)
		if err != nil {
			return err
		}

		if appt.PaymentStatus == PaymentComplete && pay.Status == PaymentComplete {
			result = &PaymentConfirmation{Appointment: appt, Payment: pay, AlreadyProcessed: true}
			return nil
		}
		if appt.Status == StatusCancelled {
			return ErrAlreadyCancelled
		}
		if pay.Status == PaymentFailed {
			return ErrPaymentNotPending
		}

		if pay.Status == PaymentPending {
			if pay, err = tx.UpdatePayment(ctx, PaymentUpdate{ID: pay.ID, From: PaymentPending, To: PaymentComplete}); err != nil {
				return err
			}
		}
		next := appt.Status
		if next == StatusPending {
			next = StatusScheduled
		}
		if appt, err = tx.UpdateAppointmentState(ctx, appt.ID, appt.Status, next, PaymentComplete); err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, s.event(appt.ID, EventPaymentCompleted, map[string]any{
			"payment_id": pay.ID.String(),
			"source":     "manual",
			"actor":      actor.UserID,
		})); err != nil {
			return err
		}
		result = &PaymentConfirmation{Appointment: appt, Payment: pay}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.AlreadyProcessed {
		s.logger.Info("payment confirmed manually",
			zap.String("appointment_id", appointmentID.String()),
			zap.String("actor", actor.UserID))
	}
	return result, nil
}

// CancelAppointment cancels an appointment and frees its slot in one
// transaction. The payment record is left untouched.
func (s *Service) CancelAppointment(ctx context.Context, actor auth.Identity, id uuid.UUID) (*Appointment, error) {
	if !actor.HasRole(auth.RolePatient, auth.RoleAdmin, auth.RoleSuperAdmin) {
		return nil, ErrForbidden
	}

	var (
		cancelled *Appointment
		patient   *Patient
	)
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		appt, err := tx.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		patient, err = tx.GetPatient(ctx, appt.PatientID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && patient.UserID != actor.UserID {
			return ErrForbidden
		}

		switch appt.Status {
		case StatusCancelled:
			return ErrAlreadyCancelled
		case StatusCompleted:
			return ErrAppointmentCompleted
		}

		cancelled, err = tx.UpdateAppointmentState(ctx, appt.ID, appt.Status, StatusCancelled, appt.PaymentStatus)
		if err != nil {
			return err
		}
		if err := tx.ReleaseSlot(ctx, appt.DoctorID, appt.ScheduleID); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, s.event(appt.ID, EventAppointmentCancelled, map[string]any{
			"previous_status": appt.Status,
			"payment_status":  appt.PaymentStatus,
			"actor":           actor.UserID,
			"actor_role":      actor.Role,
		}))
	})
	if err != nil {
		s.metrics.ObserveCancellation(KindOf(err).String())
		return nil, err
	}

	s.metrics.ObserveCancellation("success")
	s.metrics.ObserveSlotRelease("cancelled")
	s.logger.Info("appointment cancelled",
		zap.String("appointment_id", id.String()),
		zap.String("actor", actor.UserID))
	if cancelled.PaymentStatus == PaymentComplete {
		s.logger.Warn("cancelled appointment was paid; refund follow-up required",
			zap.String("appointment_id", id.String()))
	}

	s.enqueue(ctx, notify.Job{
		Type:          notify.JobAppointmentCancelled,
		To:            patient.Email,
		ToName:        patient.Name,
		Subject:       "Your appointment was cancelled",
		Body:          "Your appointment has been cancelled and the time slot released.",
		AppointmentID: id.String(),
	})
	return cancelled, nil
}

// Reads

func (s *Service) GetAppointment(ctx context.Context, actor auth.Identity, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.IsAdmin():
	case actor.Role == auth.RoleDoctor && detail.Doctor != nil && detail.Doctor.UserID == actor.UserID:
	case actor.Role == auth.RolePatient && detail.Patient != nil && detail.Patient.UserID == actor.UserID:
	default:
		return nil, ErrForbidden
	}
	return detail, nil
}

func (s *Service) ListAppointments(ctx context.Context, actor auth.Identity, filter ListFilter) ([]AppointmentDetail, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	filter.Normalize()
	list, err := s.repo.ListAppointments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return list, nil
}

// ListMyAppointments lists the caller's own appointments: by patient profile
// for patients, by doctor profile for doctors.
func (s *Service) ListMyAppointments(ctx context.Context, actor auth.Identity, limit, offset int) ([]AppointmentDetail, error) {
	filter := ListFilter{Limit: limit, Offset: offset}
	switch actor.Role {
	case auth.RolePatient:
		p, err := s.repo.GetPatientByUserID(ctx, actor.UserID)
		if err != nil {
			return nil, err
		}
		filter.PatientID = &p.ID
	case auth.RoleDoctor:
		d, err := s.repo.GetDoctorByUserID(ctx, actor.UserID)
		if err != nil {
			return nil, err
		}
		filter.DoctorID = &d.ID
	case auth.RoleAdmin, auth.RoleSuperAdmin:
	default:
		return nil, ErrForbidden
	}
	filter.Normalize()
	list, err := s.repo.ListAppointments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list my appointments: %w", err)
	}
	return list, nil
}

func (s *Service) authorizePatient(actor auth.Identity, detail *AppointmentDetail) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.Role == auth.RolePatient && detail.Patient != nil && detail.Patient.UserID == actor.UserID {
		return nil
	}
	return ErrForbidden
}

func (s *Service) enqueue(ctx context.Context, job notify.Job) {
	if job.To == "" {
		return
	}
	if err := s.notifier.Enqueue(ctx, job); err != nil {
		s.logger.Warn("failed to enqueue email job",
			zap.String("type", job.Type),
			zap.String("appointment_id", job.AppointmentID),
			zap.Error(err))
	}
}

func (s *Service) event(appointmentID uuid.UUID, eventType string, payload map[string]any) EventLog {
	return newEvent(appointmentID, eventType, payload, s.now(), s.logger)
}

func newEvent(appointmentID uuid.UUID, eventType string, payload map[string]any, at time.Time, logger *zap.Logger) EventLog {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}
	id := appointmentID
	return EventLog{
		EventType:     eventType,
		AppointmentID: &id,
		Payload:       data,
		CreatedAt:     at.UTC(),
	}
}
