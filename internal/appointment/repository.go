package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains the reads the services need plus a transactional
// boundary for every multi-row mutation.
type Repository interface {
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	ListAppointments(ctx context.Context, filter ListFilter) ([]AppointmentDetail, error)

	GetPatientByUserID(ctx context.Context, userID string) (*Patient, error)
	GetDoctorByUserID(ctx context.Context, userID string) (*Doctor, error)

	// Webhook idempotency
	GetPaymentByEventID(ctx context.Context, eventID string) (*Payment, error)

	// Hold expiry backstop
	FindStalePayLater(ctx context.Context, createdBefore time.Time, limit int) ([]Appointment, error)

	// WithTx runs fn in one transaction. fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(tx TxRepository) error) error
}

// TxRepository is the set of statements available inside a transaction.
// Lock* methods take row locks that are held until commit. Callers lock in
// the order appointment, payment, slot.
type TxRepository interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByUserID(ctx context.Context, userID string) (*Patient, error)

	// Schedule ledger
	LockSlot(ctx context.Context, doctorID, scheduleID uuid.UUID) (*DoctorScheduleSlot, error)
	MarkSlotBooked(ctx context.Context, doctorID, scheduleID uuid.UUID) error
	ReleaseSlot(ctx context.Context, doctorID, scheduleID uuid.UUID) error

	InsertAppointment(ctx context.Context, a *Appointment) error
	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointmentState(ctx context.Context, id uuid.UUID, from, to Status, payment PaymentStatus) (*Appointment, error)

	// Payment record store
	InsertPayment(ctx context.Context, p *Payment) error
	LockPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	LockPaymentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)
	UpdatePayment(ctx context.Context, u PaymentUpdate) (*Payment, error)
	// SetCheckoutSession records sessionID as the current session of a
	// pending payment and raises its attempt counter to attempt.
	SetCheckoutSession(ctx context.Context, paymentID uuid.UUID, sessionID string, attempt int) (*Payment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// PaymentUpdate moves a payment from From to To. EventID and Payload, when
// set, stamp the gateway event that caused the transition.
type PaymentUpdate struct {
	ID      uuid.UUID
	From    PaymentStatus
	To      PaymentStatus
	EventID *string
	Payload []byte
}
