package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScheduled Status = "SCHEDULED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentComplete PaymentStatus = "COMPLETE"
	PaymentFailed   PaymentStatus = "FAILED"
)

// Audit event types written to appointment_events.
const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventPaymentCompleted     = "PAYMENT_COMPLETED"
	EventPaymentPending       = "PAYMENT_PENDING"
	EventPaymentFailed        = "PAYMENT_FAILED"
	EventHoldExpired          = "HOLD_EXPIRED"
)

type Doctor struct {
	ID             uuid.UUID
	UserID         string
	Name           string
	Email          string
	AppointmentFee int64 // major currency units
	IsDeleted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Patient struct {
	ID        uuid.UUID
	UserID    string
	Name      string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Schedule struct {
	ID      uuid.UUID
	StartAt time.Time
	EndAt   time.Time
}

// DoctorScheduleSlot is one entry of the schedule ledger.
type DoctorScheduleSlot struct {
	DoctorID   uuid.UUID
	ScheduleID uuid.UUID
	IsBooked   bool
	UpdatedAt  time.Time
}

type Appointment struct {
	ID            uuid.UUID
	DoctorID      uuid.UUID
	PatientID     uuid.UUID
	ScheduleID    uuid.UUID
	Status        Status
	PaymentStatus PaymentStatus
	VideoCallID   uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HoldsSlot reports whether the appointment still owns its ledger entry.
func (a *Appointment) HoldsSlot() bool {
	return a.Status != StatusCancelled
}

type Payment struct {
	ID                uuid.UUID
	AppointmentID     uuid.UUID
	Amount            int64
	Currency          string
	TransactionID     uuid.UUID
	Status            PaymentStatus
	GatewayEventID    *string
	GatewayPayload    []byte
	// CheckoutSessionID is the most recent checkout session opened for this
	// payment. Older sessions may still be paid but their expiry is ignored.
	CheckoutSessionID *string
	CheckoutAttempts  int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsCurrentSession reports whether sessionID may act on the hold. A payment
// with no recorded session accepts any session.
func (p *Payment) IsCurrentSession(sessionID string) bool {
	return p.CheckoutSessionID == nil || *p.CheckoutSessionID == sessionID
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Doctor   *Doctor
	Patient  *Patient
	Schedule *Schedule
	Payment  *Payment
}

// Booking is what the coordinator returns after the booking transaction
// commits. PaymentURL is empty for pay-later bookings and when the gateway
// call failed.
type Booking struct {
	Appointment *Appointment
	Payment     *Payment
	Doctor      *Doctor
	Patient     *Patient
	PaymentURL  string
}

type CheckoutLink struct {
	AppointmentID uuid.UUID
	PaymentID     uuid.UUID
	PaymentURL    string
}

type PaymentConfirmation struct {
	Appointment      *Appointment
	Payment          *Payment
	AlreadyProcessed bool
}

type CreateInput struct {
	DoctorID   uuid.UUID
	ScheduleID uuid.UUID
	// PatientID is required for admin callers. Patients always book for
	// their own profile.
	PatientID uuid.UUID
}

type ListFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Status    *Status
	Limit     int
	Offset    int
}

// Normalize applies the default page size and caps it at 100.
func (f *ListFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// ParseStatus accepts a status in any case.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusScheduled, StatusCancelled, StatusCompleted:
		return st, true
	}
	return "", false
}
