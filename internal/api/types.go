package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-appointment-payments/internal/appointment"
)

type CreateAppointmentRequest struct {
	DoctorID   string `json:"doctor_id" validate:"required,uuid"`
	ScheduleID string `json:"schedule_id" validate:"required,uuid"`
	PatientID  string `json:"patient_id,omitempty" validate:"omitempty,uuid"`
}

func (r CreateAppointmentRequest) input() appointment.CreateInput {
	in := appointment.CreateInput{
		DoctorID:   uuid.MustParse(r.DoctorID),
		ScheduleID: uuid.MustParse(r.ScheduleID),
	}
	if r.PatientID != "" {
		in.PatientID = uuid.MustParse(r.PatientID)
	}
	return in
}

type AppointmentResponse struct {
	ID            uuid.UUID        `json:"id"`
	DoctorID      uuid.UUID        `json:"doctor_id"`
	PatientID     uuid.UUID        `json:"patient_id"`
	ScheduleID    uuid.UUID        `json:"schedule_id"`
	Status        string           `json:"status"`
	PaymentStatus string           `json:"payment_status"`
	VideoCallID   uuid.UUID        `json:"video_call_id"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Doctor        *PartyView       `json:"doctor,omitempty"`
	Patient       *PartyView       `json:"patient,omitempty"`
	Schedule      *SlotView        `json:"schedule,omitempty"`
	Payment       *PaymentResponse `json:"payment,omitempty"`
}

type PartyView struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

type SlotView struct {
	ID      uuid.UUID `json:"id"`
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
}

type PaymentResponse struct {
	ID            uuid.UUID `json:"id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Status        string    `json:"status"`
}

type BookingResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Payment     PaymentResponse     `json:"payment"`
	PaymentURL  string              `json:"payment_url,omitempty"`
}

type CheckoutLinkResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PaymentID     uuid.UUID `json:"payment_id"`
	PaymentURL    string    `json:"payment_url"`
}

type ConfirmationResponse struct {
	Appointment      AppointmentResponse `json:"appointment"`
	Payment          PaymentResponse     `json:"payment"`
	AlreadyProcessed bool                `json:"already_processed"`
}

type ListResponse struct {
	Data   []AppointmentResponse `json:"data"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	// set when a booking committed but checkout could not be opened
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	PaymentID     *uuid.UUID `json:"payment_id,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:            a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		ScheduleID:    a.ScheduleID,
		Status:        string(a.Status),
		PaymentStatus: string(a.PaymentStatus),
		VideoCallID:   a.VideoCallID,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func toPaymentResponse(p *appointment.Payment) PaymentResponse {
	return PaymentResponse{
		ID:            p.ID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		TransactionID: p.TransactionID,
		Status:        string(p.Status),
	}
}

func toDetailResponse(d *appointment.AppointmentDetail) AppointmentResponse {
	resp := toAppointmentResponse(&d.Appointment)
	if d.Doctor != nil {
		resp.Doctor = &PartyView{ID: d.Doctor.ID, Name: d.Doctor.Name, Email: d.Doctor.Email}
	}
	if d.Patient != nil {
		resp.Patient = &PartyView{ID: d.Patient.ID, Name: d.Patient.Name, Email: d.Patient.Email}
	}
	if d.Schedule != nil {
		resp.Schedule = &SlotView{ID: d.Schedule.ID, StartAt: d.Schedule.StartAt, EndAt: d.Schedule.EndAt}
	}
	if d.Payment != nil {
		p := toPaymentResponse(d.Payment)
		resp.Payment = &p
	}
	return resp
}

func toBookingResponse(b *appointment.Booking) BookingResponse {
	return BookingResponse{
		Appointment: toAppointmentResponse(b.Appointment),
		Payment:     toPaymentResponse(b.Payment),
		PaymentURL:  b.PaymentURL,
	}
}
