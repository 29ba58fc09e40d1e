package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/appointment"
	"github.com/hackgods/doctor-appointment-payments/internal/auth"
)

// AppointmentService is the booking surface the handlers drive.
type AppointmentService interface {
	CreateAppointment(ctx context.Context, actor auth.Identity, in appointment.CreateInput) (*appointment.Booking, error)
	CreateAppointmentWithPayLater(ctx context.Context, actor auth.Identity, in appointment.CreateInput) (*appointment.Booking, error)
	HandlePayLater(ctx context.Context, actor auth.Identity, appointmentID uuid.UUID) (*appointment.CheckoutLink, error)
	ConfirmPayment(ctx context.Context, actor auth.Identity, appointmentID uuid.UUID) (*appointment.PaymentConfirmation, error)
	CancelAppointment(ctx context.Context, actor auth.Identity, id uuid.UUID) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, actor auth.Identity, id uuid.UUID) (*appointment.AppointmentDetail, error)
	ListAppointments(ctx context.Context, actor auth.Identity, filter appointment.ListFilter) ([]appointment.AppointmentDetail, error)
	ListMyAppointments(ctx context.Context, actor auth.Identity, limit, offset int) ([]appointment.AppointmentDetail, error)
}

type appointmentHandlers struct {
	svc    AppointmentService
	logger *zap.Logger
}

func (h *appointmentHandlers) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	var req CreateAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	booking, err := h.svc.CreateAppointment(r.Context(), actor, req.input())
	if err != nil {
		if booking != nil {
			// booking committed, checkout did not; client retries via pay-later
			apptID, payID := booking.Appointment.ID, booking.Payment.ID
			writeJSON(w, statusForKind(appointment.KindOf(err)), ErrorResponse{
				Error:         appointment.KindOf(err).String(),
				Details:       "appointment reserved but payment session could not be created; retry payment later",
				AppointmentID: &apptID,
				PaymentID:     &payID,
			})
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(booking))
}

func (h *appointmentHandlers) createPayLater(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	var req CreateAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	booking, err := h.svc.CreateAppointmentWithPayLater(r.Context(), actor, req.input())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(booking))
}

func (h *appointmentHandlers) payLater(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "appointmentId")
	if !ok {
		return
	}

	link, err := h.svc.HandlePayLater(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutLinkResponse{
		AppointmentID: link.AppointmentID,
		PaymentID:     link.PaymentID,
		PaymentURL:    link.PaymentURL,
	})
}

func (h *appointmentHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.svc.ConfirmPayment(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmationResponse{
		Appointment:      toAppointmentResponse(res.Appointment),
		Payment:          toPaymentResponse(res.Payment),
		AlreadyProcessed: res.AlreadyProcessed,
	})
}

func (h *appointmentHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	appt, err := h.svc.CancelAppointment(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *appointmentHandlers) get(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	detail, err := h.svc.GetAppointment(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponse(detail))
}

func (h *appointmentHandlers) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	filter := appointment.ListFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  **uuid.UUID
	}{{"doctor_id", &filter.DoctorID}, {"patient_id", &filter.PatientID}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_"+p.name, p.name+" must be a valid UUID")
			return
		}
		*p.dst = &id
	}
	if raw := q.Get("status"); raw != "" {
		st, ok := appointment.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_status", "status must be one of PENDING, SCHEDULED, CANCELLED, COMPLETED")
			return
		}
		filter.Status = &st
	}

	list, err := h.svc.ListAppointments(r.Context(), actor, filter)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(list, filter))
}

func (h *appointmentHandlers) mine(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	list, err := h.svc.ListMyAppointments(r.Context(), actor, limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	page := appointment.ListFilter{Limit: limit, Offset: offset}
	writeJSON(w, http.StatusOK, listResponse(list, page))
}

func listResponse(list []appointment.AppointmentDetail, page appointment.ListFilter) ListResponse {
	page.Normalize()
	data := make([]AppointmentResponse, 0, len(list))
	for i := range list {
		data = append(data, toDetailResponse(&list[i]))
	}
	return ListResponse{Data: data, Limit: page.Limit, Offset: page.Offset}
}

func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "session expired or missing")
	}
	return id, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_"+p.name, p.name+" must be a non-negative integer")
			return 0, 0, false
		}
		*p.dst = n
	}
	return limit, offset, true
}
