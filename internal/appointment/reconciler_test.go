package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-appointment-payments/internal/gateway"
)

func TestWebhookIsIdempotent(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.CreateAppointment(context.Background(), patientActor, f.input())
	require.NoError(t, err)

	res, err := f.deliver(t, "evt_1", gateway.TypeCheckoutCompleted, sessionObject(b, "paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	eventsAfterFirst := len(f.store.snapshot().events)

	res, err = f.deliver(t, "evt_1", gateway.TypeCheckoutCompleted, sessionObject(b, "paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, res.Outcome)
	assert.Equal(t, eventsAfterFirst, len(f.store.snapshot().events))
	assert.Equal(t, PaymentComplete, f.payment(b.Payment.ID).Status)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.CreateAppointment(context.Background(), patientActor, f.input())
	require.NoError(t, err)
	before := f.store.snapshot()

	_, err = f.rec.HandleGatewayEvent(context.Background(), []byte(`{"id":"evt_x","type":"checkout.session.completed"}`), "t=1,v1=deadbeef")
	require.Error(t, err)
	assert.Equal(t, KindInvalidSignature, KindOf(err))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	after := f.store.snapshot()
	assert.Equal(t, before.payments[b.Payment.ID], after.payments[b.Payment.ID])
	assert.Equal(t, before.appointments[b.Appointment.ID], after.appointments[b.Appointment.ID])
	assert.Equal(t, len(before.events), len(after.events))
}

func TestWebhookPayLaterExpiryReleasesSlot(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.CreateAppointmentWithPayLater(context.Background(), patientActor, f.input())
	require.NoError(t, err)
	assert.True(t, f.slotBooked())
	assert.Equal(t, PaymentPending, b.Payment.Status)

	res, err := f.deliver(t, "evt_exp", gateway.TypeCheckoutExpired, sessionObject(b, "unpaid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSlotReleased, res.Outcome)

	assert.False(t, f.slotBooked())
	appt := f.appointment(b.Appointment.ID)
	assert.Equal(t, PaymentFailed, appt.PaymentStatus)
	assert.Equal(t, StatusCancelled, appt.Status)
	assert.Equal(t, PaymentFailed, f.payment(b.Payment.ID).Status)

	// the freed slot can be booked again
	_, err = f.svc.CreateAppointment(context.Background(), patientActor, f.input())
	assert.NoError(t, err)
}

func TestWebhookPaymentFailedReleasesSlot(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.CreateAppointment(context.Background(), patientActor, f.input())
	require.NoError(t, err)

	res, err := f.deliver(t, "evt_fail", gateway.TypePaymentIntentFailed, map[string]any{
		"id": "pi_1",
		"metadata": map[string]string{
			"appointmentId": b.Appointment.ID.String(),
			"paymentId":     b.Payment.ID.String(),
		},
		"last_payment_error": map[string]any{"message": "card declined"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSlotReleased, res.Outcome)
	assert.False(t, f.slotBooked())
	assert.Equal(t, PaymentFailed, f.payment(b.Payment.ID).Status)
}

func TestWebhookUnpaidCompletionKeepsHold(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.CreateAppointmentWithPayLater(context.Background(), patientActor, f.input())
	require.NoError(t, err)

	res, err := f.deliver(t, "evt_unpaid", gateway.TypeCheckoutCompleted, sessionObject(b, "unpaid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	pay := f.payment(b.Payment.ID)
	assert.Equal(t, PaymentPending, pay.Status)
	require.NotNil(t, pay.GatewayEventID)
	assert.Equal(t, PaymentPending, f.appointment(b.Appointment.ID).PaymentStatus)
	assert.True(t, f.slotBooked())

	res, err = f.deliver(t, "evt_async_ok", gateway.TypeCheckoutAsyncPaymentOK, sessionObject(b, "paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	appt := f.appointment(b.Appointment.ID)
	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, PaymentComplete, appt.PaymentStatus)
}

func TestLateCompletionDoesNotResurrectCancelledAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.svc.CreateAppointment(ctx, patientActor, f.input())
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(ctx, patientActor, b.Appointment.ID)
	require.NoError(t, err)

	res, err := f.deliver(t, "evt_late", gateway.TypeCheckoutCompleted, sessionObject(b, "paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	appt := f.appointment(b.Appointment.ID)
	assert.Equal(t, StatusCancelled, appt.Status)
	assert.Equal(t, PaymentComplete, appt.PaymentStatus)
	assert.Equal(t, PaymentComplete, f.payment(b.Payment.ID).Status)
	assert.False(t, f.slotBooked())
}

func TestExpiryAfterCancelLeavesRebookedSlotAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.CreateAppointment(ctx, patientActor, f.input())
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(ctx, patientActor, first.Appointment.ID)
	require.NoError(t, err)

	second, err := f.svc.CreateAppointment(ctx, patientActor, f.input())
	require.NoError(t, err)

	res, err := f.deliver(t, "evt_exp_old", gateway.TypeCheckoutExpired, sessionObject(first, "unpaid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	assert.True(t, f.slotBooked(), "slot belongs to the second booking")
	assert.Equal(t, StatusScheduled, f.appointment(second.Appointment.ID).Status)
	assert.Equal(t, PaymentFailed, f.payment(first.Payment.ID).Status)
}

func TestFailureAfterCompletionIsIgnored(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.CreateAppointment(context.Background(), patientActor, f.input())
	require.NoError(t, err)
	_, err = f.deliver(t, "evt_paid", gateway.TypeCheckoutCompleted, sessionObject(b, "paid"))
	require.NoError(t, err)

	res, err := f.deliver(t, "evt_exp", gateway.TypeCheckoutExpired, sessionObject(b, "unpaid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, PaymentComplete, f.payment(b.Payment.ID).Status)
	assert.True(t, f.slotBooked())
}

func TestWebhookAcknowledgesUnusableEvents(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.CreateAppointment(context.Background(), patientActor, f.input())
	require.NoError(t, err)

	res, err := f.deliver(t, "evt_other", "customer.created", map[string]any{"id": "cus_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = f.deliver(t, "evt_nometa", gateway.TypeCheckoutCompleted, map[string]any{"id": "cs_1", "payment_status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = f.deliver(t, "evt_unknown", gateway.TypeCheckoutCompleted, map[string]any{
		"id": "cs_1", "payment_status": "paid",
		"metadata": map[string]string{"appointmentId": uuid.NewString(), "paymentId": uuid.NewString()},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	other, err := f.svc.CreateAppointmentWithPayLater(context.Background(), adminActor, CreateInput{
		DoctorID: f.doctor.ID, ScheduleID: f.addSlot(), PatientID: f.patient.ID,
	})
	require.NoError(t, err)
	res, err = f.deliver(t, "evt_mismatch", gateway.TypeCheckoutCompleted, map[string]any{
		"id": "cs_1", "payment_status": "paid",
		"metadata": map[string]string{"appointmentId": b.Appointment.ID.String(), "paymentId": other.Payment.ID.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, PaymentPending, f.payment(b.Payment.ID).Status)
	assert.Equal(t, PaymentPending, f.payment(other.Payment.ID).Status)
}

func (f *fixture) addSlot() uuid.UUID {
	id := uuid.New()
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.state.schedules[id] = Schedule{ID: id, StartAt: f.now.Add(48 * time.Hour), EndAt: f.now.Add(49 * time.Hour)}
	f.store.state.slots[slotKey{f.doctor.ID, id}] = DoctorScheduleSlot{DoctorID: f.doctor.ID, ScheduleID: id}
	return id
}

func TestSupersededSessionExpiryKeepsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.svc.CreateAppointmentWithPayLater(ctx, patientActor, f.input())
	require.NoError(t, err)

	_, err = f.svc.HandlePayLater(ctx, patientActor, b.Appointment.ID)
	require.NoError(t, err)
	_, err = f.svc.HandlePayLater(ctx, patientActor, b.Appointment.ID)
	require.NoError(t, err)

	require.Len(t, f.checkout.calls, 2)
	assert.Equal(t, 1, f.checkout.calls[0].Attempt)
	assert.Equal(t, 2, f.checkout.calls[1].Attempt)
	prefix := "cs_" + b.Payment.ID.String()[:8]
	firstSession, secondSession := prefix+"_1", prefix+"_2"

	pay := f.payment(b.Payment.ID)
	require.NotNil(t, pay.CheckoutSessionID)
	assert.Equal(t, secondSession, *pay.CheckoutSessionID)
	assert.Equal(t, 2, pay.CheckoutAttempts)

	res, err := f.deliver(t, "evt_exp_first", gateway.TypeCheckoutExpired, checkoutObject(b, firstSession, "unpaid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.True(t, f.slotBooked(), "hold survives the superseded session")
	assert.Equal(t, PaymentPending, f.payment(b.Payment.ID).Status)
	assert.Equal(t, StatusPending, f.appointment(b.Appointment.ID).Status)

	res, err = f.deliver(t, "evt_paid_second", gateway.TypeCheckoutCompleted, checkoutObject(b, secondSession, "paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	appt := f.appointment(b.Appointment.ID)
	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, PaymentComplete, appt.PaymentStatus)
	assert.Equal(t, PaymentComplete, f.payment(b.Payment.ID).Status)
	assert.True(t, f.slotBooked())
}

func TestCurrentSessionExpiryReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.svc.CreateAppointmentWithPayLater(ctx, patientActor, f.input())
	require.NoError(t, err)
	_, err = f.svc.HandlePayLater(ctx, patientActor, b.Appointment.ID)
	require.NoError(t, err)
	_, err = f.svc.HandlePayLater(ctx, patientActor, b.Appointment.ID)
	require.NoError(t, err)

	current := *f.payment(b.Payment.ID).CheckoutSessionID
	res, err := f.deliver(t, "evt_exp_current", gateway.TypeCheckoutExpired, checkoutObject(b, current, "unpaid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSlotReleased, res.Outcome)
	assert.False(t, f.slotBooked())
	assert.Equal(t, PaymentFailed, f.payment(b.Payment.ID).Status)
	assert.Equal(t, StatusCancelled, f.appointment(b.Appointment.ID).Status)
}
