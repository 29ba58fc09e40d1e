package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type slotKey struct{ doctorID, scheduleID uuid.UUID }

type memState struct {
	doctors      map[uuid.UUID]Doctor
	patients     map[uuid.UUID]Patient
	schedules    map[uuid.UUID]Schedule
	slots        map[slotKey]DoctorScheduleSlot
	appointments map[uuid.UUID]Appointment
	payments     map[uuid.UUID]Payment
	events       []EventLog
}

func newMemState() *memState {
	return &memState{
		doctors:      map[uuid.UUID]Doctor{},
		patients:     map[uuid.UUID]Patient{},
		schedules:    map[uuid.UUID]Schedule{},
		slots:        map[slotKey]DoctorScheduleSlot{},
		appointments: map[uuid.UUID]Appointment{},
		payments:     map[uuid.UUID]Payment{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.doctors {
		c.doctors[k] = v
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	for k, v := range s.schedules {
		c.schedules[k] = v
	}
	for k, v := range s.slots {
		c.slots[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	c.events = append([]EventLog(nil), s.events...)
	return c
}

// memStore is a serializable in-memory Repository. Each transaction works on
// a copy of the state that replaces the original only on success.
type memStore struct {
	mu    sync.Mutex
	state *memState

	failInsertPayment error
}

func newMemStore() *memStore {
	return &memStore{state: newMemState()}
}

func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memStore) detail(st *memState, a Appointment) AppointmentDetail {
	d := AppointmentDetail{Appointment: a}
	if doc, ok := st.doctors[a.DoctorID]; ok {
		d.Doctor = &doc
	}
	if p, ok := st.patients[a.PatientID]; ok {
		d.Patient = &p
	}
	if sc, ok := st.schedules[a.ScheduleID]; ok {
		d.Schedule = &sc
	}
	for _, p := range st.payments {
		if p.AppointmentID == a.ID {
			pay := p
			d.Payment = &pay
		}
	}
	return d
}

func (m *memStore) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	d := m.detail(m.state, a)
	return &d, nil
}

func (m *memStore) ListAppointments(_ context.Context, f ListFilter) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AppointmentDetail
	for _, a := range m.state.appointments {
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		out = append(out, m.detail(m.state, a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset >= len(out) {
		return []AppointmentDetail{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) GetPatientByUserID(ctx context.Context, userID string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: m.state}).GetPatientByUserID(ctx, userID)
}

func (m *memStore) GetDoctorByUserID(_ context.Context, userID string) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.state.doctors {
		if d.UserID == userID && !d.IsDeleted {
			doc := d
			return &doc, nil
		}
	}
	return nil, ErrDoctorNotFound
}

func (m *memStore) GetPaymentByEventID(_ context.Context, eventID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.state.payments {
		if p.GatewayEventID != nil && *p.GatewayEventID == eventID {
			pay := p
			return &pay, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *memStore) FindStalePayLater(_ context.Context, before time.Time, limit int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.state.appointments {
		if a.Status == StatusPending && a.PaymentStatus == PaymentPending && a.CreatedAt.Before(before) {
			out = append(out, a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) WithTx(_ context.Context, fn func(tx TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{st: work, failInsertPayment: m.failInsertPayment}); err != nil {
		return err
	}
	m.state = work
	return nil
}

type memTx struct {
	st                *memState
	failInsertPayment error
}

func (t *memTx) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	d, ok := t.st.doctors[id]
	if !ok || d.IsDeleted {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (t *memTx) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := t.st.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (t *memTx) GetPatientByUserID(_ context.Context, userID string) (*Patient, error) {
	for _, p := range t.st.patients {
		if p.UserID == userID {
			pat := p
			return &pat, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (t *memTx) LockSlot(_ context.Context, doctorID, scheduleID uuid.UUID) (*DoctorScheduleSlot, error) {
	s, ok := t.st.slots[slotKey{doctorID, scheduleID}]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (t *memTx) MarkSlotBooked(_ context.Context, doctorID, scheduleID uuid.UUID) error {
	k := slotKey{doctorID, scheduleID}
	s, ok := t.st.slots[k]
	if !ok || s.IsBooked {
		return ErrSlotAlreadyBooked
	}
	s.IsBooked = true
	t.st.slots[k] = s
	return nil
}

func (t *memTx) ReleaseSlot(_ context.Context, doctorID, scheduleID uuid.UUID) error {
	k := slotKey{doctorID, scheduleID}
	if s, ok := t.st.slots[k]; ok {
		s.IsBooked = false
		t.st.slots[k] = s
	}
	return nil
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	for _, other := range t.st.appointments {
		if other.DoctorID == a.DoctorID && other.ScheduleID == a.ScheduleID && other.Status != StatusCancelled {
			return ErrSlotAlreadyBooked
		}
	}
	t.st.appointments[a.ID] = *a
	return nil
}

func (t *memTx) LockAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.st.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *memTx) UpdateAppointmentState(_ context.Context, id uuid.UUID, from, to Status, payment PaymentStatus) (*Appointment, error) {
	a, ok := t.st.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrInvalidStatusTransition
	}
	a.Status, a.PaymentStatus = to, payment
	t.st.appointments[id] = a
	return &a, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *Payment) error {
	if t.failInsertPayment != nil {
		return t.failInsertPayment
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *memTx) LockPayment(_ context.Context, id uuid.UUID) (*Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) LockPaymentByAppointment(_ context.Context, appointmentID uuid.UUID) (*Payment, error) {
	for _, p := range t.st.payments {
		if p.AppointmentID == appointmentID {
			pay := p
			return &pay, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (t *memTx) UpdatePayment(_ context.Context, u PaymentUpdate) (*Payment, error) {
	p, ok := t.st.payments[u.ID]
	if !ok || p.Status != u.From {
		return nil, ErrPaymentNotPending
	}
	if u.EventID != nil {
		for id, other := range t.st.payments {
			if id != u.ID && other.GatewayEventID != nil && *other.GatewayEventID == *u.EventID {
				return nil, ErrDuplicateEvent
			}
		}
		ev := *u.EventID
		p.GatewayEventID = &ev
	}
	if u.Payload != nil {
		p.GatewayPayload = u.Payload
	}
	p.Status = u.To
	t.st.payments[u.ID] = p
	return &p, nil
}

func (t *memTx) SetCheckoutSession(_ context.Context, paymentID uuid.UUID, sessionID string, attempt int) (*Payment, error) {
	p, ok := t.st.payments[paymentID]
	if !ok || p.Status != PaymentPending || p.CheckoutAttempts >= attempt {
		return nil, ErrPaymentNotPending
	}
	p.CheckoutSessionID = &sessionID
	p.CheckoutAttempts = attempt
	t.st.payments[paymentID] = p
	return &p, nil
}

func (t *memTx) InsertEvent(_ context.Context, ev EventLog) error {
	if ev.EventType == "" {
		return errors.New("event type required")
	}
	ev.ID = int64(len(t.st.events) + 1)
	t.st.events = append(t.st.events, ev)
	return nil
}
