package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Postgres error codes and constraint names the repository translates.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"

	constraintActiveSlot   = "appointments_active_slot_key"
	constraintGatewayEvent = "payments_gateway_event_id_key"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is satisfied by *pgxpool.Pool and by pgxmock pools.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db     DB
	logger *zap.Logger
}

func NewPgRepository(db DB, logger *zap.Logger) *PgRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgRepository{db: db, logger: logger}
}

const (
	appointmentColumns = `id, doctor_id, patient_id, schedule_id, status, payment_status, video_call_id, created_at, updated_at`
	paymentColumns     = `id, appointment_id, amount, currency, transaction_id, status, gateway_event_id, gateway_payload, checkout_session_id, checkout_attempts, created_at, updated_at`
	doctorColumns      = `id, user_id, name, email, appointment_fee, is_deleted, created_at, updated_at`
	patientColumns     = `id, user_id, name, email, created_at, updated_at`

	detailSelect = `
		SELECT a.id, a.doctor_id, a.patient_id, a.schedule_id, a.status, a.payment_status, a.video_call_id, a.created_at, a.updated_at,
		       d.id, d.user_id, d.name, d.email, d.appointment_fee, d.is_deleted, d.created_at, d.updated_at,
		       p.id, p.user_id, p.name, p.email, p.created_at, p.updated_at,
		       s.id, s.start_at, s.end_at,
		       pay.id, pay.appointment_id, pay.amount, pay.currency, pay.transaction_id, pay.status, pay.gateway_event_id, pay.checkout_session_id, pay.checkout_attempts, pay.created_at, pay.updated_at
		FROM appointments a
		JOIN doctors d ON d.id = a.doctor_id
		JOIN patients p ON p.id = a.patient_id
		JOIN schedules s ON s.id = a.schedule_id
		LEFT JOIN payments pay ON pay.appointment_id = a.id`
)

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Email, &d.AppointmentFee, &d.IsDeleted, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAppointment(row pgx.Row, notFound error) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.ScheduleID,
		&a.Status,
		&a.PaymentStatus,
		&a.VideoCallID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, err
	}
	return &a, nil
}

func scanPayment(row pgx.Row, notFound error) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.Amount,
		&p.Currency,
		&p.TransactionID,
		&p.Status,
		&p.GatewayEventID,
		&p.GatewayPayload,
		&p.CheckoutSessionID,
		&p.CheckoutAttempts,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, err
	}
	return &p, nil
}

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var (
		det AppointmentDetail
		doc Doctor
		pat Patient
		sch Schedule

		payID, payAppointmentID, payTxID *uuid.UUID
		payAmount                        *int64
		payCurrency, payEventID          *string
		paySessionID                     *string
		payAttempts                      *int
		payStatus                        *PaymentStatus
		payCreated, payUpdated           *time.Time
	)
	err := row.Scan(
		&det.ID, &det.DoctorID, &det.PatientID, &det.ScheduleID, &det.Status, &det.PaymentStatus, &det.VideoCallID, &det.CreatedAt, &det.UpdatedAt,
		&doc.ID, &doc.UserID, &doc.Name, &doc.Email, &doc.AppointmentFee, &doc.IsDeleted, &doc.CreatedAt, &doc.UpdatedAt,
		&pat.ID, &pat.UserID, &pat.Name, &pat.Email, &pat.CreatedAt, &pat.UpdatedAt,
		&sch.ID, &sch.StartAt, &sch.EndAt,
		&payID, &payAppointmentID, &payAmount, &payCurrency, &payTxID, &payStatus, &payEventID, &paySessionID, &payAttempts, &payCreated, &payUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	det.Doctor, det.Patient, det.Schedule = &doc, &pat, &sch
	if payID != nil {
		det.Payment = &Payment{
			ID:                *payID,
			AppointmentID:     deref(payAppointmentID),
			Amount:            deref(payAmount),
			Currency:          deref(payCurrency),
			TransactionID:     deref(payTxID),
			Status:            deref(payStatus),
			GatewayEventID:    payEventID,
			CheckoutSessionID: paySessionID,
			CheckoutAttempts:  deref(payAttempts),
			CreatedAt:         deref(payCreated),
			UpdatedAt:         deref(payUpdated),
		}
	}
	return &det, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// translatePgError maps constraint and serialization failures onto domain
// conflicts. Anything else is returned unchanged.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case constraintActiveSlot:
			return ErrSlotAlreadyBooked
		case constraintGatewayEvent:
			return ErrDuplicateEvent
		}
		return &Error{Kind: KindConflict, Msg: ErrConcurrentUpdate.Msg, Err: err}
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return &Error{Kind: KindConflict, Msg: ErrConcurrentUpdate.Msg, Err: err}
	}
	return err
}

// Shared reads

func getPatientByUserID(ctx context.Context, q querier, userID string) (*Patient, error) {
	row := q.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE user_id = $1
	`, userID)
	return scanPatient(row)
}

// Interface methods

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.db.QueryRow(ctx, detailSelect+`
		WHERE a.id = $1
	`, id)
	return scanDetail(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, filter ListFilter) ([]AppointmentDetail, error) {
	filter.Normalize()

	var where []string
	var args []any
	if filter.DoctorID != nil {
		args = append(args, *filter.DoctorID)
		where = append(where, fmt.Sprintf("a.doctor_id = $%d", len(args)))
	}
	if filter.PatientID != nil {
		args = append(args, *filter.PatientID)
		where = append(where, fmt.Sprintf("a.patient_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = append(where, fmt.Sprintf("a.status = $%d", len(args)))
	}

	sql := detailSelect
	if len(where) > 0 {
		sql += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	sql += fmt.Sprintf("\n\t\tORDER BY a.created_at DESC\n\t\tLIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	result := make([]AppointmentDetail, 0, filter.Limit)
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) GetPatientByUserID(ctx context.Context, userID string) (*Patient, error) {
	return getPatientByUserID(ctx, r.db, userID)
}

func (r *PgRepository) GetDoctorByUserID(ctx context.Context, userID string) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+doctorColumns+`
		FROM doctors
		WHERE user_id = $1 AND is_deleted = false
	`, userID)
	return scanDoctor(row)
}

func (r *PgRepository) GetPaymentByEventID(ctx context.Context, eventID string) (*Payment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE gateway_event_id = $1
	`, eventID)
	return scanPayment(row, ErrPaymentNotFound)
}

func (r *PgRepository) FindStalePayLater(ctx context.Context, createdBefore time.Time, limit int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'PENDING'
		  AND payment_status = 'PENDING'
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows, ErrAppointmentNotFound)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) WithTx(ctx context.Context, fn func(tx TxRepository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return translatePgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return translatePgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// pgTx implements TxRepository on an open transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+doctorColumns+`
		FROM doctors
		WHERE id = $1 AND is_deleted = false
	`, id)
	return scanDoctor(row)
}

func (t *pgTx) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (t *pgTx) GetPatientByUserID(ctx context.Context, userID string) (*Patient, error) {
	return getPatientByUserID(ctx, t.tx, userID)
}

func (t *pgTx) LockSlot(ctx context.Context, doctorID, scheduleID uuid.UUID) (*DoctorScheduleSlot, error) {
	var s DoctorScheduleSlot
	err := t.tx.QueryRow(ctx, `
		SELECT doctor_id, schedule_id, is_booked, updated_at
		FROM doctor_schedules
		WHERE doctor_id = $1 AND schedule_id = $2
		FOR UPDATE
	`, doctorID, scheduleID).Scan(&s.DoctorID, &s.ScheduleID, &s.IsBooked, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("lock slot: %w", err)
	}
	return &s, nil
}

func (t *pgTx) MarkSlotBooked(ctx context.Context, doctorID, scheduleID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE doctor_schedules
		SET is_booked = true,
		    updated_at = now()
		WHERE doctor_id = $1
		  AND schedule_id = $2
		  AND is_booked = false
	`, doctorID, scheduleID)
	if err != nil {
		return fmt.Errorf("mark slot booked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotAlreadyBooked
	}
	return nil
}

func (t *pgTx) ReleaseSlot(ctx context.Context, doctorID, scheduleID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE doctor_schedules
		SET is_booked = false,
		    updated_at = now()
		WHERE doctor_id = $1
		  AND schedule_id = $2
	`, doctorID, scheduleID)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.DoctorID, a.PatientID, a.ScheduleID, a.Status, a.PaymentStatus, a.VideoCallID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (t *pgTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row, ErrAppointmentNotFound)
}

func (t *pgTx) UpdateAppointmentState(ctx context.Context, id uuid.UUID, from, to Status, payment PaymentStatus) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    payment_status = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		RETURNING `+appointmentColumns, id, to, payment, from)
	return scanAppointment(row, ErrInvalidStatusTransition)
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments (id, appointment_id, amount, currency, transaction_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.AppointmentID, p.Amount, p.Currency, p.TransactionID, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) LockPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanPayment(row, ErrPaymentNotFound)
}

func (t *pgTx) LockPaymentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
		FOR UPDATE
	`, appointmentID)
	return scanPayment(row, ErrPaymentNotFound)
}

func (t *pgTx) UpdatePayment(ctx context.Context, u PaymentUpdate) (*Payment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
		    gateway_event_id = COALESCE($4, gateway_event_id),
		    gateway_payload = COALESCE($5, gateway_payload),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+paymentColumns, u.ID, u.To, u.From, u.EventID, u.Payload)
	return scanPayment(row, ErrPaymentNotPending)
}

func (t *pgTx) SetCheckoutSession(ctx context.Context, paymentID uuid.UUID, sessionID string, attempt int) (*Payment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE payments
		SET checkout_session_id = $2,
		    checkout_attempts = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'PENDING'
		  AND checkout_attempts < $3
		RETURNING `+paymentColumns, paymentID, sessionID, attempt)
	return scanPayment(row, ErrPaymentNotPending)
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
