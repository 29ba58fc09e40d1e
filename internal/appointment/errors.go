package appointment

import "errors"

// Kind classifies a domain failure. The API layer maps kinds to HTTP status
// codes in one place.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindForbidden
	KindInvalidInput
	KindInvalidSignature
	KindGateway
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindGateway:
		return "gateway_error"
	default:
		return "internal_error"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrDoctorNotFound      = newError(KindNotFound, "doctor profile not found")
	ErrPatientNotFound     = newError(KindNotFound, "patient profile not found")
	ErrSlotNotFound        = newError(KindNotFound, "schedule not found for this doctor")
	ErrAppointmentNotFound = newError(KindNotFound, "appointment not found")
	ErrPaymentNotFound     = newError(KindNotFound, "payment record not found")

	ErrSlotAlreadyBooked       = newError(KindConflict, "this schedule is already booked")
	ErrSlotBeingBooked         = newError(KindConflict, "slot is currently being booked, please retry")
	ErrAlreadyCancelled        = newError(KindConflict, "appointment already cancelled")
	ErrAppointmentCompleted    = newError(KindConflict, "appointment already completed")
	ErrPaymentAlreadyCompleted = newError(KindConflict, "payment already completed")
	ErrPaymentNotPending       = newError(KindConflict, "payment is no longer pending")
	ErrInvalidStatusTransition = newError(KindConflict, "invalid status transition")
	ErrConcurrentUpdate        = newError(KindConflict, "concurrent update, please retry")
	ErrDuplicateEvent          = newError(KindConflict, "gateway event already recorded")

	ErrForbidden    = newError(KindForbidden, "not allowed to act on this appointment")
	ErrInvalidInput = newError(KindInvalidInput, "invalid input")

	ErrInvalidSignature = newError(KindInvalidSignature, "webhook signature verification failed")
)

func gatewayError(err error) error {
	return &Error{Kind: KindGateway, Msg: "checkout session unavailable, retry via pay-later", Err: err}
}

func invalidSignature(err error) error {
	return &Error{Kind: KindInvalidSignature, Msg: ErrInvalidSignature.Msg, Err: errors.Join(ErrInvalidSignature, err)}
}
