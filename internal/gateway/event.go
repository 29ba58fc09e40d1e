package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Stripe event type strings that map onto the reconciler's state machine.
const (
	TypeCheckoutCompleted          = "checkout.session.completed"
	TypeCheckoutAsyncPaymentOK     = "checkout.session.async_payment_succeeded"
	TypeCheckoutExpired            = "checkout.session.expired"
	TypeCheckoutAsyncPaymentFailed = "checkout.session.async_payment_failed"
	TypePaymentIntentFailed        = "payment_intent.payment_failed"
)

// Event is a decoded webhook. The concrete type is one of CheckoutCompleted,
// CheckoutExpired, PaymentFailed or Unhandled.
type Event interface {
	EventID() string
	EventType() string
	Payload() []byte
	isEvent()
}

// Envelope carries the fields every event shares.
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
	Raw     []byte
}

func (e Envelope) EventID() string   { return e.ID }
func (e Envelope) EventType() string { return e.Type }
func (e Envelope) Payload() []byte   { return e.Raw }

// Correlation is the metadata stamped on every checkout session we create.
type Correlation struct {
	AppointmentID uuid.UUID
	PaymentID     uuid.UUID
}

// Valid reports whether both ids were present and well formed.
func (c Correlation) Valid() bool {
	return c.AppointmentID != uuid.Nil && c.PaymentID != uuid.Nil
}

// Checkout is the subset of a checkout.session object the reconciler reads.
type Checkout struct {
	SessionID     string
	PaymentStatus string // paid, unpaid, no_payment_required
	PaymentIntent string
	AmountTotal   int64
	Currency      string
	Correlation   Correlation
}

type CheckoutCompleted struct {
	Envelope
	Checkout Checkout
}

// Paid reports whether the session reached a settled payment.
func (e CheckoutCompleted) Paid() bool {
	return e.Checkout.PaymentStatus == "paid"
}

type CheckoutExpired struct {
	Envelope
	Checkout Checkout
}

type PaymentFailed struct {
	Envelope
	PaymentIntent string
	Reason        string
	Correlation   Correlation
}

// Unhandled is any event type outside the reconciler's catalog.
type Unhandled struct {
	Envelope
}

func (CheckoutCompleted) isEvent() {}
func (CheckoutExpired) isEvent()   {}
func (PaymentFailed) isEvent()     {}
func (Unhandled) isEvent()         {}

type rawEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type rawCheckout struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

type rawPaymentIntent struct {
	ID               string            `json:"id"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// ParseEvent decodes an authenticated payload into its tagged variant.
func ParseEvent(payload []byte) (Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	base := Envelope{
		ID:      env.ID,
		Type:    env.Type,
		Created: time.Unix(env.Created, 0).UTC(),
		Raw:     payload,
	}

	switch env.Type {
	case TypeCheckoutCompleted, TypeCheckoutAsyncPaymentOK:
		co, err := decodeCheckout(env.Data.Object)
		if err != nil {
			return nil, err
		}
		return CheckoutCompleted{Envelope: base, Checkout: co}, nil
	case TypeCheckoutExpired:
		co, err := decodeCheckout(env.Data.Object)
		if err != nil {
			return nil, err
		}
		return CheckoutExpired{Envelope: base, Checkout: co}, nil
	case TypeCheckoutAsyncPaymentFailed:
		co, err := decodeCheckout(env.Data.Object)
		if err != nil {
			return nil, err
		}
		return PaymentFailed{Envelope: base, PaymentIntent: co.PaymentIntent, Reason: "async payment failed", Correlation: co.Correlation}, nil
	case TypePaymentIntentFailed:
		var pi rawPaymentIntent
		if err := json.Unmarshal(env.Data.Object, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedEvent, err)
		}
		reason := ""
		if pi.LastPaymentError != nil {
			reason = pi.LastPaymentError.Message
		}
		return PaymentFailed{Envelope: base, PaymentIntent: pi.ID, Reason: reason, Correlation: correlationFrom(pi.Metadata)}, nil
	default:
		return Unhandled{Envelope: base}, nil
	}
}

func decodeCheckout(obj json.RawMessage) (Checkout, error) {
	var rc rawCheckout
	if err := json.Unmarshal(obj, &rc); err != nil {
		return Checkout{}, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
	}
	return Checkout{
		SessionID:     rc.ID,
		PaymentStatus: rc.PaymentStatus,
		PaymentIntent: rc.PaymentIntent,
		AmountTotal:   rc.AmountTotal,
		Currency:      rc.Currency,
		Correlation:   correlationFrom(rc.Metadata),
	}, nil
}

func correlationFrom(md map[string]string) Correlation {
	var c Correlation
	if id, err := uuid.Parse(md["appointmentId"]); err == nil {
		c.AppointmentID = id
	}
	if id, err := uuid.Parse(md["paymentId"]); err == nil {
		c.PaymentID = id
	}
	return c
}
