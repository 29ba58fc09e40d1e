package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPayload(t *testing.T, id, typ string, object map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    typ,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return data
}

func TestCreateCheckoutSession(t *testing.T) {
	appointmentID, paymentID := uuid.New(), uuid.New()
	var form map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "cs_123", "url": "https://checkout.stripe.com/pay/cs_123"})
	}))
	defer srv.Close()

	client := NewStripeClient(StripeConfig{SecretKey: "sk_test_123", BaseURL: srv.URL}, nil)
	sess, err := client.CreateCheckoutSession(context.Background(), SessionParams{
		AmountMinor:   150000,
		Currency:      "BDT",
		Description:   "Book Appointment with Dr. Rahman",
		AppointmentID: appointmentID,
		PaymentID:     paymentID,
		SuccessURL:    "https://app/success",
		CancelURL:     "https://app/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_123", sess.ID)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_123", sess.URL)

	assert.Equal(t, "bdt", form["line_items[0][price_data][currency]"][0])
	assert.Equal(t, "150000", form["line_items[0][price_data][unit_amount]"][0])
	assert.Equal(t, appointmentID.String(), form["metadata[appointmentId]"][0])
	assert.Equal(t, paymentID.String(), form["metadata[paymentId]"][0])
	assert.Equal(t, paymentID.String(), form["payment_intent_data[metadata][paymentId]"][0])
	assert.Equal(t, "https://app/success", form["success_url"][0])
}

func TestCheckoutIdempotencyKeyFollowsAttempt(t *testing.T) {
	paymentID := uuid.New()
	var keys []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "cs_1", "url": "https://checkout.stripe.com/pay/cs_1"})
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 9, 0, 59, 0, time.UTC)
	client := NewStripeClient(StripeConfig{SecretKey: "sk", BaseURL: srv.URL}, nil).
		WithClock(func() time.Time { return now })

	params := SessionParams{AmountMinor: 100, AppointmentID: uuid.New(), PaymentID: paymentID, Attempt: 1}
	_, err := client.CreateCheckoutSession(context.Background(), params)
	require.NoError(t, err)

	// a retry of the same attempt after the minute rolls over reuses the key
	now = now.Add(2 * time.Second)
	_, err = client.CreateCheckoutSession(context.Background(), params)
	require.NoError(t, err)

	params.Attempt = 2
	_, err = client.CreateCheckoutSession(context.Background(), params)
	require.NoError(t, err)

	require.Len(t, keys, 3)
	assert.Equal(t, IdempotencyKey(paymentID, 1), keys[0])
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, IdempotencyKey(paymentID, 2), keys[2])
	assert.NotEqual(t, keys[0], keys[2])
}

func TestCreateCheckoutSessionFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"down"}}`))
	}))
	defer srv.Close()

	client := NewStripeClient(StripeConfig{SecretKey: "sk", BaseURL: srv.URL}, nil)
	_, err := client.CreateCheckoutSession(context.Background(), SessionParams{AmountMinor: 100, AppointmentID: uuid.New(), PaymentID: uuid.New()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckoutUnavailable))
	assert.Contains(t, err.Error(), "api_error: down")

	_, err = client.CreateCheckoutSession(context.Background(), SessionParams{AmountMinor: 0})
	assert.ErrorIs(t, err, ErrCheckoutUnavailable)
}

func TestCreateCheckoutSessionDryRun(t *testing.T) {
	client := NewStripeClient(StripeConfig{DryRun: true}, nil)
	sess, err := client.CreateCheckoutSession(context.Background(), SessionParams{AmountMinor: 100, AppointmentID: uuid.New(), PaymentID: uuid.New()})
	require.NoError(t, err)
	assert.Contains(t, sess.URL, "dry-run")
}

func TestVerifySignature(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id":"evt_1"}`)

	good := SignatureHeader("whsec", payload, now)
	require.NoError(t, VerifySignature("whsec", payload, good, now, 5*time.Minute))

	cases := map[string]struct {
		secret string
		header string
	}{
		"unset secret":  {"", good},
		"empty header":  {"whsec", ""},
		"wrong secret":  {"other", good},
		"malformed":     {"whsec", "v1=abc"},
		"stale":         {"whsec", SignatureHeader("whsec", payload, now.Add(-10*time.Minute))},
		"bad timestamp": {"whsec", "t=abc,v1=00"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := VerifySignature(tc.secret, payload, tc.header, now, 5*time.Minute)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}

	t.Run("tampered body", func(t *testing.T) {
		err := VerifySignature("whsec", []byte(`{"id":"evt_2"}`), good, now, 5*time.Minute)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestParseEventVariants(t *testing.T) {
	appointmentID, paymentID := uuid.New(), uuid.New()
	md := map[string]string{"appointmentId": appointmentID.String(), "paymentId": paymentID.String()}

	evt, err := ParseEvent(buildPayload(t, "evt_1", TypeCheckoutCompleted, map[string]any{
		"id": "cs_1", "payment_status": "paid", "payment_intent": "pi_1", "amount_total": 1000, "metadata": md,
	}))
	require.NoError(t, err)
	completed, ok := evt.(CheckoutCompleted)
	require.True(t, ok)
	assert.True(t, completed.Paid())
	assert.Equal(t, appointmentID, completed.Checkout.Correlation.AppointmentID)
	assert.Equal(t, paymentID, completed.Checkout.Correlation.PaymentID)
	assert.Equal(t, "evt_1", completed.EventID())

	evt, err = ParseEvent(buildPayload(t, "evt_2", TypeCheckoutExpired, map[string]any{"id": "cs_1", "metadata": md}))
	require.NoError(t, err)
	_, ok = evt.(CheckoutExpired)
	assert.True(t, ok)

	evt, err = ParseEvent(buildPayload(t, "evt_3", TypePaymentIntentFailed, map[string]any{
		"id": "pi_1", "metadata": md, "last_payment_error": map[string]any{"message": "card declined"},
	}))
	require.NoError(t, err)
	failed, ok := evt.(PaymentFailed)
	require.True(t, ok)
	assert.Equal(t, "card declined", failed.Reason)
	assert.True(t, failed.Correlation.Valid())

	evt, err = ParseEvent(buildPayload(t, "evt_4", "customer.created", map[string]any{"id": "cus_1"}))
	require.NoError(t, err)
	_, ok = evt.(Unhandled)
	assert.True(t, ok)

	_, err = ParseEvent([]byte(`{"type":"checkout.session.completed"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = ParseEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestConstructEvent(t *testing.T) {
	now := time.Now()
	client := NewStripeClient(StripeConfig{WebhookSecret: "whsec"}, nil).WithClock(func() time.Time { return now })
	payload := buildPayload(t, "evt_1", "invoice.paid", map[string]any{"id": "in_1"})

	evt, err := client.ConstructEvent(payload, SignatureHeader("whsec", payload, now))
	require.NoError(t, err)
	assert.Equal(t, "invoice.paid", evt.EventType())

	_, err = client.ConstructEvent(payload, "t=1,v1=00")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
