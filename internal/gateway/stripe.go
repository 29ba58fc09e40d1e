package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("appointments.internal.gateway.stripe")

// ErrCheckoutUnavailable wraps every failure to obtain a checkout session.
var ErrCheckoutUnavailable = errors.New("checkout session unavailable")

// SessionParams describes one hosted checkout for one appointment.
type SessionParams struct {
	AmountMinor   int64 // smallest currency unit
	Currency      string
	Description   string
	AppointmentID uuid.UUID
	PaymentID     uuid.UUID
	SuccessURL    string
	CancelURL     string
	// Attempt numbers the sessions opened for one payment. Retries of the
	// same attempt share an idempotency key and get the same session back.
	Attempt int
}

// Session is the part of a created checkout session callers need.
type Session struct {
	ID  string
	URL string
}

// StripeClient talks to the Stripe Checkout API and validates its webhooks.
type StripeClient struct {
	secretKey     string
	webhookSecret string
	tolerance     time.Duration
	baseURL       string
	apiVersion    string
	httpClient    *http.Client
	logger        *zap.Logger
	dryRun        bool
	now           func() time.Time
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Tolerance     time.Duration
	DryRun        bool
}

func NewStripeClient(cfg StripeConfig, logger *zap.Logger) *StripeClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &StripeClient{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
		baseURL:       baseURL,
		apiVersion:    "2024-12-18.acacia",
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
		dryRun:        cfg.DryRun,
		now:           time.Now,
	}
}

// WithHTTPClient overrides the transport (tests).
func (c *StripeClient) WithHTTPClient(hc *http.Client) *StripeClient {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithClock overrides the clock used for webhook timestamp tolerance.
func (c *StripeClient) WithClock(now func() time.Time) *StripeClient {
	if now != nil {
		c.now = now
	}
	return c
}

// CreateCheckoutSession creates a one-line-item hosted checkout. The
// appointment and payment ids travel as metadata on both the session and its
// payment intent so every later webhook can be correlated.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p SessionParams) (*Session, error) {
	ctx, span := tracer.Start(ctx, "stripe.create_checkout_session", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", p.AppointmentID.String()),
		attribute.String("payment.id", p.PaymentID.String()),
		attribute.Int64("payment.amount_minor", p.AmountMinor),
	)

	if p.AmountMinor <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrCheckoutUnavailable)
	}

	if c.dryRun {
		fakeID := "cs_dryrun_" + uuid.NewString()[:8]
		c.logger.Info("stripe dry run: skipping checkout session creation",
			zap.String("appointment_id", p.AppointmentID.String()),
			zap.Int64("amount_minor", p.AmountMinor))
		return &Session{ID: fakeID, URL: "https://checkout.stripe.com/dry-run/" + fakeID}, nil
	}

	description := p.Description
	if strings.TrimSpace(description) == "" {
		description = "Doctor appointment"
	}
	currency := strings.ToLower(p.Currency)
	if currency == "" {
		currency = "usd"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.AmountMinor, 10))
	form.Set("line_items[0][price_data][product_data][name]", description)
	form.Set("line_items[0][quantity]", "1")
	if p.SuccessURL != "" {
		form.Set("success_url", p.SuccessURL)
	}
	if p.CancelURL != "" {
		form.Set("cancel_url", p.CancelURL)
	}
	form.Set("client_reference_id", p.AppointmentID.String())
	form.Set("metadata[appointmentId]", p.AppointmentID.String())
	form.Set("metadata[paymentId]", p.PaymentID.String())
	form.Set("payment_intent_data[metadata][appointmentId]", p.AppointmentID.String())
	form.Set("payment_intent_data[metadata][paymentId]", p.PaymentID.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrCheckoutUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Stripe-Version", c.apiVersion)
	req.Header.Set("Idempotency-Key", IdempotencyKey(p.PaymentID, p.Attempt))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: http: %v", ErrCheckoutUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		span.SetStatus(codes.Error, "stripe api error")
		return nil, fmt.Errorf("%w: stripe api status %d: %s", ErrCheckoutUnavailable, resp.StatusCode, readStripeError(body))
	}

	var parsed struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCheckoutUnavailable, err)
	}
	if parsed.URL == "" {
		return nil, fmt.Errorf("%w: response missing checkout url", ErrCheckoutUnavailable)
	}

	return &Session{ID: parsed.ID, URL: parsed.URL}, nil
}

// IdempotencyKey identifies one checkout attempt for a payment.
func IdempotencyKey(paymentID uuid.UUID, attempt int) string {
	return "checkout-" + paymentID.String() + "-" + strconv.Itoa(attempt)
}

// ConstructEvent authenticates a webhook body and decodes it.
func (c *StripeClient) ConstructEvent(payload []byte, signatureHeader string) (Event, error) {
	if err := VerifySignature(c.webhookSecret, payload, signatureHeader, c.now(), c.tolerance); err != nil {
		return nil, err
	}
	return ParseEvent(payload)
}

func readStripeError(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Type + ": " + e.Error.Message
	}
	return string(body)
}
