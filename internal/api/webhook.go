package api

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/appointment"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBytes       = 512 << 10
)

// WebhookReconciler applies signed gateway events.
type WebhookReconciler interface {
	HandleGatewayEvent(ctx context.Context, payload []byte, signatureHeader string) (*appointment.ReconcileResult, error)
}

type webhookHandler struct {
	reconciler WebhookReconciler
	logger     *zap.Logger
}

// ServeHTTP hands the unparsed body to the reconciler so the signature is
// checked against the exact bytes the gateway signed. Anything other than
// a bad signature or an infrastructure failure is acknowledged with 200.
func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read webhook body")
		return
	}

	res, err := h.reconciler.HandleGatewayEvent(r.Context(), payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if appointment.KindOf(err) == appointment.KindInvalidSignature {
			writeError(w, http.StatusBadRequest, appointment.KindInvalidSignature.String(), "webhook signature verification failed")
			return
		}
		h.logger.Error("webhook processing failed; gateway will retry",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, appointment.KindInternal.String(), "webhook processing failed")
		return
	}

	writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Outcome: string(res.Outcome)})
}
