package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/appointment"
)

var validate = validator.New()

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeBody reads a JSON body into dst and validates it.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "uuid":
		return fe.Field() + " must be a valid UUID"
	}
	return fe.Field() + " failed " + fe.Tag() + " validation"
}

func statusForKind(k appointment.Kind) int {
	switch k {
	case appointment.KindNotFound:
		return http.StatusNotFound
	case appointment.KindConflict:
		return http.StatusConflict
	case appointment.KindForbidden:
		return http.StatusForbidden
	case appointment.KindInvalidInput, appointment.KindInvalidSignature:
		return http.StatusBadRequest
	case appointment.KindGateway:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeServiceError translates a service error into a response. Internal
// errors are logged and never echoed to the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	kind := appointment.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err))
		writeError(w, status, kind.String(), "unexpected error")
		return
	}

	var appErr *appointment.Error
	details := err.Error()
	if errors.As(err, &appErr) {
		details = appErr.Msg
	}
	writeError(w, status, kind.String(), details)
}
