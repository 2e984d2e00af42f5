package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/selahapp/selah-go/internal/fault"
	"github.com/selahapp/selah-go/internal/logging"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("engine: encode response")
	}
}

// writeError maps a fault kind onto an HTTP status and emits the structured
// error envelope. Wrapped provider and store errors are logged server-side
// and never surfaced to the client. Transient upstream failures carry a
// Retry-After hint so clients back off instead of hammering.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := statusFor(kind)
	retryable := fault.Retryable(err)

	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Err(err).
		Str("kind", string(kind)).
		Str("requestId", logging.RequestIDFromContext(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Bool("retryable", retryable).
		Msg("Request failed")

	if retryable {
		w.Header().Set("Retry-After", "5")
	}

	msg := "internal error"
	if status < http.StatusInternalServerError {
		// Client-caused failures carry the taxonomy message verbatim.
		var fe *fault.Error
		if errors.As(err, &fe) {
			msg = fe.Msg
		} else {
			msg = err.Error()
		}
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Kind: string(kind), Message: msg}})
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.Unauthenticated:
		return http.StatusUnauthorized
	case fault.ValidationError:
		return http.StatusBadRequest
	case fault.PaymentIncomplete:
		return http.StatusConflict
	case fault.AccountMismatch:
		return http.StatusForbidden
	case fault.ProviderUnavailable:
		return http.StatusBadGateway
	case fault.StoreUnavailable:
		return http.StatusServiceUnavailable
	case fault.IntegrityViolation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{Error: errorBody{
		Kind:    "method_not_allowed",
		Message: "method not allowed",
	}})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.ValidationError, "invalid request body", err)
	}
	return nil
}
