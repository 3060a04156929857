// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the orchestration API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/flowcore/model"
)

// retryAfterSeconds is advertised on retryable failures: runtime outages,
// timeouts and starts already in flight under the same idempotency key.
const retryAfterSeconds = "1"

// HTTPStatus returns the status an error code is served with. Runtime
// failures are gateway errors because flowcore only relays them.
func HTTPStatus(code string) int {
	switch code {
	case model.ErrBadRequest:
		return http.StatusBadRequest
	case model.ErrUnauthorized, model.ErrInvalidSignature:
		return http.StatusUnauthorized
	case model.ErrForbidden:
		return http.StatusForbidden
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict, model.ErrAlreadyClaimed:
		return http.StatusConflict
	case model.ErrValidationError, model.ErrInvalidTransition, model.ErrAmbiguousRules,
		model.ErrInvalidExpression, model.ErrInvalidCron:
		return http.StatusUnprocessableEntity
	case model.ErrBackendUnavailable, model.ErrRuntimeRejected:
		return http.StatusBadGateway
	case model.ErrBackendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes body as JSON. A nil body writes headers only.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as {"error": envelope}. Errors that do not wrap an
// ErrorEnvelope are hidden behind a generic internal error.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	if ee.Retryable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	WriteJSON(w, HTTPStatus(ee.Code), struct {
		Error *model.ErrorEnvelope `json:"error"`
	}{ee})
}

// WriteValidationError writes a 422 with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
