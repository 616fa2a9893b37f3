// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/codeready-toolchain/waitingroom/internal/handlers"
	"github.com/codeready-toolchain/waitingroom/internal/obs"
)

// errorEnvelope is the error response shape §6 fixes: error, message,
// correlationId.
type errorEnvelope struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func (a *API) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error("encode response failed", obs.Err(err))
	}
}

func (a *API) writeEnvelope(w http.ResponseWriter, r *http.Request, status int, errKind, message string) {
	a.writeJSON(w, r, status, errorEnvelope{
		Error:         errKind,
		Message:       message,
		CorrelationID: correlationIDFrom(r),
	})
}

func (a *API) writeValidationError(w http.ResponseWriter, r *http.Request, message string) {
	a.writeEnvelope(w, r, http.StatusBadRequest, "InvalidRequest", message)
}

func (a *API) writeNotFound(w http.ResponseWriter, r *http.Request, format string, args ...any) {
	a.writeEnvelope(w, r, http.StatusNotFound, "NotFound", fmt.Sprintf(format, args...))
}

func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	a.log.Error("unexpected failure serving request",
		obs.String("path", r.URL.Path),
		obs.String("correlation_id", correlationIDFrom(r)),
		obs.Err(err))
	a.writeEnvelope(w, r, http.StatusInternalServerError, "Unexpected", "an unexpected error occurred")
}

// writeError translates a command-handler error via handlers.HTTPStatus
// into the response envelope, logging unexpected (500) failures with
// their correlation id per §7's propagation policy.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := handlers.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("command failed unexpectedly",
			obs.String("path", r.URL.Path),
			obs.String("correlation_id", correlationIDFrom(r)),
			obs.Err(err))
	} else {
		a.log.Warn("command rejected",
			obs.String("path", r.URL.Path),
			obs.Int("status", status),
			obs.Err(err))
	}

	var kind string
	switch status {
	case http.StatusNotFound:
		kind = "NotFound"
	case http.StatusConflict:
		kind = "ConcurrencyConflict"
	case http.StatusUnprocessableEntity:
		kind = "BusinessRuleViolation"
	case http.StatusBadRequest:
		kind = "DomainViolation"
	default:
		kind = "Unexpected"
	}
	a.writeEnvelope(w, r, status, kind, err.Error())
}
