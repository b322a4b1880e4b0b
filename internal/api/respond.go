package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"bob-ramp/internal/ledger"
	"bob-ramp/internal/pricing"
	"bob-ramp/internal/ramp"
)

const internalMessage = "internal error"

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message})
}

// statusFor maps the error taxonomy to an HTTP status. Unknown errors are
// internal and their text is not exposed.
func statusFor(err error) (int, string) {
	var (
		validation *ramp.ValidationError
		transition *ramp.TransitionError
		simulation *ledger.SimulationError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.Is(err, ramp.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ramp.ErrNotFound), errors.Is(err, ramp.ErrQuoteNotFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &transition):
		return http.StatusConflict, transition.Error()
	case errors.Is(err, ramp.ErrStatusConflict),
		errors.Is(err, ramp.ErrSettlementInProgress),
		errors.Is(err, ramp.ErrDepositNotVerified),
		errors.Is(err, ramp.ErrDuplicateRequest):
		return http.StatusConflict, err.Error()
	case errors.As(err, &simulation):
		return http.StatusUnprocessableEntity, simulation.Error()
	case errors.Is(err, pricing.ErrAggregationFailed), errors.Is(err, ramp.ErrSettlementUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, internalMessage
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	level := zerolog.InfoLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.ErrorLevel
	}
	s.logger.WithLevel(level).Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")
	writeFailure(w, status, message)
}

// decode reads a JSON body into dst.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		return &ramp.ValidationError{Field: "body", Message: "malformed JSON"}
	}
	return nil
}
