package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/davidbz/tollgate/internal/domain"
)

const maxBodySize = 1 << 20

type errorEnvelope struct {
	Error domain.CallError `json:"error"`
}

//nolint:gochecknoglobals // Static lookup table
var statusByKind = map[domain.ErrorKind]int{
	domain.KindInvalidRequest:             http.StatusBadRequest,
	domain.KindUnknownProvider:            http.StatusNotFound,
	domain.KindInsufficientFunds:          http.StatusPaymentRequired,
	domain.KindDuplicateKey:               http.StatusConflict,
	domain.KindInFlight:                   http.StatusConflict,
	domain.KindReservationExpired:         http.StatusConflict,
	domain.KindReservationNotHeld:         http.StatusConflict,
	domain.KindQuoteExpired:               http.StatusConflict,
	domain.KindMaxCostExceeded:            http.StatusUnprocessableEntity,
	domain.KindAccountNotFound:            http.StatusNotFound,
	domain.KindAccountClosed:              http.StatusForbidden,
	domain.KindAccountExists:              http.StatusConflict,
	domain.KindConflict:                   http.StatusConflict,
	domain.KindUpstreamError:              http.StatusBadGateway,
	domain.KindTimeout:                    http.StatusGatewayTimeout,
	domain.KindOptimizationBudgetExceeded: http.StatusServiceUnavailable,
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError writes a classified error as {"error": {"kind", "message"}}.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	message := err.Error()
	if kind == domain.KindInternal {
		message = "internal error"
	}
	writeJSON(w, statusFor(kind), errorEnvelope{Error: domain.CallError{Kind: kind, Message: message}})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit. Decode
// failures are reported as invalid requests.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", domain.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}
