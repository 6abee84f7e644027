package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by the pricing, optimizer, ledger and gateway layers.
var (
	ErrInvalidRequest             = errors.New("invalid request")
	ErrUnknownProvider            = errors.New("unknown provider")
	ErrInsufficientFunds          = errors.New("insufficient funds")
	ErrDuplicateKey               = errors.New("duplicate idempotency key")
	ErrReservationExpired         = errors.New("reservation expired")
	ErrReservationNotHeld         = errors.New("reservation not held")
	ErrReservationNotFound        = errors.New("reservation not found")
	ErrUpstream                   = errors.New("upstream error")
	ErrOptimizationBudgetExceeded = errors.New("optimization budget exceeded")
	ErrTimeout                    = errors.New("timeout")
	ErrAccountNotFound            = errors.New("account not found")
	ErrAccountClosed              = errors.New("account closed")
	ErrAccountExists              = errors.New("account already exists")
	ErrMaxCostExceeded            = errors.New("quote exceeds max cost")
	ErrQuoteExpired               = errors.New("quote expired")
	ErrConflict                   = errors.New("concurrent modification")
	ErrInFlight                   = errors.New("call already in flight")
)

// ErrorKind is the machine-readable error classification returned to callers.
type ErrorKind string

// Error kinds.
const (
	KindInvalidRequest             ErrorKind = "InvalidRequest"
	KindUnknownProvider            ErrorKind = "UnknownProvider"
	KindInsufficientFunds          ErrorKind = "InsufficientFunds"
	KindDuplicateKey               ErrorKind = "DuplicateKey"
	KindReservationExpired         ErrorKind = "ReservationExpired"
	KindReservationNotHeld         ErrorKind = "ReservationNotHeld"
	KindUpstreamError              ErrorKind = "UpstreamError"
	KindOptimizationBudgetExceeded ErrorKind = "OptimizationBudgetExceeded"
	KindTimeout                    ErrorKind = "Timeout"
	KindAccountNotFound            ErrorKind = "AccountNotFound"
	KindAccountClosed              ErrorKind = "AccountClosed"
	KindMaxCostExceeded            ErrorKind = "MaxCostExceeded"
	KindQuoteExpired               ErrorKind = "QuoteExpired"
	KindInFlight                   ErrorKind = "InFlight"
	KindAccountExists              ErrorKind = "AccountExists"
	KindConflict                   ErrorKind = "Conflict"
	KindInternal                   ErrorKind = "Internal"
)

//nolint:gochecknoglobals // Static lookup table
var kindBySentinel = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrUnknownProvider, KindUnknownProvider},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrDuplicateKey, KindDuplicateKey},
	{ErrReservationExpired, KindReservationExpired},
	{ErrReservationNotHeld, KindReservationNotHeld},
	{ErrTimeout, KindTimeout},
	{ErrUpstream, KindUpstreamError},
	{ErrOptimizationBudgetExceeded, KindOptimizationBudgetExceeded},
	{ErrAccountNotFound, KindAccountNotFound},
	{ErrAccountClosed, KindAccountClosed},
	{ErrMaxCostExceeded, KindMaxCostExceeded},
	{ErrQuoteExpired, KindQuoteExpired},
	{ErrInFlight, KindInFlight},
	{ErrAccountExists, KindAccountExists},
	{ErrConflict, KindConflict},
}

// KindOf classifies an error. An upstream call cut off by the dispatch
// deadline is reported as a timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	for _, entry := range kindBySentinel {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	return KindInternal
}

// UpstreamError describes a failed upstream dispatch.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s failed with status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is makes every UpstreamError match ErrUpstream, and timeouts match ErrTimeout.
func (e *UpstreamError) Is(target error) bool {
	if target == ErrUpstream {
		return true
	}
	return e.Timeout && target == ErrTimeout
}

// Err returns the sentinel a kind was derived from, so replayed outcomes
// can be matched with errors.Is like fresh ones.
func (k ErrorKind) Err() error {
	if k == "" {
		return nil
	}
	for _, entry := range kindBySentinel {
		if entry.kind == k {
			return entry.err
		}
	}
	return errors.New(string(k))
}
