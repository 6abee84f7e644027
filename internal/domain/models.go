package domain

import (
	"fmt"
	"time"
)

// Message represents a chat message in a call payload.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// Payload is the request forwarded to an upstream provider.
type Payload struct {
	Model     string            `json:"model,omitempty"`
	Messages  []Message         `json:"messages"`
	MaxTokens int               `json:"max_tokens,omitempty"`
	Class     string            `json:"class,omitempty"` // pricing request class, "standard" when empty
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so rewrites never alias the caller's payload.
func (p Payload) Clone() Payload {
	out := p
	out.Messages = make([]Message, len(p.Messages))
	copy(out.Messages, p.Messages)
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Equal reports whether two payloads carry the same content.
func (p Payload) Equal(other Payload) bool {
	if p.Model != other.Model || p.MaxTokens != other.MaxTokens || p.Class != other.Class {
		return false
	}
	if len(p.Messages) != len(other.Messages) {
		return false
	}
	for i := range p.Messages {
		if p.Messages[i] != other.Messages[i] {
			return false
		}
	}
	return true
}

// InboundCall is a single paid call submitted by a payer.
type InboundCall struct {
	PayerAccountID string   `json:"payer_account_id"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Provider       string   `json:"provider"`
	Payload        Payload  `json:"payload"`
	MaxCost        *Micros  `json:"max_cost,omitempty"`
	MinAccuracy    *float64 `json:"min_accuracy,omitempty"`
}

// OptimizationSummary describes what the optimizer did to a payload.
type OptimizationSummary struct {
	Applied            bool     `json:"applied"`
	Operators          []string `json:"operators,omitempty"`
	EstimatedAccuracy  float64  `json:"estimated_accuracy"`
	OriginalTokens     int64    `json:"original_tokens"`
	OptimizedTokens    int64    `json:"optimized_tokens"`
	Generations        int      `json:"generations"`
	Evaluations        int      `json:"evaluations"`
	BudgetExceeded     bool     `json:"budget_exceeded,omitempty"`
	ParetoFrontSize    int      `json:"pareto_front_size"`
	AccuracyFloor      float64  `json:"accuracy_floor"`
	OptimizerDurationN int64    `json:"optimizer_duration_ns"`
}

// Quote is a priced, time-bounded offer to perform one call.
type Quote struct {
	ID             string              `json:"id"`
	Provider       string              `json:"provider"`
	OriginalCost   Micros              `json:"original_cost"`
	OptimizedCost  Micros              `json:"optimized_cost"`
	PlatformFee    Micros              `json:"platform_fee"`
	TotalPayable   Micros              `json:"total_payable"`
	Currency       string              `json:"currency"`
	PricingVersion int64               `json:"pricing_version"`
	Optimization   OptimizationSummary `json:"optimization"`
	CreatedAt      time.Time           `json:"created_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
}

// Savings returns the cost avoided by optimization.
func (q Quote) Savings() Micros {
	if q.OriginalCost <= q.OptimizedCost {
		return 0
	}
	return q.OriginalCost - q.OptimizedCost
}

// Expired reports whether the quote can no longer be honored at now.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// Receipt is attached to a settled response.
type Receipt struct {
	AmountCharged        Micros    `json:"amount_charged"`
	OriginalCostEstimate Micros    `json:"original_cost_estimate"`
	OptimizedCost        Micros    `json:"optimized_cost"`
	PlatformFee          Micros    `json:"platform_fee"`
	Savings              Micros    `json:"savings"`
	TransactionID        string    `json:"transaction_id"`
	SettlementReference  string    `json:"settlement_reference"`
	ReservationID        string    `json:"reservation_id"`
	QuoteID              string    `json:"quote_id"`
	SettledAt            time.Time `json:"settled_at"`
}

// UpstreamResult is what a dispatcher returns on success.
type UpstreamResult struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model,omitempty"`
	Content          string    `json:"content"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	FinishTime       time.Time `json:"finish_time"`
}

// CallStatus is the coarse outcome visible to callers.
type CallStatus string

// Call statuses.
const (
	StatusSettled  CallStatus = "settled"
	StatusRejected CallStatus = "rejected"
)

// CallState is a gateway state machine state.
type CallState string

// Gateway states.
const (
	StateReceived   CallState = "received"
	StateQuoted     CallState = "quoted"
	StateReserved   CallState = "reserved"
	StateFulfilling CallState = "fulfilling"
	StateSettled    CallState = "settled"
	StateReleased   CallState = "released"
	StateRejected   CallState = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s CallState) Terminal() bool {
	return s == StateSettled || s == StateReleased || s == StateRejected
}

// CallError is the error body returned to callers.
type CallError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// CallResponse is the synchronous outcome of an inbound call.
type CallResponse struct {
	Status          CallStatus      `json:"status"`
	State           CallState       `json:"state"`
	IdempotencyKey  string          `json:"idempotency_key"`
	PaymentRequired bool            `json:"payment_required,omitempty"`
	Receipt         *Receipt        `json:"receipt,omitempty"`
	Quote           *Quote          `json:"quote,omitempty"`
	Result          *UpstreamResult `json:"result,omitempty"`
	Error           *CallError      `json:"error,omitempty"`
	Replayed        bool            `json:"replayed,omitempty"`
}

// Err rebuilds the classified error of a non-settled response so callers
// can match replayed outcomes with errors.Is.
func (r *CallResponse) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", r.Error.Kind.Err(), r.Error.Message)
}

// Account is a payer's balance record.
type Account struct {
	ID             string    `json:"id"`
	Balance        Micros    `json:"balance"`
	Reserved       Micros    `json:"reserved"`
	InitialBalance Micros    `json:"initial_balance"`
	Version        int64     `json:"version"`
	Closed         bool      `json:"closed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available returns the balance not held by reservations.
func (a Account) Available() Micros {
	return a.Balance - a.Reserved
}

// ReservationState is the lifecycle state of a hold.
type ReservationState string

// Reservation states.
const (
	ReservationHeld     ReservationState = "held"
	ReservationCaptured ReservationState = "captured"
	ReservationReleased ReservationState = "released"
)

// Reservation is a hold against an account pending capture or release.
type Reservation struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Amount         Micros           `json:"amount"`
	State          ReservationState `json:"state"`
	QuoteID        string           `json:"quote_id,omitempty"`
	OriginalCost   Micros           `json:"original_cost"`
	Savings        Micros           `json:"savings"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
}

// Expired reports whether the hold's ttl has elapsed at now.
func (r Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TransactionKind classifies ledger entries.
type TransactionKind string

// Transaction kinds.
const (
	TransactionCapture TransactionKind = "capture"
	TransactionRelease TransactionKind = "release"
	TransactionFund    TransactionKind = "fund"
)

// TransactionRecord is an immutable, append-only ledger entry.
type TransactionRecord struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Kind          TransactionKind `json:"kind"`
	Delta         Micros          `json:"delta"`
	BalanceAfter  Micros          `json:"balance_after"`
	OriginalCost  Micros          `json:"original_cost,omitempty"`
	Savings       Micros          `json:"savings,omitempty"`
	SettlementRef string          `json:"settlement_reference,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Balance is the answer to a balance query.
type Balance struct {
	AccountID string `json:"account_id"`
	Available Micros `json:"available"`
	Reserved  Micros `json:"reserved"`
	Total     Micros `json:"total"`
}

// Analytics aggregates an account's settled activity.
type Analytics struct {
	AccountID         string  `json:"account_id"`
	TotalCalls        int64   `json:"total_calls"`
	ReleasedCalls     int64   `json:"released_calls"`
	TotalSpent        Micros  `json:"total_spent"`
	TotalOriginalCost Micros  `json:"total_original_cost"`
	TotalSaved        Micros  `json:"total_saved"`
	SavingsPercentage float64 `json:"savings_percentage"`
	TotalFunded       Micros  `json:"total_funded"`
}
