package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
	"github.com/davidbz/tollgate/internal/pricing"
)

// Gateway runs inbound calls.
type Gateway interface {
	Handle(ctx context.Context, call domain.InboundCall) (*domain.CallResponse, error)
	Quote(ctx context.Context, call domain.InboundCall) (*domain.Quote, error)
}

// Accounts is the ledger surface exposed over HTTP.
type Accounts interface {
	CreateAccount(ctx context.Context, accountID string, initial domain.Micros) (domain.Account, error)
	Fund(ctx context.Context, accountID string, amount domain.Micros) (domain.TransactionRecord, error)
	CloseAccount(ctx context.Context, accountID string) (domain.Account, error)
	Balance(ctx context.Context, accountID string) (domain.Balance, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]domain.TransactionRecord, error)
	Analytics(ctx context.Context, accountID string) (domain.Analytics, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler handles HTTP requests.
type Handler struct {
	gateway     Gateway
	accounts    Accounts
	pricing     *pricing.Registry
	dispatchers domain.DispatcherRegistry
	checks      []HealthCheck
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(
	gateway Gateway,
	accounts Accounts,
	prices *pricing.Registry,
	dispatchers domain.DispatcherRegistry,
	checks []HealthCheck,
) *Handler {
	return &Handler{
		gateway:     gateway,
		accounts:    accounts,
		pricing:     prices,
		dispatchers: dispatchers,
		checks:      checks,
	}
}

// HandleCall runs one paid call. Settled calls answer 200; calls that need
// funds answer 402 with the quote, so the payer can top up and retry with the
// same idempotency key.
func (h *Handler) HandleCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var call domain.InboundCall
	if err := readJSON(r, &call); err != nil {
		writeError(w, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		call.IdempotencyKey = key
	}

	resp, err := h.gateway.Handle(ctx, call)
	if resp == nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(domain.KindOf(err))
	}
	if resp.PaymentRequired && resp.Quote != nil {
		w.Header().Set("X-Payment-Required", resp.Quote.ID)
		w.Header().Set("X-Payment-Amount", resp.Quote.TotalPayable.String())
		w.Header().Set("X-Payment-Currency", resp.Quote.Currency)
	}
	if resp.IdempotencyKey != "" {
		w.Header().Set("Idempotency-Key", resp.IdempotencyKey)
	}
	if resp.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}

	writeJSON(w, status, resp)
}

// HandleQuote prices a call without reserving funds.
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var call domain.InboundCall
	if err := readJSON(r, &call); err != nil {
		writeError(w, err)
		return
	}

	quote, err := h.gateway.Quote(r.Context(), call)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type providerInfo struct {
	ID       string        `json:"id"`
	Priced   bool          `json:"priced"`
	Rate     *pricing.Rate `json:"rate,omitempty"`
	Currency string        `json:"currency"`
}

// HandleProviders lists dispatchable providers with their current rates.
func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	ids, err := h.dispatchers.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	table := h.pricing.Current()
	out := make([]providerInfo, 0, len(ids))
	for _, id := range ids {
		info := providerInfo{ID: id, Currency: table.Currency}
		if rate, rateErr := table.Rate(id); rateErr == nil {
			info.Priced = true
			info.Rate = &rate
		}
		out = append(out, info)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"providers":       out,
		"pricing_version": table.Version,
	})
}

// HandleGetPricing returns the current pricing table.
func (h *Handler) HandleGetPricing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pricing.Current())
}

// HandleSwapPricing publishes a new pricing table. Quotes issued against the
// previous version keep their amounts.
func (h *Handler) HandleSwapPricing(w http.ResponseWriter, r *http.Request) {
	var table pricing.Table
	if err := readJSON(r, &table); err != nil {
		writeError(w, err)
		return
	}

	next, err := h.pricing.Swap(r.Context(), table)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

// HandleHealth reports liveness and the state of each dependency.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))

	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			observability.FromContext(ctx).Warn("health check failed",
				observability.String("dependency", check.Name),
				observability.Error(err))
			deps[check.Name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[check.Name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":       state,
		"dependencies": deps,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
