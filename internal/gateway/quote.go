package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
	"github.com/davidbz/tollgate/internal/optimizer"
)

const derivedKeyHexLen = 32

// prepared is a priced call ready to be reserved.
type prepared struct {
	quote      *domain.Quote
	payload    domain.Payload
	dispatcher domain.Dispatcher
}

// Quote prices a call, optimization included, without reserving funds.
func (s *Service) Quote(ctx context.Context, call domain.InboundCall) (*domain.Quote, error) {
	if err := validateCall(call); err != nil {
		return nil, err
	}
	p, err := s.prepare(ctx, call)
	if err != nil {
		return nil, err
	}
	return p.quote, nil
}

// prepare resolves the dispatcher, optimizes the payload against the current
// pricing snapshot and builds the quote.
func (s *Service) prepare(ctx context.Context, call domain.InboundCall) (*prepared, error) {
	dispatcher, err := s.dispatchers.Get(ctx, call.Provider)
	if err != nil {
		return nil, err
	}

	table := s.pricing.Current()

	started := time.Now()
	result, err := s.optimizer.Optimize(ctx, optimizer.Request{
		Provider:      call.Provider,
		Payload:       call.Payload,
		Table:         table,
		MinAccuracy:   call.MinAccuracy,
		MinSavingsBps: s.config.MinSavingsBps,
	})
	if err != nil {
		return nil, err
	}
	s.recorder.Optimized(time.Since(started), result.Applied, result.BudgetExceeded)

	if result.BudgetExceeded {
		observability.FromContext(ctx).Warn("optimization budget exceeded, using best candidate found",
			observability.Int("evaluations", result.Evaluations),
			observability.Int("generations", result.Generations),
		)
	}

	original := result.Original.Cost
	optimized := result.Selected.Cost
	fee := s.config.Fees.Fee(original, optimized)
	now := s.clock.Now()

	quote := &domain.Quote{
		ID:             uuid.NewString(),
		Provider:       call.Provider,
		OriginalCost:   original,
		OptimizedCost:  optimized,
		PlatformFee:    fee,
		TotalPayable:   optimized + fee,
		Currency:       table.Currency,
		PricingVersion: table.Version,
		Optimization:   result.Summary(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.config.QuoteTTL),
	}

	return &prepared{
		quote:      quote,
		payload:    result.Selected.Payload,
		dispatcher: dispatcher,
	}, nil
}

func validateCall(call domain.InboundCall) error {
	if call.PayerAccountID == "" {
		return fmt.Errorf("%w: payer_account_id is required", domain.ErrInvalidRequest)
	}
	if call.Provider == "" {
		return fmt.Errorf("%w: provider is required", domain.ErrInvalidRequest)
	}
	if len(call.Payload.Messages) == 0 {
		return fmt.Errorf("%w: payload has no messages", domain.ErrInvalidRequest)
	}
	if call.MaxCost != nil && *call.MaxCost < 0 {
		return fmt.Errorf("%w: max_cost cannot be negative", domain.ErrInvalidRequest)
	}
	if call.MinAccuracy != nil && (*call.MinAccuracy < 0 || *call.MinAccuracy > 1) {
		return fmt.Errorf("%w: min_accuracy must be within [0, 1]", domain.ErrInvalidRequest)
	}
	return nil
}

// DeriveKey builds an idempotency key for a call that did not carry one.
// Identical calls from the same payer within one bucket share a key.
func DeriveKey(call domain.InboundCall, now time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = defaultKeyBucket
	}

	h := sha256.New()
	h.Write([]byte(call.PayerAccountID))
	h.Write([]byte{0})
	h.Write([]byte(call.Provider))
	h.Write([]byte{0})
	// Map keys are marshaled sorted, so equal payloads encode identically.
	payload, _ := json.Marshal(call.Payload) //nolint:errchkjson // Payload holds only strings and ints
	h.Write(payload)

	sum := hex.EncodeToString(h.Sum(nil))[:derivedKeyHexLen]
	return "drv-" + sum + "-" + strconv.FormatInt(now.UnixNano()/int64(bucket), 10)
}

// outcomeKey scopes an idempotency key to its payer. The length prefix keeps
// ("a", "b:c") and ("a:b", "c") apart.
func outcomeKey(payer, key string) string {
	return strconv.Itoa(len(payer)) + ":" + payer + ":" + key
}
