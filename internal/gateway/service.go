// Package gateway runs the payment state machine for inbound calls. A call is
// optimized and quoted, reserved against the payer's balance, dispatched
// upstream, and then captured on success or released on failure. Calls that
// share a payer and idempotency key resolve to a single outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/davidbz/tollgate/internal/clock"
	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/ledger"
	"github.com/davidbz/tollgate/internal/observability"
	"github.com/davidbz/tollgate/internal/optimizer"
	"github.com/davidbz/tollgate/internal/pricing"
)

// Optimizer rewrites payloads to lower their cost.
type Optimizer interface {
	Optimize(ctx context.Context, req optimizer.Request) (*optimizer.Result, error)
}

// Ledger is the part of the settlement ledger the gateway drives.
type Ledger interface {
	Authorize(ctx context.Context, req ledger.AuthorizeRequest) (domain.Reservation, error)
	Capture(ctx context.Context, reservationID string) (domain.TransactionRecord, error)
	Release(ctx context.Context, reservationID string) (domain.TransactionRecord, error)
	ReservationByKey(ctx context.Context, accountID, key string) (domain.Reservation, error)
	TransactionFor(ctx context.Context, reservationID string) (domain.TransactionRecord, error)
}

// Recorder receives call outcomes, typically for metrics.
type Recorder interface {
	CallResolved(state domain.CallState, kind domain.ErrorKind, elapsed time.Duration)
	Settled(charged, savings domain.Micros)
	Optimized(elapsed time.Duration, applied, budgetExceeded bool)
	Dispatched(provider string, elapsed time.Duration, err error)
}

type noopRecorder struct{}

func (noopRecorder) CallResolved(domain.CallState, domain.ErrorKind, time.Duration) {}

func (noopRecorder) Settled(domain.Micros, domain.Micros) {}

func (noopRecorder) Optimized(time.Duration, bool, bool) {}

func (noopRecorder) Dispatched(string, time.Duration, error) {}

type noopEvents struct{}

func (noopEvents) Publish(context.Context, string, map[string]any) {}

// Deps are the collaborators of a Service. Outcomes, Clock, Recorder and
// Events are optional.
type Deps struct {
	Pricing     *pricing.Registry
	Optimizer   Optimizer
	Ledger      Ledger
	Dispatchers domain.DispatcherRegistry
	Outcomes    domain.OutcomeStore
	Clock       clock.Clock
	Recorder    Recorder
	Events      domain.EventPublisher
}

// Service is the payment gateway.
type Service struct {
	config      Config
	pricing     *pricing.Registry
	optimizer   Optimizer
	ledger      Ledger
	dispatchers domain.DispatcherRegistry
	outcomes    domain.OutcomeStore
	clock       clock.Clock
	recorder    Recorder
	events      domain.EventPublisher

	flights singleflight.Group
	// inflight counts callers whose execution has not finished, including
	// callers that already stopped waiting.
	inflight sync.WaitGroup
}

// New creates a gateway service (DI constructor).
func New(config Config, deps Deps) *Service {
	s := &Service{
		config:      config.withDefaults(),
		pricing:     deps.Pricing,
		optimizer:   deps.Optimizer,
		ledger:      deps.Ledger,
		dispatchers: deps.Dispatchers,
		outcomes:    deps.Outcomes,
		clock:       deps.Clock,
		recorder:    deps.Recorder,
		events:      deps.Events,
		flights:     singleflight.Group{},
		inflight:    sync.WaitGroup{},
	}
	if s.clock == nil {
		s.clock = clock.NewSystem()
	}
	if s.outcomes == nil {
		s.outcomes = NewMemoryOutcomeStore(s.clock)
	}
	if s.recorder == nil {
		s.recorder = noopRecorder{}
	}
	if s.events == nil {
		s.events = noopEvents{}
	}
	return s
}

type flightResult struct {
	resp *domain.CallResponse
	err  error
}

// Handle runs one inbound call to a terminal state. The returned response is
// never nil; the error is the classified cause when the call did not settle.
//
// Concurrent calls with the same payer and key share one execution. That
// execution is detached from ctx: if the caller goes away the call still
// completes and its outcome is retained for a later retry.
func (s *Service) Handle(ctx context.Context, call domain.InboundCall) (*domain.CallResponse, error) {
	key := call.IdempotencyKey
	if err := validateCall(call); err != nil {
		resp := s.rejection(key, nil, err)
		s.finish(ctx, resp, err, time.Now())
		return resp, err
	}
	if key == "" {
		key = DeriveKey(call, s.clock.Now(), s.config.KeyBucket)
	}

	ctx = observability.WithPayer(ctx, call.PayerAccountID)
	ctx = observability.WithIdempotencyKey(ctx, key)
	ctx = observability.WithProvider(ctx, call.Provider)

	detached := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(outcomeKey(call.PayerAccountID, key), func() (any, error) {
		resp, err := s.process(detached, call, key)
		return flightResult{resp: resp, err: err}, nil
	})

	// Tracked until the shared execution finishes, even if this caller leaves.
	s.inflight.Add(1)
	results := make(chan singleflight.Result, 1)
	go func() {
		defer s.inflight.Done()
		results <- <-ch
	}()

	select {
	case res := <-results:
		out, _ := res.Val.(flightResult)
		resp := *out.resp
		return &resp, out.err
	case <-ctx.Done():
		err := fmt.Errorf("%w: caller stopped waiting, outcome is kept under key %s: %w",
			domain.ErrTimeout, key, ctx.Err())
		return &domain.CallResponse{
			Status:         domain.StatusRejected,
			State:          domain.StateFulfilling,
			IdempotencyKey: key,
			Error:          callError(err),
		}, err
	}
}

// Drain waits for every running call to reach a terminal state, so holds are
// captured or released before the ledger and its store shut down.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("calls still in flight: %w", ctx.Err())
	}
}

func (s *Service) process(ctx context.Context, call domain.InboundCall, key string) (*domain.CallResponse, error) {
	started := time.Now()
	logger := observability.FromContext(ctx)

	if resp, ok := s.replay(ctx, call.PayerAccountID, key); ok {
		logger.Info("replaying call outcome", observability.String("state", string(resp.State)))
		return resp, resp.Err()
	}

	p, err := s.prepare(ctx, call)
	if err != nil {
		return s.reject(ctx, key, nil, err, started)
	}
	quote := p.quote

	if call.MaxCost != nil && quote.TotalPayable > *call.MaxCost {
		err = fmt.Errorf("%w: total %s above max_cost %s", domain.ErrMaxCostExceeded, quote.TotalPayable, *call.MaxCost)
		return s.reject(ctx, key, quote, err, started)
	}

	ttl := s.config.ReservationTTL
	if untilExpiry := quote.ExpiresAt.Sub(s.clock.Now()); untilExpiry < ttl {
		ttl = untilExpiry
	}
	if ttl <= 0 {
		return s.reject(ctx, key, quote, fmt.Errorf("%w: quote %s", domain.ErrQuoteExpired, quote.ID), started)
	}

	res, err := s.ledger.Authorize(ctx, ledger.AuthorizeRequest{
		AccountID:      call.PayerAccountID,
		Amount:         quote.TotalPayable,
		IdempotencyKey: key,
		TTL:            ttl,
		QuoteID:        quote.ID,
		OriginalCost:   quote.OriginalCost,
		Savings:        quote.Savings(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			return s.reconstruct(ctx, call.PayerAccountID, key, res)
		}
		return s.reject(ctx, key, quote, err, started)
	}

	logger.Debug("funds reserved",
		observability.String("reservation_id", res.ID),
		observability.Amount("amount", res.Amount),
	)

	timeout := res.ExpiresAt.Sub(s.clock.Now()) - s.config.SafetyMargin
	if timeout <= 0 {
		err = fmt.Errorf("%w: no time left to dispatch before reservation %s expires", domain.ErrTimeout, res.ID)
		return s.release(ctx, call.PayerAccountID, key, quote, res, err, started)
	}

	result, err := s.dispatch(ctx, p, call.Provider, timeout)
	if err != nil {
		return s.release(ctx, call.PayerAccountID, key, quote, res, err, started)
	}

	tx, err := s.ledger.Capture(ctx, res.ID)
	if err != nil {
		if errors.Is(err, domain.ErrReservationExpired) {
			return s.released(ctx, call.PayerAccountID, key, quote, err, started)
		}
		// The hold stays held and lapses to released when the sweeper sees it.
		logger.Error("failed to capture reservation",
			observability.String("reservation_id", res.ID),
			observability.Error(err),
		)
		resp := &domain.CallResponse{
			Status:         domain.StatusRejected,
			State:          domain.StateFulfilling,
			IdempotencyKey: key,
			Quote:          quote,
			Error:          callError(err),
		}
		s.finish(ctx, resp, err, started)
		return resp, err
	}

	receipt := &domain.Receipt{
		AmountCharged:        -tx.Delta,
		OriginalCostEstimate: quote.OriginalCost,
		OptimizedCost:        quote.OptimizedCost,
		PlatformFee:          quote.PlatformFee,
		Savings:              quote.Savings(),
		TransactionID:        tx.ID,
		SettlementReference:  tx.SettlementRef,
		ReservationID:        res.ID,
		QuoteID:              quote.ID,
		SettledAt:            tx.CreatedAt,
	}
	resp := &domain.CallResponse{
		Status:         domain.StatusSettled,
		State:          domain.StateSettled,
		IdempotencyKey: key,
		Receipt:        receipt,
		Quote:          quote,
		Result:         result,
	}

	s.retain(ctx, call.PayerAccountID, key, resp)
	s.recorder.Settled(receipt.AmountCharged, receipt.Savings)
	s.finish(ctx, resp, nil, started)
	return resp, nil
}

func (s *Service) dispatch(
	ctx context.Context,
	p *prepared,
	provider string,
	timeout time.Duration,
) (*domain.UpstreamResult, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := p.dispatcher.Dispatch(dctx, provider, p.payload, timeout)
	if err == nil && result == nil {
		err = errors.New("dispatcher returned no result")
	}
	s.recorder.Dispatched(provider, time.Since(started), err)
	if err == nil {
		return result, nil
	}

	var upstreamErr *domain.UpstreamError
	if errors.As(err, &upstreamErr) {
		return nil, err
	}
	return nil, &domain.UpstreamError{
		Provider: provider,
		Timeout:  errors.Is(dctx.Err(), context.DeadlineExceeded),
		Err:      err,
	}
}

// release returns the held funds after a failed dispatch.
func (s *Service) release(
	ctx context.Context,
	payer, key string,
	quote *domain.Quote,
	res domain.Reservation,
	cause error,
	started time.Time,
) (*domain.CallResponse, error) {
	if _, err := s.ledger.Release(ctx, res.ID); err != nil {
		observability.FromContext(ctx).Error("failed to release reservation, it lapses at expiry",
			observability.String("reservation_id", res.ID),
			observability.Error(err),
		)
	}
	return s.released(ctx, payer, key, quote, cause, started)
}

func (s *Service) released(
	ctx context.Context,
	payer, key string,
	quote *domain.Quote,
	cause error,
	started time.Time,
) (*domain.CallResponse, error) {
	resp := &domain.CallResponse{
		Status:         domain.StatusRejected,
		State:          domain.StateReleased,
		IdempotencyKey: key,
		Quote:          quote,
		Error:          callError(cause),
	}
	s.retain(ctx, payer, key, resp)
	s.finish(ctx, resp, cause, started)
	return resp, cause
}

// reject ends a call before funds were reserved. Rejections are not retained,
// so a retry with the same key after a top-up proceeds normally.
func (s *Service) reject(
	ctx context.Context,
	key string,
	quote *domain.Quote,
	cause error,
	started time.Time,
) (*domain.CallResponse, error) {
	resp := s.rejection(key, quote, cause)
	s.finish(ctx, resp, cause, started)
	return resp, cause
}

func (s *Service) rejection(key string, quote *domain.Quote, cause error) *domain.CallResponse {
	return &domain.CallResponse{
		Status:          domain.StatusRejected,
		State:           domain.StateRejected,
		IdempotencyKey:  key,
		PaymentRequired: errors.Is(cause, domain.ErrInsufficientFunds),
		Quote:           quote,
		Error:           callError(cause),
	}
}

// replay returns a previously reached outcome for the key, from the outcome
// store or, failing that, from the ledger.
func (s *Service) replay(ctx context.Context, payer, key string) (*domain.CallResponse, bool) {
	logger := observability.FromContext(ctx)

	cached, ok, err := s.outcomes.Get(ctx, outcomeKey(payer, key))
	switch {
	case err != nil:
		logger.Warn("outcome lookup failed, checking ledger", observability.Error(err))
	case ok:
		cached.Replayed = true
		return cached, true
	}

	res, err := s.ledger.ReservationByKey(ctx, payer, key)
	if err != nil {
		if !errors.Is(err, domain.ErrReservationNotFound) {
			logger.Warn("reservation lookup failed", observability.Error(err))
		}
		return nil, false
	}

	resp, _ := s.reconstruct(ctx, payer, key, res)
	return resp, true
}

// reconstruct rebuilds the outcome of a call from its reservation.
func (s *Service) reconstruct(
	ctx context.Context,
	payer, key string,
	res domain.Reservation,
) (*domain.CallResponse, error) {
	switch res.State {
	case domain.ReservationHeld:
		err := fmt.Errorf("%w: reservation %s is still held", domain.ErrInFlight, res.ID)
		return &domain.CallResponse{
			Status:         domain.StatusRejected,
			State:          domain.StateReserved,
			IdempotencyKey: key,
			Error:          callError(err),
			Replayed:       true,
		}, err

	case domain.ReservationCaptured:
		receipt := receiptFor(res)
		tx, err := s.ledger.TransactionFor(ctx, res.ID)
		if err != nil {
			observability.FromContext(ctx).Warn("settled call has no transaction record",
				observability.String("reservation_id", res.ID),
				observability.Error(err),
			)
		} else {
			receipt.TransactionID = tx.ID
			receipt.SettlementReference = tx.SettlementRef
			receipt.SettledAt = tx.CreatedAt
		}
		resp := &domain.CallResponse{
			Status:         domain.StatusSettled,
			State:          domain.StateSettled,
			IdempotencyKey: key,
			Receipt:        receipt,
			Replayed:       true,
		}
		s.retain(ctx, payer, key, resp)
		return resp, nil

	case domain.ReservationReleased:
	}

	err := fmt.Errorf("%w: call was released, reservation %s", domain.ErrDuplicateKey, res.ID)
	resp := &domain.CallResponse{
		Status:         domain.StatusRejected,
		State:          domain.StateReleased,
		IdempotencyKey: key,
		Error:          callError(err),
		Replayed:       true,
	}
	s.retain(ctx, payer, key, resp)
	return resp, err
}

func receiptFor(res domain.Reservation) *domain.Receipt {
	optimized := res.OriginalCost - res.Savings
	var resolvedAt time.Time
	if res.ResolvedAt != nil {
		resolvedAt = *res.ResolvedAt
	}
	return &domain.Receipt{
		AmountCharged:        res.Amount,
		OriginalCostEstimate: res.OriginalCost,
		OptimizedCost:        optimized,
		PlatformFee:          res.Amount - optimized,
		Savings:              res.Savings,
		ReservationID:        res.ID,
		QuoteID:              res.QuoteID,
		SettledAt:            resolvedAt,
	}
}

func (s *Service) retain(ctx context.Context, payer, key string, resp *domain.CallResponse) {
	if err := s.outcomes.Put(ctx, outcomeKey(payer, key), resp, s.config.OutcomeTTL); err != nil {
		observability.FromContext(ctx).Warn("failed to retain call outcome", observability.Error(err))
	}
}

func (s *Service) finish(ctx context.Context, resp *domain.CallResponse, cause error, started time.Time) {
	kind := domain.KindOf(cause)
	elapsed := time.Since(started)
	s.recorder.CallResolved(resp.State, kind, elapsed)

	data := map[string]any{
		"state":       string(resp.State),
		"duration_ms": elapsed.Milliseconds(),
	}
	if resp.Quote != nil {
		data["quote_id"] = resp.Quote.ID
		data["total_payable"] = resp.Quote.TotalPayable.String()
	}
	if resp.Receipt != nil {
		data["amount_charged"] = resp.Receipt.AmountCharged.String()
		data["savings"] = resp.Receipt.Savings.String()
		data["transaction_id"] = resp.Receipt.TransactionID
	}
	if cause != nil {
		data["error_kind"] = string(kind)
		data["error"] = cause.Error()
	}
	s.events.Publish(ctx, "call."+string(resp.State), data)
}

func callError(err error) *domain.CallError {
	if err == nil {
		return nil
	}
	return &domain.CallError{Kind: domain.KindOf(err), Message: err.Error()}
}
