package gateway_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/tollgate/internal/clock"
	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/gateway"
	"github.com/davidbz/tollgate/internal/ledger"
	"github.com/davidbz/tollgate/internal/mocks"
	"github.com/davidbz/tollgate/internal/optimizer"
	"github.com/davidbz/tollgate/internal/pricing"
	"github.com/davidbz/tollgate/internal/provider/registry"
)

type fixedOptimizer struct {
	original  domain.Micros
	optimized domain.Micros
}

func (f fixedOptimizer) Optimize(_ context.Context, req optimizer.Request) (*optimizer.Result, error) {
	orig := optimizer.Candidate{Payload: req.Payload, Cost: f.original, Accuracy: 1}
	sel := optimizer.Candidate{Payload: req.Payload, Cost: f.optimized, Accuracy: 0.95}
	floor := 0.9
	if req.MinAccuracy != nil {
		floor = *req.MinAccuracy
	}
	return &optimizer.Result{
		Original:      orig,
		Selected:      sel,
		Front:         []optimizer.Candidate{sel},
		Applied:       f.optimized < f.original,
		AccuracyFloor: floor,
		Generations:   1,
		Evaluations:   2,
	}, nil
}

type funcDispatcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, payload domain.Payload) (*domain.UpstreamResult, error)
}

func (d *funcDispatcher) Name() string { return "echo" }

func (d *funcDispatcher) Dispatch(
	ctx context.Context,
	_ string,
	payload domain.Payload,
	_ time.Duration,
) (*domain.UpstreamResult, error) {
	d.calls.Add(1)
	return d.fn(ctx, payload)
}

func succeed(_ context.Context, payload domain.Payload) (*domain.UpstreamResult, error) {
	return &domain.UpstreamResult{ID: "up-1", Provider: "echo", Content: payload.Messages[0].Content}, nil
}

type fixture struct {
	svc    *gateway.Service
	ledger *ledger.Ledger
	clock  *clock.Manual
}

func newFixture(t *testing.T, cfg gateway.Config, dispatcher domain.Dispatcher, outcomes domain.OutcomeStore) fixture {
	t.Helper()

	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	l := ledger.New(ledger.NewMemoryStore(), clk)

	prices, err := pricing.NewRegistry(pricing.DefaultTable("USD"), 4)
	require.NoError(t, err)

	dispatchers := registry.NewRegistry()
	require.NoError(t, dispatchers.Register(context.Background(), dispatcher))

	if cfg.Fees == (pricing.FeeSchedule{}) {
		cfg.Fees = pricing.FeeSchedule{FlatMicros: domain.MustParseMicros("0.0013")}
	}

	svc := gateway.New(cfg, gateway.Deps{
		Pricing:     prices,
		Optimizer:   fixedOptimizer{original: domain.MustParseMicros("0.03"), optimized: domain.MustParseMicros("0.021")},
		Ledger:      l,
		Dispatchers: dispatchers,
		Outcomes:    outcomes,
		Clock:       clk,
	})
	return fixture{svc: svc, ledger: l, clock: clk}
}

func (f fixture) fund(t *testing.T, account, amount string) {
	t.Helper()
	_, err := f.ledger.CreateAccount(context.Background(), account, domain.MustParseMicros(amount))
	require.NoError(t, err)
}

func (f fixture) available(t *testing.T, account string) domain.Micros {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), account)
	require.NoError(t, err)
	return b.Available
}

func call(key string) domain.InboundCall {
	return domain.InboundCall{
		PayerAccountID: "acct-1",
		IdempotencyKey: key,
		Provider:       "echo",
		Payload: domain.Payload{
			Messages: []domain.Message{{Role: "user", Content: "summarize the quarterly report"}},
		},
	}
}

func TestService_Handle(t *testing.T) {
	t.Run("should settle and charge optimized cost plus fee", func(t *testing.T) {
		f := newFixture(t, gateway.Config{}, &funcDispatcher{fn: succeed}, nil)
		f.fund(t, "acct-1", "10")

		resp, err := f.svc.Handle(context.Background(), call("k-1"))

		require.NoError(t, err)
		require.Equal(t, domain.StatusSettled, resp.Status)
		require.Equal(t, domain.StateSettled, resp.State)
		require.NotNil(t, resp.Receipt)
		require.Equal(t, domain.MustParseMicros("0.0223"), resp.Receipt.AmountCharged)
		require.Equal(t, domain.MustParseMicros("0.03"), resp.Receipt.OriginalCostEstimate)
		require.Equal(t, domain.MustParseMicros("0.021"), resp.Receipt.OptimizedCost)
		require.Equal(t, domain.MustParseMicros("0.0013"), resp.Receipt.PlatformFee)
		require.Equal(t, domain.MustParseMicros("0.009"), resp.Receipt.Savings)
		require.NotEmpty(t, resp.Receipt.SettlementReference)
		require.Equal(t, resp.Quote.ID, resp.Receipt.QuoteID)
		require.NotNil(t, resp.Result)
		require.Equal(t, domain.MustParseMicros("9.9777"), f.available(t, "acct-1"))

		txs, err := f.ledger.Transactions(context.Background(), "acct-1", 10)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		require.Equal(t, domain.TransactionCapture, txs[0].Kind)
	})

	t.Run("should ask for payment when funds are short", func(t *testing.T) {
		d := &funcDispatcher{fn: succeed}
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "0.01")

		resp, err := f.svc.Handle(context.Background(), call("k-1"))

		require.ErrorIs(t, err, domain.ErrInsufficientFunds)
		require.Equal(t, domain.StatusRejected, resp.Status)
		require.Equal(t, domain.StateRejected, resp.State)
		require.True(t, resp.PaymentRequired)
		require.NotNil(t, resp.Quote)
		require.Equal(t, domain.MustParseMicros("0.0223"), resp.Quote.TotalPayable)
		require.Equal(t, domain.KindInsufficientFunds, resp.Error.Kind)
		require.Equal(t, domain.MustParseMicros("0.01"), f.available(t, "acct-1"))
		require.Zero(t, d.calls.Load())
	})

	t.Run("should proceed with the same key after a top-up", func(t *testing.T) {
		f := newFixture(t, gateway.Config{}, &funcDispatcher{fn: succeed}, nil)
		f.fund(t, "acct-1", "0.01")

		_, err := f.svc.Handle(context.Background(), call("k-1"))
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)

		_, err = f.ledger.Fund(context.Background(), "acct-1", domain.MustParseMicros("1"))
		require.NoError(t, err)

		resp, err := f.svc.Handle(context.Background(), call("k-1"))
		require.NoError(t, err)
		require.Equal(t, domain.StateSettled, resp.State)
		require.False(t, resp.Replayed)
	})

	t.Run("should release the hold when upstream fails", func(t *testing.T) {
		d := &funcDispatcher{fn: func(context.Context, domain.Payload) (*domain.UpstreamResult, error) {
			return nil, &domain.UpstreamError{Provider: "echo", StatusCode: 500, Err: errors.New("boom")}
		}}
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "10")

		resp, err := f.svc.Handle(context.Background(), call("k-1"))

		require.ErrorIs(t, err, domain.ErrUpstream)
		require.Equal(t, domain.StateReleased, resp.State)
		require.Equal(t, domain.KindUpstreamError, resp.Error.Kind)
		require.Nil(t, resp.Receipt)

		b, err := f.ledger.Balance(context.Background(), "acct-1")
		require.NoError(t, err)
		require.Equal(t, domain.MustParseMicros("10"), b.Total)
		require.Zero(t, b.Reserved)
	})

	t.Run("should wrap plain dispatcher errors as upstream errors", func(t *testing.T) {
		d := mocks.NewMockDispatcher(t)
		d.EXPECT().Name().Return("echo")
		d.EXPECT().Dispatch(mock.Anything, "echo", mock.Anything, mock.Anything).
			Return(nil, errors.New("connection reset"))
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "10")

		resp, err := f.svc.Handle(context.Background(), call("k-1"))

		require.ErrorIs(t, err, domain.ErrUpstream)
		require.Equal(t, domain.StateReleased, resp.State)
		require.Equal(t, domain.MustParseMicros("10"), f.available(t, "acct-1"))
	})

	t.Run("should release when the dispatch deadline passes", func(t *testing.T) {
		d := &funcDispatcher{fn: func(ctx context.Context, _ domain.Payload) (*domain.UpstreamResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		cfg := gateway.Config{ReservationTTL: 300 * time.Millisecond, SafetyMargin: 100 * time.Millisecond}
		f := newFixture(t, cfg, d, nil)
		f.fund(t, "acct-1", "10")

		resp, err := f.svc.Handle(context.Background(), call("k-1"))

		require.ErrorIs(t, err, domain.ErrTimeout)
		require.Equal(t, domain.KindTimeout, resp.Error.Kind)
		require.Equal(t, domain.StateReleased, resp.State)
		require.Equal(t, domain.MustParseMicros("10"), f.available(t, "acct-1"))
	})

	t.Run("should reject when the quote exceeds max cost", func(t *testing.T) {
		d := &funcDispatcher{fn: succeed}
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "10")

		c := call("k-1")
		limit := domain.MustParseMicros("0.02")
		c.MaxCost = &limit

		resp, err := f.svc.Handle(context.Background(), c)

		require.ErrorIs(t, err, domain.ErrMaxCostExceeded)
		require.Equal(t, domain.StateRejected, resp.State)
		require.False(t, resp.PaymentRequired)
		require.Zero(t, d.calls.Load())
		require.Equal(t, domain.MustParseMicros("10"), f.available(t, "acct-1"))
	})

	t.Run("should reject invalid calls and unknown providers", func(t *testing.T) {
		f := newFixture(t, gateway.Config{}, &funcDispatcher{fn: succeed}, nil)

		c := call("k-1")
		c.Payload.Messages = nil
		resp, err := f.svc.Handle(context.Background(), c)
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
		require.Equal(t, domain.KindInvalidRequest, resp.Error.Kind)

		c = call("k-2")
		c.Provider = "nope"
		_, err = f.svc.Handle(context.Background(), c)
		require.ErrorIs(t, err, domain.ErrUnknownProvider)
	})
}

func TestService_Idempotency(t *testing.T) {
	t.Run("should replay a settled call without charging twice", func(t *testing.T) {
		d := &funcDispatcher{fn: succeed}
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "10")

		first, err := f.svc.Handle(context.Background(), call("k-1"))
		require.NoError(t, err)

		second, err := f.svc.Handle(context.Background(), call("k-1"))
		require.NoError(t, err)
		require.True(t, second.Replayed)
		require.Equal(t, first.Receipt.TransactionID, second.Receipt.TransactionID)
		require.Equal(t, int32(1), d.calls.Load())
		require.Equal(t, domain.MustParseMicros("9.9777"), f.available(t, "acct-1"))
	})

	t.Run("should replay a released call", func(t *testing.T) {
		d := &funcDispatcher{fn: func(context.Context, domain.Payload) (*domain.UpstreamResult, error) {
			return nil, &domain.UpstreamError{Provider: "echo", StatusCode: 503, Err: errors.New("unavailable")}
		}}
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "10")

		_, err := f.svc.Handle(context.Background(), call("k-1"))
		require.ErrorIs(t, err, domain.ErrUpstream)

		resp, err := f.svc.Handle(context.Background(), call("k-1"))
		require.ErrorIs(t, err, domain.ErrUpstream)
		require.True(t, resp.Replayed)
		require.Equal(t, domain.StateReleased, resp.State)
		require.Equal(t, int32(1), d.calls.Load())
	})

	t.Run("should dispatch once for concurrent calls with one key", func(t *testing.T) {
		gate := make(chan struct{})
		d := &funcDispatcher{fn: func(ctx context.Context, p domain.Payload) (*domain.UpstreamResult, error) {
			<-gate
			return succeed(ctx, p)
		}}
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "10")

		const callers = 20
		var wg sync.WaitGroup
		txIDs := make([]string, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := f.svc.Handle(context.Background(), call("k-1"))
				errs[i] = err
				if resp.Receipt != nil {
					txIDs[i] = resp.Receipt.TransactionID
				}
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(gate)
		wg.Wait()

		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			require.Equal(t, txIDs[0], txIDs[i])
		}
		require.Equal(t, int32(1), d.calls.Load())
		require.Equal(t, domain.MustParseMicros("9.9777"), f.available(t, "acct-1"))
	})

	t.Run("should settle after the caller stops waiting", func(t *testing.T) {
		gate := make(chan struct{})
		d := &funcDispatcher{fn: func(ctx context.Context, p domain.Payload) (*domain.UpstreamResult, error) {
			<-gate
			return succeed(ctx, p)
		}}
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "10")

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := f.svc.Handle(ctx, call("k-1"))
			done <- err
		}()

		require.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		cancel()
		require.ErrorIs(t, <-done, domain.ErrTimeout)

		close(gate)
		require.Eventually(t, func() bool {
			b, err := f.ledger.Balance(context.Background(), "acct-1")
			return err == nil && b.Total == domain.MustParseMicros("9.9777")
		}, time.Second, 5*time.Millisecond)

		resp, err := f.svc.Handle(context.Background(), call("k-1"))
		require.NoError(t, err)
		require.Equal(t, domain.StateSettled, resp.State)
		require.Equal(t, int32(1), d.calls.Load())
	})

	t.Run("should rebuild the outcome from the ledger when the store misses", func(t *testing.T) {
		outcomes := mocks.NewMockOutcomeStore(t)
		outcomes.EXPECT().Get(mock.Anything, mock.Anything).Return(nil, false, nil)
		outcomes.EXPECT().Put(mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("redis down"))

		d := &funcDispatcher{fn: succeed}
		f := newFixture(t, gateway.Config{}, d, outcomes)
		f.fund(t, "acct-1", "10")

		first, err := f.svc.Handle(context.Background(), call("k-1"))
		require.NoError(t, err)

		second, err := f.svc.Handle(context.Background(), call("k-1"))
		require.NoError(t, err)
		require.True(t, second.Replayed)
		require.Equal(t, domain.StateSettled, second.State)
		require.Equal(t, first.Receipt.TransactionID, second.Receipt.TransactionID)
		require.Equal(t, first.Receipt.SettlementReference, second.Receipt.SettlementReference)
		require.Equal(t, first.Receipt.AmountCharged, second.Receipt.AmountCharged)
		require.Equal(t, first.Receipt.PlatformFee, second.Receipt.PlatformFee)
		require.Equal(t, first.Receipt.Savings, second.Receipt.Savings)
		require.Equal(t, int32(1), d.calls.Load())
	})

	t.Run("should report a held key as in flight", func(t *testing.T) {
		f := newFixture(t, gateway.Config{}, &funcDispatcher{fn: succeed}, nil)
		f.fund(t, "acct-1", "10")

		_, err := f.ledger.Authorize(context.Background(), ledger.AuthorizeRequest{
			AccountID:      "acct-1",
			Amount:         domain.MustParseMicros("0.01"),
			IdempotencyKey: "k-1",
		})
		require.NoError(t, err)

		resp, err := f.svc.Handle(context.Background(), call("k-1"))
		require.ErrorIs(t, err, domain.ErrInFlight)
		require.Equal(t, domain.StateReserved, resp.State)
	})

	t.Run("should derive the same key for identical calls", func(t *testing.T) {
		d := &funcDispatcher{fn: succeed}
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "10")

		first, err := f.svc.Handle(context.Background(), call(""))
		require.NoError(t, err)
		require.NotEmpty(t, first.IdempotencyKey)

		second, err := f.svc.Handle(context.Background(), call(""))
		require.NoError(t, err)
		require.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
		require.True(t, second.Replayed)
		require.Equal(t, int32(1), d.calls.Load())
	})
}

func TestService_Drain(t *testing.T) {
	t.Run("should return at once when no call is running", func(t *testing.T) {
		f := newFixture(t, gateway.Config{}, &funcDispatcher{fn: succeed}, nil)
		require.NoError(t, f.svc.Drain(context.Background()))
	})

	t.Run("should wait for calls whose caller already left", func(t *testing.T) {
		gate := make(chan struct{})
		d := &funcDispatcher{fn: func(ctx context.Context, p domain.Payload) (*domain.UpstreamResult, error) {
			<-gate
			return succeed(ctx, p)
		}}
		f := newFixture(t, gateway.Config{}, d, nil)
		f.fund(t, "acct-1", "10")

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := f.svc.Handle(ctx, call("k-1"))
			done <- err
		}()

		require.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		cancel()
		require.ErrorIs(t, <-done, domain.ErrTimeout)

		short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer stop()
		require.ErrorIs(t, f.svc.Drain(short), context.DeadlineExceeded)

		close(gate)
		drainCtx, drainStop := context.WithTimeout(context.Background(), time.Second)
		defer drainStop()
		require.NoError(t, f.svc.Drain(drainCtx))

		b, err := f.ledger.Balance(context.Background(), "acct-1")
		require.NoError(t, err)
		require.Equal(t, domain.MustParseMicros("9.9777"), b.Total)
		require.Zero(t, b.Reserved)
	})
}

func TestService_Quote(t *testing.T) {
	t.Run("should price a call without reserving", func(t *testing.T) {
		f := newFixture(t, gateway.Config{QuoteTTL: time.Minute}, &funcDispatcher{fn: succeed}, nil)
		f.fund(t, "acct-1", "10")

		q, err := f.svc.Quote(context.Background(), call("k-1"))

		require.NoError(t, err)
		require.NotEmpty(t, q.ID)
		require.Equal(t, "USD", q.Currency)
		require.Equal(t, domain.MustParseMicros("0.0223"), q.TotalPayable)
		require.Equal(t, domain.MustParseMicros("0.009"), q.Savings())
		require.True(t, q.Optimization.Applied)
		require.Equal(t, f.clock.Now().Add(time.Minute), q.ExpiresAt)
		require.Equal(t, domain.MustParseMicros("10"), f.available(t, "acct-1"))
	})

	t.Run("should pass an explicit zero accuracy floor through", func(t *testing.T) {
		f := newFixture(t, gateway.Config{}, &funcDispatcher{fn: succeed}, nil)

		zero := 0.0
		c := call("k-1")
		c.MinAccuracy = &zero
		q, err := f.svc.Quote(context.Background(), c)
		require.NoError(t, err)
		require.Zero(t, q.Optimization.AccuracyFloor)

		q, err = f.svc.Quote(context.Background(), call("k-2"))
		require.NoError(t, err)
		require.InDelta(t, 0.9, q.Optimization.AccuracyFloor, 1e-9)
	})
}

func TestDeriveKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC)

	t.Run("should be stable within a bucket", func(t *testing.T) {
		require.Equal(t,
			gateway.DeriveKey(call(""), now, time.Minute),
			gateway.DeriveKey(call(""), now.Add(20*time.Second), time.Minute))
	})

	t.Run("should change across buckets and payloads", func(t *testing.T) {
		base := gateway.DeriveKey(call(""), now, time.Minute)
		require.NotEqual(t, base, gateway.DeriveKey(call(""), now.Add(time.Minute), time.Minute))

		other := call("")
		other.Payload.Messages[0].Content = "something else"
		require.NotEqual(t, base, gateway.DeriveKey(other, now, time.Minute))

		other = call("")
		other.PayerAccountID = "acct-2"
		require.NotEqual(t, base, gateway.DeriveKey(other, now, time.Minute))
	})
}
