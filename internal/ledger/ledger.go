// Package ledger holds payer balances and reservations. Every operation on
// one account is serialized behind that account's lock, while different
// accounts proceed in parallel. State is written through to a Store before
// it becomes visible in memory.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/tollgate/internal/clock"
	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
)

const (
	defaultReservationTTL = 30 * time.Second
	defaultSweepInterval  = time.Second
	defaultRetention      = time.Hour
)

// Recorder receives reservation lifecycle events, typically for metrics.
type Recorder interface {
	ReservationOpened(amount domain.Micros)
	ReservationResolved(state domain.ReservationState, amount domain.Micros, swept bool)
}

type noopRecorder struct{}

func (noopRecorder) ReservationOpened(domain.Micros) {}

func (noopRecorder) ReservationResolved(domain.ReservationState, domain.Micros, bool) {}

// Option configures a Ledger.
type Option func(*Ledger)

// WithReservationTTL overrides the hold ttl used when a request does not set one.
func WithReservationTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.reservationTTL = d
		}
	}
}

// WithCredit lets available balance go down to -limit.
func WithCredit(limit domain.Micros) Option {
	return func(l *Ledger) {
		l.allowCredit = true
		l.creditLimit = limit
	}
}

// WithSweepInterval sets how often expired holds are released.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

// WithRetention sets how long resolved reservations stay cached in memory.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// WithRecorder attaches a lifecycle recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		if r != nil {
			l.recorder = r
		}
	}
}

type accountEntry struct {
	mu   sync.Mutex
	acct domain.Account
}

// Ledger is the settlement ledger.
type Ledger struct {
	store          Store
	clock          clock.Clock
	reservationTTL time.Duration
	allowCredit    bool
	creditLimit    domain.Micros
	sweepInterval  time.Duration
	retention      time.Duration
	recorder       Recorder

	// mu guards the indexes below. Account creation is the only path that
	// holds it across a store call.
	mu           sync.RWMutex
	accounts     map[string]*accountEntry
	reservations map[string]domain.Reservation
	byKey        map[string]string

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
}

// New creates a ledger backed by store. Call Recover before serving traffic
// when the store may already hold state.
func New(store Store, clk clock.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		store:          store,
		clock:          clk,
		reservationTTL: defaultReservationTTL,
		sweepInterval:  defaultSweepInterval,
		retention:      defaultRetention,
		recorder:       noopRecorder{},
		accounts:       make(map[string]*accountEntry),
		reservations:   make(map[string]domain.Reservation),
		byKey:          make(map[string]string),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	if l.clock == nil {
		l.clock = clock.NewSystem()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AuthorizeRequest describes a hold to place.
type AuthorizeRequest struct {
	AccountID      string
	Amount         domain.Micros
	IdempotencyKey string
	TTL            time.Duration
	QuoteID        string
	OriginalCost   domain.Micros
	Savings        domain.Micros
}

// Authorize places a hold of req.Amount on the account, creating the account
// if it does not exist. A reused idempotency key returns the existing
// reservation together with domain.ErrDuplicateKey.
func (l *Ledger) Authorize(ctx context.Context, req AuthorizeRequest) (domain.Reservation, error) {
	if req.AccountID == "" {
		return domain.Reservation{}, fmt.Errorf("%w: account id is required", domain.ErrInvalidRequest)
	}
	if req.IdempotencyKey == "" {
		return domain.Reservation{}, fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return domain.Reservation{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}

	entry, err := l.account(ctx, req.AccountID, true)
	if err != nil {
		return domain.Reservation{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	existing, err := l.reservationByKey(ctx, req.AccountID, req.IdempotencyKey)
	if err != nil {
		return domain.Reservation{}, err
	}
	if existing != nil {
		return *existing, domain.ErrDuplicateKey
	}

	var res domain.Reservation
	err = l.retryStale(ctx, entry, func(bool) error {
		var attemptErr error
		res, attemptErr = l.authorizeLocked(ctx, entry, req)
		return attemptErr
	})
	return res, err
}

// authorizeLocked checks funds against the cached account and saves the
// hold. Caller holds entry.mu.
func (l *Ledger) authorizeLocked(
	ctx context.Context,
	entry *accountEntry,
	req AuthorizeRequest,
) (domain.Reservation, error) {
	acct := entry.acct
	if acct.Closed {
		return domain.Reservation{}, fmt.Errorf("%w: %s", domain.ErrAccountClosed, acct.ID)
	}

	available := acct.Available()
	if l.allowCredit {
		available += l.creditLimit
	}
	if available < req.Amount {
		return domain.Reservation{}, fmt.Errorf("%w: available %s, required %s",
			domain.ErrInsufficientFunds, acct.Available(), req.Amount)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = l.reservationTTL
	}

	now := l.clock.Now()
	res := domain.Reservation{
		ID:             uuid.NewString(),
		AccountID:      acct.ID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		State:          domain.ReservationHeld,
		QuoteID:        req.QuoteID,
		OriginalCost:   req.OriginalCost,
		Savings:        req.Savings,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		ResolvedAt:     nil,
	}

	next := acct
	next.Reserved += req.Amount
	next.Version++
	next.UpdatedAt = now

	if err := l.store.SaveReservation(ctx, res, next); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			if found, lookupErr := l.store.ReservationByKey(ctx, req.AccountID, req.IdempotencyKey); lookupErr == nil && found != nil {
				return *found, domain.ErrDuplicateKey
			}
		}
		return domain.Reservation{}, fmt.Errorf("failed to save reservation: %w", err)
	}

	entry.acct = next
	l.putReservation(res)

	l.recorder.ReservationOpened(res.Amount)
	observability.FromContext(ctx).Debug("reservation held",
		observability.String("reservation_id", res.ID),
		observability.String("account_id", res.AccountID),
		observability.Amount("amount", res.Amount),
		observability.Duration("ttl", ttl),
	)

	return res, nil
}

// Capture converts a held reservation into a debit. A hold past its ttl is
// released instead and domain.ErrReservationExpired is returned.
func (l *Ledger) Capture(ctx context.Context, reservationID string) (domain.TransactionRecord, error) {
	entry, res, unlock, err := l.lockReservation(ctx, reservationID)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	defer unlock()

	var tx domain.TransactionRecord
	err = l.retryStale(ctx, entry, func(stale bool) error {
		if stale {
			current, reloadErr := l.reloadReservation(ctx, reservationID)
			if reloadErr != nil {
				return reloadErr
			}
			res = current
		}
		var attemptErr error
		tx, attemptErr = l.captureLocked(ctx, entry, res)
		return attemptErr
	})
	return tx, err
}

func (l *Ledger) captureLocked(
	ctx context.Context,
	entry *accountEntry,
	res domain.Reservation,
) (domain.TransactionRecord, error) {
	if res.State != domain.ReservationHeld {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %s is %s", domain.ErrReservationNotHeld, res.ID, res.State)
	}

	now := l.clock.Now()
	if res.Expired(now) {
		if _, releaseErr := l.releaseLocked(ctx, entry, res, false); releaseErr != nil {
			return domain.TransactionRecord{}, errors.Join(domain.ErrReservationExpired, releaseErr)
		}
		return domain.TransactionRecord{}, fmt.Errorf("%w: %s expired at %s",
			domain.ErrReservationExpired, res.ID, res.ExpiresAt.Format(time.RFC3339Nano))
	}

	next := entry.acct
	next.Balance -= res.Amount
	next.Reserved -= res.Amount
	next.Version++
	next.UpdatedAt = now

	resolved := res
	resolved.State = domain.ReservationCaptured
	resolved.ResolvedAt = &now

	tx := domain.TransactionRecord{
		ID:            uuid.NewString(),
		AccountID:     res.AccountID,
		ReservationID: res.ID,
		Kind:          domain.TransactionCapture,
		Delta:         -res.Amount,
		BalanceAfter:  next.Balance,
		OriginalCost:  res.OriginalCost,
		Savings:       res.Savings,
		CreatedAt:     now,
	}

	committed, err := l.store.CommitCapture(ctx, resolved, next, tx)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("failed to commit capture: %w", err)
	}

	entry.acct = next
	l.putReservation(resolved)
	l.recorder.ReservationResolved(domain.ReservationCaptured, res.Amount, false)

	observability.FromContext(ctx).Info("reservation captured",
		observability.String("reservation_id", res.ID),
		observability.String("transaction_id", committed.ID),
		observability.Amount("amount", res.Amount),
		observability.Amount("balance_after", committed.BalanceAfter),
	)

	return committed, nil
}

// Release returns a held amount to the available balance. Releasing an
// already-released reservation returns its original release record.
func (l *Ledger) Release(ctx context.Context, reservationID string) (domain.TransactionRecord, error) {
	entry, res, unlock, err := l.lockReservation(ctx, reservationID)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	defer unlock()

	var tx domain.TransactionRecord
	err = l.retryStale(ctx, entry, func(stale bool) error {
		if stale {
			current, reloadErr := l.reloadReservation(ctx, reservationID)
			if reloadErr != nil {
				return reloadErr
			}
			res = current
		}
		var attemptErr error
		tx, attemptErr = l.releaseHeld(ctx, entry, res)
		return attemptErr
	})
	return tx, err
}

func (l *Ledger) releaseHeld(
	ctx context.Context,
	entry *accountEntry,
	res domain.Reservation,
) (domain.TransactionRecord, error) {
	switch res.State {
	case domain.ReservationReleased:
		tx, lookupErr := l.store.TransactionByReservation(ctx, res.ID)
		if lookupErr != nil {
			return domain.TransactionRecord{}, fmt.Errorf("failed to load release record: %w", lookupErr)
		}
		if tx == nil {
			return domain.TransactionRecord{}, nil
		}
		return *tx, nil
	case domain.ReservationCaptured:
		return domain.TransactionRecord{}, fmt.Errorf("%w: %s is captured", domain.ErrReservationNotHeld, res.ID)
	case domain.ReservationHeld:
	}

	return l.releaseLocked(ctx, entry, res, false)
}

// releaseLocked resolves a held reservation as released. Caller holds entry.mu.
func (l *Ledger) releaseLocked(
	ctx context.Context,
	entry *accountEntry,
	res domain.Reservation,
	swept bool,
) (domain.TransactionRecord, error) {
	now := l.clock.Now()

	next := entry.acct
	next.Reserved -= res.Amount
	next.Version++
	next.UpdatedAt = now

	resolved := res
	resolved.State = domain.ReservationReleased
	resolved.ResolvedAt = &now

	tx := domain.TransactionRecord{
		ID:            uuid.NewString(),
		AccountID:     res.AccountID,
		ReservationID: res.ID,
		Kind:          domain.TransactionRelease,
		Delta:         0,
		BalanceAfter:  next.Balance,
		OriginalCost:  res.OriginalCost,
		CreatedAt:     now,
	}

	if err := l.store.CommitRelease(ctx, resolved, next, tx); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("failed to commit release: %w", err)
	}

	entry.acct = next
	l.putReservation(resolved)
	l.recorder.ReservationResolved(domain.ReservationReleased, res.Amount, swept)

	observability.FromContext(ctx).Info("reservation released",
		observability.String("reservation_id", res.ID),
		observability.Amount("amount", res.Amount),
		observability.Bool("swept", swept),
	)

	return tx, nil
}

// Balance returns available, reserved and total amounts for an account.
func (l *Ledger) Balance(ctx context.Context, accountID string) (domain.Balance, error) {
	acct, err := l.Account(ctx, accountID)
	if err != nil {
		return domain.Balance{}, err
	}

	return domain.Balance{
		AccountID: acct.ID,
		Available: acct.Available(),
		Reserved:  acct.Reserved,
		Total:     acct.Balance,
	}, nil
}

// Account returns the stored state of an account. Other instances sharing
// the store may have moved it on, so the cached copy is refreshed first.
func (l *Ledger) Account(ctx context.Context, accountID string) (domain.Account, error) {
	entry, err := l.account(ctx, accountID, false)
	if err != nil {
		return domain.Account{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := l.refresh(ctx, entry); err != nil {
		return domain.Account{}, err
	}
	return entry.acct, nil
}

// Reservation returns a reservation by id as the store last recorded it.
func (l *Ledger) Reservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return l.reloadReservation(ctx, reservationID)
}

// ReservationByKey returns the reservation holding an idempotency key.
func (l *Ledger) ReservationByKey(ctx context.Context, accountID, key string) (domain.Reservation, error) {
	res, err := l.reservationByKey(ctx, accountID, key)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res == nil {
		return domain.Reservation{}, fmt.Errorf("%w: key %s", domain.ErrReservationNotFound, key)
	}
	if res.State == domain.ReservationHeld {
		// Another instance may have resolved it.
		return l.reloadReservation(ctx, res.ID)
	}
	return *res, nil
}

// TransactionFor returns the capture or release record of a reservation.
func (l *Ledger) TransactionFor(ctx context.Context, reservationID string) (domain.TransactionRecord, error) {
	tx, err := l.store.TransactionByReservation(ctx, reservationID)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("failed to load transaction: %w", err)
	}
	if tx == nil {
		return domain.TransactionRecord{}, fmt.Errorf("%w: no transaction for %s", domain.ErrReservationNotFound, reservationID)
	}
	return *tx, nil
}

// Transactions returns an account's ledger entries, oldest first.
func (l *Ledger) Transactions(ctx context.Context, accountID string, limit int) ([]domain.TransactionRecord, error) {
	if _, err := l.account(ctx, accountID, false); err != nil {
		return nil, err
	}
	txs, err := l.store.ListTransactions(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

func (l *Ledger) account(ctx context.Context, accountID string, create bool) (*accountEntry, error) {
	l.mu.RLock()
	entry, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if ok {
		return entry, nil
	}

	entry, err := l.loadEntry(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID)
	}
	entry, _, err = l.createEntry(ctx, accountID, 0)
	return entry, err
}

// loadEntry indexes an account created by another instance since Recover.
// It returns nil when the store has no such account.
func (l *Ledger) loadEntry(ctx context.Context, accountID string) (*accountEntry, error) {
	stored, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if stored == nil {
		return nil, nil //nolint:nilnil // Absent is not an error
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.indexLocked(*stored), nil
}

// indexLocked caches acct unless an entry already exists. Caller holds l.mu.
func (l *Ledger) indexLocked(acct domain.Account) *accountEntry {
	if entry, ok := l.accounts[acct.ID]; ok {
		return entry
	}
	entry := &accountEntry{mu: sync.Mutex{}, acct: acct}
	l.accounts[acct.ID] = entry
	return entry
}

// createEntry persists and indexes a new account. created is false when
// the account already existed, here or in the store.
func (l *Ledger) createEntry(
	ctx context.Context,
	accountID string,
	initial domain.Micros,
) (*accountEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.accounts[accountID]; ok {
		return entry, false, nil
	}

	now := l.clock.Now()
	acct := domain.Account{
		ID:             accountID,
		Balance:        initial,
		Reserved:       0,
		InitialBalance: initial,
		Version:        1,
		Closed:         false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		if !errors.Is(err, domain.ErrAccountExists) {
			return nil, false, fmt.Errorf("failed to create account: %w", err)
		}
		stored, loadErr := l.store.LoadAccount(ctx, accountID)
		if loadErr != nil {
			return nil, false, fmt.Errorf("failed to load account: %w", loadErr)
		}
		if stored == nil {
			return nil, false, fmt.Errorf("failed to create account: %w", err)
		}
		return l.indexLocked(*stored), false, nil
	}

	entry := l.indexLocked(acct)

	observability.FromContext(ctx).Info("account created",
		observability.String("account_id", accountID),
		observability.Amount("initial_balance", initial),
	)
	return entry, true, nil
}

// refresh replaces the cached account with the stored one. Caller holds entry.mu.
func (l *Ledger) refresh(ctx context.Context, entry *accountEntry) error {
	stored, err := l.store.LoadAccount(ctx, entry.acct.ID)
	if err != nil {
		return fmt.Errorf("failed to reload account: %w", err)
	}
	if stored == nil {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, entry.acct.ID)
	}
	entry.acct = *stored
	return nil
}

// retryStale runs attempt and, when the store rejects its write because the
// cached account or reservation fell behind, reloads the account and runs it
// once more with stale set. Caller holds entry.mu.
func (l *Ledger) retryStale(ctx context.Context, entry *accountEntry, attempt func(stale bool) error) error {
	err := attempt(false)
	if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrReservationNotHeld) {
		return err
	}

	observability.FromContext(ctx).Debug("cached account is stale, reloading",
		observability.String("account_id", entry.acct.ID),
		observability.Int64("cached_version", entry.acct.Version),
	)
	if refreshErr := l.refresh(ctx, entry); refreshErr != nil {
		return errors.Join(err, refreshErr)
	}
	return attempt(true)
}

// lockReservation locks the account owning a reservation and returns the
// reservation as seen under that lock.
func (l *Ledger) lockReservation(
	ctx context.Context,
	reservationID string,
) (*accountEntry, domain.Reservation, func(), error) {
	res, err := l.reservation(ctx, reservationID)
	if err != nil {
		return nil, domain.Reservation{}, nil, err
	}

	entry, err := l.account(ctx, res.AccountID, false)
	if err != nil {
		return nil, domain.Reservation{}, nil, err
	}

	entry.mu.Lock()
	current, err := l.reservation(ctx, reservationID)
	if err != nil {
		entry.mu.Unlock()
		return nil, domain.Reservation{}, nil, err
	}
	return entry, current, entry.mu.Unlock, nil
}

func (l *Ledger) reservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	l.mu.RLock()
	res, ok := l.reservations[reservationID]
	l.mu.RUnlock()
	if ok {
		return res, nil
	}

	stored, err := l.store.ReservationByID(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("failed to load reservation: %w", err)
	}
	if stored == nil {
		return domain.Reservation{}, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, reservationID)
	}
	return *stored, nil
}

func (l *Ledger) reservationByKey(ctx context.Context, accountID, key string) (*domain.Reservation, error) {
	l.mu.RLock()
	id, ok := l.byKey[reservationKey(accountID, key)]
	var res domain.Reservation
	if ok {
		res, ok = l.reservations[id]
	}
	l.mu.RUnlock()
	if ok {
		return &res, nil
	}

	stored, err := l.store.ReservationByKey(ctx, accountID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return stored, nil
}

// reloadReservation reads a reservation from the store and caches it.
func (l *Ledger) reloadReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	stored, err := l.store.ReservationByID(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("failed to load reservation: %w", err)
	}
	if stored == nil {
		return domain.Reservation{}, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, reservationID)
	}
	l.putReservation(*stored)
	return *stored, nil
}

func (l *Ledger) putReservation(res domain.Reservation) {
	l.mu.Lock()
	l.reservations[res.ID] = res
	l.byKey[reservationKey(res.AccountID, res.IdempotencyKey)] = res.ID
	l.mu.Unlock()
}
