package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/tollgate/internal/domain"
)

// Store persists ledger state. Every Commit* call must apply all of its
// writes atomically and reject the write with domain.ErrConflict when the
// stored account version is not acct.Version-1.
type Store interface {
	// LoadAccounts returns every account, including closed ones.
	LoadAccounts(ctx context.Context) ([]domain.Account, error)

	// LoadPendingReservations returns reservations still in the held state.
	LoadPendingReservations(ctx context.Context) ([]domain.Reservation, error)

	// LoadAccount returns one account, or nil when it does not exist.
	LoadAccount(ctx context.Context, accountID string) (*domain.Account, error)

	// ExpiredReservations returns held reservations whose ttl elapsed at or before now.
	ExpiredReservations(ctx context.Context, now time.Time) ([]domain.Reservation, error)

	// CreateAccount inserts a new account. Returns domain.ErrAccountExists on conflict.
	CreateAccount(ctx context.Context, acct domain.Account) error

	// UpdateAccount writes account fields that change without a ledger entry.
	UpdateAccount(ctx context.Context, acct domain.Account) error

	// SaveReservation records a new hold and the account's reserved total.
	// Returns domain.ErrDuplicateKey if the idempotency key is taken.
	SaveReservation(ctx context.Context, res domain.Reservation, acct domain.Account) error

	// CommitCapture resolves a hold as captured and appends its transaction.
	// The returned record carries the store's settlement reference.
	CommitCapture(
		ctx context.Context,
		res domain.Reservation,
		acct domain.Account,
		tx domain.TransactionRecord,
	) (domain.TransactionRecord, error)

	// CommitRelease resolves a hold as released and appends its transaction.
	CommitRelease(ctx context.Context, res domain.Reservation, acct domain.Account, tx domain.TransactionRecord) error

	// CommitFund credits an account and appends its transaction.
	CommitFund(ctx context.Context, acct domain.Account, tx domain.TransactionRecord) error

	// ReservationByKey finds a reservation of any state by idempotency key.
	ReservationByKey(ctx context.Context, accountID, key string) (*domain.Reservation, error)

	// ReservationByID finds a reservation of any state.
	ReservationByID(ctx context.Context, id string) (*domain.Reservation, error)

	// TransactionByReservation returns the capture or release record of a reservation.
	TransactionByReservation(ctx context.Context, reservationID string) (*domain.TransactionRecord, error)

	// ListTransactions returns an account's records oldest first. limit <= 0 returns all.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.TransactionRecord, error)
}

// MemoryStore is a process-local Store. It loses state on restart.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]domain.Account
	reservations map[string]domain.Reservation
	byKey        map[string]string
	transactions []domain.TransactionRecord
	byResolution map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:           sync.RWMutex{},
		accounts:     make(map[string]domain.Account),
		reservations: make(map[string]domain.Reservation),
		byKey:        make(map[string]string),
		transactions: nil,
		byResolution: make(map[string]int),
	}
}

func reservationKey(accountID, key string) string {
	return accountID + "\x00" + key
}

// LoadAccounts implements Store.
func (s *MemoryStore) LoadAccounts(_ context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadPendingReservations implements Store.
func (s *MemoryStore) LoadPendingReservations(_ context.Context) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Reservation, 0)
	for _, r := range s.reservations {
		if r.State == domain.ReservationHeld {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LoadAccount implements Store.
func (s *MemoryStore) LoadAccount(_ context.Context, accountID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, nil //nolint:nilnil // Absent is not an error
	}
	return &acct, nil
}

// ExpiredReservations implements Store.
func (s *MemoryStore) ExpiredReservations(_ context.Context, now time.Time) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Reservation, 0)
	for _, r := range s.reservations {
		if r.State == domain.ReservationHeld && r.Expired(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// CreateAccount implements Store.
func (s *MemoryStore) CreateAccount(_ context.Context, acct domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountExists, acct.ID)
	}
	s.accounts[acct.ID] = acct
	return nil
}

// UpdateAccount implements Store.
func (s *MemoryStore) UpdateAccount(_ context.Context, acct domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersionLocked(acct); err != nil {
		return err
	}
	s.accounts[acct.ID] = acct
	return nil
}

// SaveReservation implements Store.
func (s *MemoryStore) SaveReservation(_ context.Context, res domain.Reservation, acct domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersionLocked(acct); err != nil {
		return err
	}
	key := reservationKey(res.AccountID, res.IdempotencyKey)
	if _, ok := s.byKey[key]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, res.IdempotencyKey)
	}

	s.accounts[acct.ID] = acct
	s.reservations[res.ID] = res
	s.byKey[key] = res.ID
	return nil
}

// CommitCapture implements Store.
func (s *MemoryStore) CommitCapture(
	_ context.Context,
	res domain.Reservation,
	acct domain.Account,
	tx domain.TransactionRecord,
) (domain.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolveLocked(res, acct); err != nil {
		return domain.TransactionRecord{}, err
	}
	tx.SettlementRef = "mem-" + uuid.NewString()
	s.appendLocked(tx)
	return tx, nil
}

// CommitRelease implements Store.
func (s *MemoryStore) CommitRelease(
	_ context.Context,
	res domain.Reservation,
	acct domain.Account,
	tx domain.TransactionRecord,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolveLocked(res, acct); err != nil {
		return err
	}
	s.appendLocked(tx)
	return nil
}

// CommitFund implements Store.
func (s *MemoryStore) CommitFund(_ context.Context, acct domain.Account, tx domain.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersionLocked(acct); err != nil {
		return err
	}
	s.accounts[acct.ID] = acct
	s.appendLocked(tx)
	return nil
}

// ReservationByKey implements Store.
func (s *MemoryStore) ReservationByKey(_ context.Context, accountID, key string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[reservationKey(accountID, key)]
	if !ok {
		return nil, nil //nolint:nilnil // Absent is not an error
	}
	res := s.reservations[id]
	return &res, nil
}

// ReservationByID implements Store.
func (s *MemoryStore) ReservationByID(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.reservations[id]
	if !ok {
		return nil, nil //nolint:nilnil // Absent is not an error
	}
	return &res, nil
}

// TransactionByReservation implements Store.
func (s *MemoryStore) TransactionByReservation(_ context.Context, reservationID string) (*domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byResolution[reservationID]
	if !ok {
		return nil, nil //nolint:nilnil // Absent is not an error
	}
	tx := s.transactions[idx]
	return &tx, nil
}

// ListTransactions implements Store.
func (s *MemoryStore) ListTransactions(_ context.Context, accountID string, limit int) ([]domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.TransactionRecord, 0)
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) checkVersionLocked(acct domain.Account) error {
	stored, ok := s.accounts[acct.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, acct.ID)
	}
	if stored.Version != acct.Version-1 {
		return fmt.Errorf("%w: account %s at version %d, write expects %d",
			domain.ErrConflict, acct.ID, stored.Version, acct.Version-1)
	}
	return nil
}

func (s *MemoryStore) resolveLocked(res domain.Reservation, acct domain.Account) error {
	if err := s.checkVersionLocked(acct); err != nil {
		return err
	}
	stored, ok := s.reservations[res.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, res.ID)
	}
	if stored.State != domain.ReservationHeld {
		return fmt.Errorf("%w: %s is %s", domain.ErrReservationNotHeld, res.ID, stored.State)
	}
	s.accounts[acct.ID] = acct
	s.reservations[res.ID] = res
	return nil
}

func (s *MemoryStore) appendLocked(tx domain.TransactionRecord) {
	s.transactions = append(s.transactions, tx)
	if tx.ReservationID != "" {
		s.byResolution[tx.ReservationID] = len(s.transactions) - 1
	}
}
