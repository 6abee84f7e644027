// Package postgres is the durable ledger store. Accounts, holds and the
// append-only transaction log live in Postgres; every commit runs in one SQL
// transaction guarded by the account's version column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidbz/tollgate/internal/domain"
)

const (
	accountColumns     = `id, balance, reserved, initial_balance, version, closed, created_at, updated_at`
	reservationColumns = `id, account_id, idempotency_key, amount, state, quote_id, original_cost, savings,
created_at, expires_at, resolved_at`
	transactionColumns = `id, account_id, COALESCE(reservation_id, ''), kind, delta, balance_after,
original_cost, savings, settlement_ref, created_at`
)

// Store implements ledger.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Postgres ledger store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LoadAccounts implements ledger.Store.
func (s *Store) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := conn(ctx, s.pool).Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// LoadPendingReservations implements ledger.Store.
func (s *Store) LoadPendingReservations(ctx context.Context) ([]domain.Reservation, error) {
	rows, err := conn(ctx, s.pool).Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE state = 'held' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load pending reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// LoadAccount implements ledger.Store.
func (s *Store) LoadAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	row := conn(ctx, s.pool).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil //nolint:nilnil // Absent is not an error
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &acct, nil
}

// ExpiredReservations implements ledger.Store.
func (s *Store) ExpiredReservations(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	rows, err := conn(ctx, s.pool).Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE state = 'held' AND expires_at <= $1 ORDER BY expires_at`,
		now)
	if err != nil {
		return nil, fmt.Errorf("load expired reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CreateAccount implements ledger.Store.
func (s *Store) CreateAccount(ctx context.Context, acct domain.Account) error {
	const query = `
INSERT INTO accounts (id, balance, reserved, initial_balance, version, closed, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := conn(ctx, s.pool).Exec(ctx, query,
		acct.ID, int64(acct.Balance), int64(acct.Reserved), int64(acct.InitialBalance),
		acct.Version, acct.Closed, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrAccountExists, acct.ID)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// UpdateAccount implements ledger.Store.
func (s *Store) UpdateAccount(ctx context.Context, acct domain.Account) error {
	return s.updateAccount(ctx, acct)
}

// SaveReservation implements ledger.Store.
func (s *Store) SaveReservation(ctx context.Context, res domain.Reservation, acct domain.Account) error {
	return withTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.updateAccount(ctx, acct); err != nil {
			return err
		}

		const query = `
INSERT INTO reservations (id, account_id, idempotency_key, amount, state, quote_id, original_cost, savings,
	created_at, expires_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

		_, err := conn(ctx, s.pool).Exec(ctx, query,
			res.ID, res.AccountID, res.IdempotencyKey, int64(res.Amount), string(res.State), res.QuoteID,
			int64(res.OriginalCost), int64(res.Savings), res.CreatedAt, res.ExpiresAt, res.ResolvedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, res.IdempotencyKey)
			}
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
}

// CommitCapture implements ledger.Store.
func (s *Store) CommitCapture(
	ctx context.Context,
	res domain.Reservation,
	acct domain.Account,
	tx domain.TransactionRecord,
) (domain.TransactionRecord, error) {
	tx.SettlementRef = "pg-" + uuid.NewString()
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		return s.resolve(ctx, res, acct, tx)
	})
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	return tx, nil
}

// CommitRelease implements ledger.Store.
func (s *Store) CommitRelease(
	ctx context.Context,
	res domain.Reservation,
	acct domain.Account,
	tx domain.TransactionRecord,
) error {
	return withTx(ctx, s.pool, func(ctx context.Context) error {
		return s.resolve(ctx, res, acct, tx)
	})
}

// CommitFund implements ledger.Store.
func (s *Store) CommitFund(ctx context.Context, acct domain.Account, tx domain.TransactionRecord) error {
	return withTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.updateAccount(ctx, acct); err != nil {
			return err
		}
		return s.insertTransaction(ctx, tx)
	})
}

// ReservationByKey implements ledger.Store.
func (s *Store) ReservationByKey(ctx context.Context, accountID, key string) (*domain.Reservation, error) {
	row := conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE account_id = $1 AND idempotency_key = $2`,
		accountID, key)
	return scanOptionalReservation(row)
}

// ReservationByID implements ledger.Store.
func (s *Store) ReservationByID(ctx context.Context, id string) (*domain.Reservation, error) {
	row := conn(ctx, s.pool).QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	return scanOptionalReservation(row)
}

// TransactionByReservation implements ledger.Store.
func (s *Store) TransactionByReservation(ctx context.Context, reservationID string) (*domain.TransactionRecord, error) {
	row := conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reservation_id = $1`, reservationID)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil //nolint:nilnil // Absent is not an error
		}
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return &tx, nil
}

// ListTransactions implements ledger.Store.
func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE account_id = $1 ORDER BY seq`
	args := []any{accountID}
	if limit > 0 {
		// Newest page, returned oldest first.
		query = `SELECT * FROM (SELECT seq, ` + transactionColumns + ` FROM transactions
WHERE account_id = $1 ORDER BY seq DESC LIMIT $2) page ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := conn(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TransactionRecord, 0)
	for rows.Next() {
		var tx domain.TransactionRecord
		var err error
		if limit > 0 {
			var seq int64
			tx, err = scanTransactionWith(rows, &seq)
		} else {
			tx, err = scanTransaction(rows)
		}
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) resolve(ctx context.Context, res domain.Reservation, acct domain.Account, tx domain.TransactionRecord) error {
	if err := s.updateAccount(ctx, acct); err != nil {
		return err
	}

	tag, err := conn(ctx, s.pool).Exec(ctx,
		`UPDATE reservations SET state = $2, resolved_at = $3 WHERE id = $1 AND state = 'held'`,
		res.ID, string(res.State), res.ResolvedAt)
	if err != nil {
		return fmt.Errorf("resolve reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		stored, lookupErr := s.ReservationByID(ctx, res.ID)
		if lookupErr != nil {
			return lookupErr
		}
		if stored == nil {
			return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, res.ID)
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrReservationNotHeld, res.ID, stored.State)
	}

	return s.insertTransaction(ctx, tx)
}

// updateAccount writes acct if the stored row is still at acct.Version-1.
func (s *Store) updateAccount(ctx context.Context, acct domain.Account) error {
	const query = `
UPDATE accounts
SET balance = $2, reserved = $3, version = $4, closed = $5, updated_at = $6
WHERE id = $1 AND version = $7`

	tag, err := conn(ctx, s.pool).Exec(ctx, query,
		acct.ID, int64(acct.Balance), int64(acct.Reserved), acct.Version, acct.Closed, acct.UpdatedAt,
		acct.Version-1)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var stored int64
	err = conn(ctx, s.pool).QueryRow(ctx, `SELECT version FROM accounts WHERE id = $1`, acct.ID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, acct.ID)
	}
	if err != nil {
		return fmt.Errorf("read account version: %w", err)
	}
	return fmt.Errorf("%w: account %s at version %d, write expects %d",
		domain.ErrConflict, acct.ID, stored, acct.Version-1)
}

func (s *Store) insertTransaction(ctx context.Context, tx domain.TransactionRecord) error {
	const query = `
INSERT INTO transactions (id, account_id, reservation_id, kind, delta, balance_after, original_cost, savings,
	settlement_ref, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)`

	_, err := conn(ctx, s.pool).Exec(ctx, query,
		tx.ID, tx.AccountID, tx.ReservationID, string(tx.Kind), int64(tx.Delta), int64(tx.BalanceAfter),
		int64(tx.OriginalCost), int64(tx.Savings), tx.SettlementRef, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, (*int64)(&a.Balance), (*int64)(&a.Reserved), (*int64)(&a.InitialBalance),
		&a.Version, &a.Closed, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var r domain.Reservation
	var state string
	err := row.Scan(&r.ID, &r.AccountID, &r.IdempotencyKey, (*int64)(&r.Amount), &state, &r.QuoteID,
		(*int64)(&r.OriginalCost), (*int64)(&r.Savings), &r.CreatedAt, &r.ExpiresAt, &r.ResolvedAt)
	r.State = domain.ReservationState(state)
	return r, err
}

func scanOptionalReservation(row pgx.Row) (*domain.Reservation, error) {
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil //nolint:nilnil // Absent is not an error
		}
		return nil, fmt.Errorf("find reservation: %w", err)
	}
	return &res, nil
}

func scanTransaction(row pgx.Row) (domain.TransactionRecord, error) {
	return scanTransactionWith(row)
}

// scanTransactionWith scans leading extra columns into prefix before the
// transaction columns.
func scanTransactionWith(row pgx.Row, prefix ...any) (domain.TransactionRecord, error) {
	var t domain.TransactionRecord
	var kind string
	dest := append(prefix,
		&t.ID, &t.AccountID, &t.ReservationID, &kind, (*int64)(&t.Delta), (*int64)(&t.BalanceAfter),
		(*int64)(&t.OriginalCost), (*int64)(&t.Savings), &t.SettlementRef, &t.CreatedAt)
	err := row.Scan(dest...)
	t.Kind = domain.TransactionKind(kind)
	return t, err
}
