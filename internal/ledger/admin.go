package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
)

const percent = 100

// CreateAccount opens an account with an initial balance.
func (l *Ledger) CreateAccount(ctx context.Context, accountID string, initial domain.Micros) (domain.Account, error) {
	if accountID == "" {
		return domain.Account{}, fmt.Errorf("%w: account id is required", domain.ErrInvalidRequest)
	}
	if initial < 0 {
		return domain.Account{}, fmt.Errorf("%w: initial balance cannot be negative", domain.ErrInvalidRequest)
	}

	entry, created, err := l.createEntry(ctx, accountID, initial)
	if err != nil {
		return domain.Account{}, err
	}
	if !created {
		return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountExists, accountID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.acct, nil
}

// Fund credits an account, creating it when unknown.
func (l *Ledger) Fund(ctx context.Context, accountID string, amount domain.Micros) (domain.TransactionRecord, error) {
	if accountID == "" {
		return domain.TransactionRecord{}, fmt.Errorf("%w: account id is required", domain.ErrInvalidRequest)
	}
	if amount <= 0 {
		return domain.TransactionRecord{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}

	entry, err := l.account(ctx, accountID, true)
	if err != nil {
		return domain.TransactionRecord{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var tx domain.TransactionRecord
	err = l.retryStale(ctx, entry, func(bool) error {
		var attemptErr error
		tx, attemptErr = l.fundLocked(ctx, entry, amount)
		return attemptErr
	})
	return tx, err
}

func (l *Ledger) fundLocked(ctx context.Context, entry *accountEntry, amount domain.Micros) (domain.TransactionRecord, error) {
	accountID := entry.acct.ID
	if entry.acct.Closed {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %s", domain.ErrAccountClosed, accountID)
	}

	now := l.clock.Now()
	next := entry.acct
	next.Balance += amount
	next.Version++
	next.UpdatedAt = now

	tx := domain.TransactionRecord{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Kind:         domain.TransactionFund,
		Delta:        amount,
		BalanceAfter: next.Balance,
		CreatedAt:    now,
	}

	if err := l.store.CommitFund(ctx, next, tx); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("failed to commit fund: %w", err)
	}
	entry.acct = next

	observability.FromContext(ctx).Info("account funded",
		observability.String("account_id", accountID),
		observability.Amount("amount", amount),
		observability.Amount("balance_after", next.Balance),
	)
	return tx, nil
}

// CloseAccount marks an account closed. Outstanding holds still settle, but
// no new holds or credits are accepted.
func (l *Ledger) CloseAccount(ctx context.Context, accountID string) (domain.Account, error) {
	entry, err := l.account(ctx, accountID, false)
	if err != nil {
		return domain.Account{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var closed domain.Account
	err = l.retryStale(ctx, entry, func(bool) error {
		if entry.acct.Closed {
			closed = entry.acct
			return nil
		}

		next := entry.acct
		next.Closed = true
		next.Version++
		next.UpdatedAt = l.clock.Now()

		if err := l.store.UpdateAccount(ctx, next); err != nil {
			return fmt.Errorf("failed to close account: %w", err)
		}
		entry.acct = next
		closed = next

		observability.FromContext(ctx).Info("account closed", observability.String("account_id", accountID))
		return nil
	})
	if err != nil {
		return domain.Account{}, err
	}
	return closed, nil
}

// Analytics aggregates an account's ledger entries.
func (l *Ledger) Analytics(ctx context.Context, accountID string) (domain.Analytics, error) {
	txs, err := l.Transactions(ctx, accountID, 0)
	if err != nil {
		return domain.Analytics{}, err
	}

	out := domain.Analytics{AccountID: accountID}
	for _, tx := range txs {
		switch tx.Kind {
		case domain.TransactionCapture:
			out.TotalCalls++
			out.TotalSpent -= tx.Delta
			out.TotalOriginalCost += tx.OriginalCost
			out.TotalSaved += tx.Savings
		case domain.TransactionRelease:
			out.ReleasedCalls++
		case domain.TransactionFund:
			out.TotalFunded += tx.Delta
		}
	}

	if out.TotalOriginalCost > 0 {
		out.SavingsPercentage = float64(out.TotalSaved) / float64(out.TotalOriginalCost) * percent
	}
	return out, nil
}
