package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
)

const finalSweepTimeout = 10 * time.Second

// Recover loads accounts and pending holds from the store. Holds whose ttl
// already elapsed are released by the first sweep.
func (l *Ledger) Recover(ctx context.Context) error {
	accounts, err := l.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	pending, err := l.store.LoadPendingReservations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending reservations: %w", err)
	}

	l.mu.Lock()
	for _, acct := range accounts {
		l.accounts[acct.ID] = &accountEntry{acct: acct}
	}
	for _, res := range pending {
		l.reservations[res.ID] = res
		l.byKey[reservationKey(res.AccountID, res.IdempotencyKey)] = res.ID
	}
	l.mu.Unlock()

	observability.FromContext(ctx).Info("ledger recovered",
		observability.Int("accounts", len(accounts)),
		observability.Int("pending_reservations", len(pending)),
	)

	_, err = l.Sweep(ctx)
	return err
}

// Sweep releases every held reservation whose ttl has elapsed, including
// holds placed by other instances sharing the store, and drops resolved
// reservations older than the retention window from memory. It returns the
// number of holds released.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	now := l.clock.Now()

	expired, err := l.expiredIDs(ctx, now)
	if err != nil {
		return 0, err
	}

	released := 0
	var firstErr error
	for _, id := range expired {
		ok, err := l.sweepOne(ctx, id)
		if err != nil {
			observability.FromContext(ctx).Error("failed to release expired reservation",
				observability.String("reservation_id", id),
				observability.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			released++
		}
	}

	l.prune(now)

	if released > 0 {
		observability.FromContext(ctx).Info("expired reservations released", observability.Int("count", released))
	}
	return released, firstErr
}

// expiredIDs lists expired holds known to the store and to this instance.
func (l *Ledger) expiredIDs(ctx context.Context, now time.Time) ([]string, error) {
	stored, err := l.store.ExpiredReservations(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load expired reservations: %w", err)
	}

	seen := make(map[string]struct{}, len(stored))
	ids := make([]string, 0, len(stored))
	for _, res := range stored {
		seen[res.ID] = struct{}{}
		ids = append(ids, res.ID)
	}

	l.mu.RLock()
	for id, res := range l.reservations {
		if _, ok := seen[id]; ok {
			continue
		}
		if res.State == domain.ReservationHeld && res.Expired(now) {
			ids = append(ids, id)
		}
	}
	l.mu.RUnlock()

	return ids, nil
}

func (l *Ledger) sweepOne(ctx context.Context, reservationID string) (bool, error) {
	entry, res, unlock, err := l.lockReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	defer unlock()

	released := false
	err = l.retryStale(ctx, entry, func(stale bool) error {
		if stale {
			current, reloadErr := l.reloadReservation(ctx, reservationID)
			if reloadErr != nil {
				return reloadErr
			}
			res = current
		}
		// Re-checked under the account lock: a capture or release may have won.
		if res.State != domain.ReservationHeld || !res.Expired(l.clock.Now()) {
			return nil
		}
		if _, releaseErr := l.releaseLocked(ctx, entry, res, true); releaseErr != nil {
			return releaseErr
		}
		released = true
		return nil
	})
	return released, err
}

func (l *Ledger) prune(now time.Time) {
	cutoff := now.Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, res := range l.reservations {
		if res.ResolvedAt != nil && res.ResolvedAt.Before(cutoff) {
			delete(l.reservations, id)
			delete(l.byKey, reservationKey(res.AccountID, res.IdempotencyKey))
		}
	}
}

// Start runs the sweeper in the background until Stop is called or ctx ends.
func (l *Ledger) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.running.Store(true)
		go l.run(ctx)
	})
}

func (l *Ledger) run(ctx context.Context) {
	defer close(l.stopped)

	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = l.Sweep(ctx)
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

// Stop halts the sweeper and performs a final sweep so no expired hold is
// left pending at shutdown.
func (l *Ledger) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		if l.running.Load() {
			<-l.stopped
		}

		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSweepTimeout)
		defer cancel()
		_, err = l.Sweep(sweepCtx)
	})
	return err
}
