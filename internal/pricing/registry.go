package pricing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
)

const defaultHistorySize = 16

// Registry publishes versioned pricing tables. Readers always see a complete
// snapshot; Swap replaces it atomically while older versions stay resolvable
// so in-flight quotes keep the table they were priced against.
type Registry struct {
	current atomic.Pointer[Table]

	mu         sync.Mutex
	history    map[int64]*Table
	order      []int64
	maxHistory int
}

// NewRegistry creates a registry seeded with initial as version 1.
func NewRegistry(initial Table, maxHistory int) (*Registry, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if maxHistory <= 0 {
		maxHistory = defaultHistorySize
	}

	r := &Registry{
		mu:         sync.Mutex{},
		history:    make(map[int64]*Table, maxHistory),
		order:      make([]int64, 0, maxHistory),
		maxHistory: maxHistory,
	}
	r.publish(initial.clone(1))

	return r, nil
}

// Current returns the active table snapshot.
func (r *Registry) Current() *Table {
	return r.current.Load()
}

// Version returns a previously published table.
func (r *Registry) Version(version int64) (*Table, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.history[version]
	return table, ok
}

// Swap publishes table as the next version and returns the stored snapshot.
func (r *Registry) Swap(ctx context.Context, table Table) (*Table, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	next := table.clone(r.current.Load().Version + 1)
	r.publishLocked(next)
	r.mu.Unlock()

	observability.FromContext(ctx).Info("pricing table swapped",
		observability.Int64("version", next.Version),
		observability.Int("providers", len(next.Providers)),
	)

	return next, nil
}

// RegisterRate publishes a new version with the provider's rate set.
func (r *Registry) RegisterRate(ctx context.Context, provider string, rate Rate) error {
	if provider == "" {
		return fmt.Errorf("%w: provider cannot be empty", domain.ErrInvalidRequest)
	}

	r.mu.Lock()
	current := r.current.Load()
	next := current.clone(current.Version + 1)
	next.Providers[provider] = rate
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to register rate for %s: %w", provider, err)
	}
	r.publishLocked(next)
	r.mu.Unlock()

	observability.FromContext(ctx).Debug("provider rate registered",
		observability.String("provider", provider),
		observability.Int64("version", next.Version),
	)
	return nil
}

// EnsureRate registers rate only when the current table does not price the
// provider yet, so a loaded table file takes precedence over adapter defaults.
// It reports whether a new version was published.
func (r *Registry) EnsureRate(ctx context.Context, provider string, rate Rate) (bool, error) {
	if _, err := r.Current().Rate(provider); err == nil {
		return false, nil
	}
	if err := r.RegisterRate(ctx, provider, rate); err != nil {
		return false, err
	}
	return true, nil
}

// Estimate prices a call against the current table.
func (r *Registry) Estimate(provider string, inputUnits, outputUnits int64, class string) (CostEstimate, error) {
	return EstimateCost(r.Current(), provider, inputUnits, outputUnits, class)
}

// Providers returns the provider ids priced by the current table, sorted.
func (r *Registry) Providers() []string {
	table := r.Current()
	ids := make([]string, 0, len(table.Providers))
	for id := range table.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) publish(table *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLocked(table)
}

func (r *Registry) publishLocked(table *Table) {
	r.history[table.Version] = table
	r.order = append(r.order, table.Version)
	for len(r.order) > r.maxHistory {
		delete(r.history, r.order[0])
		r.order = r.order[1:]
	}
	r.current.Store(table)
}
