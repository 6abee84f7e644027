package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/davidbz/tollgate/internal/domain"
)

// Registry implements the DispatcherRegistry interface.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]domain.Dispatcher
}

// NewRegistry creates a new dispatcher registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:          sync.RWMutex{},
		dispatchers: make(map[string]domain.Dispatcher),
	}
}

// Register adds a dispatcher to the registry.
func (r *Registry) Register(_ context.Context, dispatcher domain.Dispatcher) error {
	if dispatcher == nil {
		return errors.New("dispatcher cannot be nil")
	}

	name := dispatcher.Name()
	if name == "" {
		return errors.New("dispatcher name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dispatchers[name]; exists {
		return fmt.Errorf("dispatcher %s already registered", name)
	}

	r.dispatchers[name] = dispatcher
	return nil
}

// Get retrieves a dispatcher by provider name.
func (r *Registry) Get(_ context.Context, provider string) (domain.Dispatcher, error) {
	if provider == "" {
		return nil, fmt.Errorf("%w: provider name cannot be empty", domain.ErrInvalidRequest)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	dispatcher, exists := r.dispatchers[provider]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
	}

	return dispatcher, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dispatchers))
	for name := range r.dispatchers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}
