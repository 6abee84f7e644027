package domain

import (
	"context"
	"time"
)

// Dispatcher performs the actual upstream work for one provider.
type Dispatcher interface {
	// Dispatch sends the payload upstream, giving up after timeout.
	Dispatch(ctx context.Context, provider string, payload Payload, timeout time.Duration) (*UpstreamResult, error)

	// Name returns the provider identifier.
	Name() string
}

// DispatcherRegistry manages available upstream dispatchers.
type DispatcherRegistry interface {
	// Register adds a dispatcher to the registry.
	Register(ctx context.Context, dispatcher Dispatcher) error

	// Get retrieves a dispatcher by provider name.
	Get(ctx context.Context, provider string) (Dispatcher, error)

	// List returns all registered provider names.
	List(ctx context.Context) ([]string, error)
}

// OutcomeStore retains terminal call outcomes per idempotency key.
type OutcomeStore interface {
	// Get returns the cached outcome, or ok=false when absent.
	Get(ctx context.Context, key string) (*CallResponse, bool, error)

	// Put caches an outcome for ttl.
	Put(ctx context.Context, key string, resp *CallResponse, ttl time.Duration) error
}

// EventPublisher emits structured lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data map[string]any)
}
