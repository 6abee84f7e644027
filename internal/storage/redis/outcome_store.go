// Package redis keeps call outcomes in Redis so replays survive restarts and
// are shared between gateway instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
)

const defaultKeyPrefix = "tollgate:outcome:"

// Option configures an OutcomeStore.
type Option func(*OutcomeStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) Option {
	return func(s *OutcomeStore) {
		s.prefix = prefix
	}
}

// OutcomeStore implements domain.OutcomeStore on Redis strings with a TTL.
type OutcomeStore struct {
	client *redis.Client
	prefix string
}

// NewOutcomeStore creates a Redis-backed outcome store.
func NewOutcomeStore(client *redis.Client, opts ...Option) *OutcomeStore {
	s := &OutcomeStore{
		client: client,
		prefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements domain.OutcomeStore.
func (s *OutcomeStore) Get(ctx context.Context, key string) (*domain.CallResponse, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read outcome: %w", err)
	}

	var resp domain.CallResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		observability.FromContext(ctx).Warn("dropping unreadable outcome",
			observability.String("key", key),
			observability.Error(err))
		return nil, false, nil
	}

	return &resp, true, nil
}

// Put implements domain.OutcomeStore.
func (s *OutcomeStore) Put(ctx context.Context, key string, resp *domain.CallResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write outcome: %w", err)
	}

	observability.FromContext(ctx).Debug("outcome retained",
		observability.String("key", key),
		observability.Int("size", len(data)),
		observability.Duration("ttl", ttl))
	return nil
}

// Ping checks that Redis is reachable.
func (s *OutcomeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
