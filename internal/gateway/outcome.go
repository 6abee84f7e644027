package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/davidbz/tollgate/internal/clock"
	"github.com/davidbz/tollgate/internal/domain"
)

const pruneEvery = 256

type outcomeEntry struct {
	resp      domain.CallResponse
	expiresAt time.Time
}

// MemoryOutcomeStore keeps call outcomes in process memory.
type MemoryOutcomeStore struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]outcomeEntry
	puts    int
}

// NewMemoryOutcomeStore creates an empty store.
func NewMemoryOutcomeStore(clk clock.Clock) *MemoryOutcomeStore {
	return &MemoryOutcomeStore{
		clock:   clk,
		mu:      sync.Mutex{},
		entries: make(map[string]outcomeEntry),
		puts:    0,
	}
}

// Get implements domain.OutcomeStore.
func (s *MemoryOutcomeStore) Get(_ context.Context, key string) (*domain.CallResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.clock.Now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}

	resp := entry.resp
	return &resp, true, nil
}

// Put implements domain.OutcomeStore.
func (s *MemoryOutcomeStore) Put(_ context.Context, key string, resp *domain.CallResponse, ttl time.Duration) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = outcomeEntry{resp: *resp, expiresAt: now.Add(ttl)}

	s.puts++
	if s.puts%pruneEvery == 0 {
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
			}
		}
	}
	return nil
}
