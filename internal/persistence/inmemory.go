package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps records in process for local/dev use.
type InMemoryStore struct {
	mu     sync.RWMutex
	turns  map[string][]TurnRecord
	events map[string][]SessionEvent
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:  make(map[string][]TurnRecord),
		events: make(map[string][]SessionEvent),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.turns[record.SessionID] = append(s.turns[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) RecordSessionEvent(_ context.Context, ev SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	return nil
}

// RecentTurns returns up to limit turns of sessionID in chronological order.
func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

// SessionEvents returns every event recorded for sessionID.
func (s *InMemoryStore) SessionEvents(sessionID string) []SessionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionEvent, len(s.events[sessionID]))
	copy(out, s.events[sessionID])
	return out
}

func (s *InMemoryStore) Close() error { return nil }
