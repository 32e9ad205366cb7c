package filestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps file records in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]map[string]Record)}
}

func (s *InMemoryStore) Put(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	bySession, ok := s.records[record.SessionID]
	if !ok {
		bySession = make(map[string]Record)
		s.records[record.SessionID] = bySession
	}
	bySession[record.Name] = record
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID, name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[sessionID][name]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemoryStore) Delete(_ context.Context, sessionID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySession := s.records[sessionID]
	if _, ok := bySession[name]; !ok {
		return ErrNotFound
	}
	delete(bySession, name)
	if len(bySession) == 0 {
		delete(s.records, sessionID)
	}
	return nil
}

func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySession := s.records[sessionID]
	if len(bySession) == 0 {
		return nil, nil
	}
	out := make([]Record, 0, len(bySession))
	for _, r := range bySession {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
