package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/roadside-relay/internal/models"
)

var ErrNotFound = errors.New("session not found")

// SessionStore persists the participant session audit trail.
type SessionStore interface {
	SaveSession(ctx context.Context, rec *models.SessionRecord) error
	CloseSession(ctx context.Context, id, reason string, at time.Time) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.SessionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.SessionRecord)}
}

func (m *MemoryStore) SaveSession(ctx context.Context, rec *models.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.sessions[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) CloseSession(ctx context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.ClosedAt = &at
	rec.CloseReason = reason
	return nil
}

func (m *MemoryStore) Get(id string) (*models.SessionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}
