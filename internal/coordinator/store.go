package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/example/roadside-relay/internal/models"
)

// StatusStore holds the coordinator's mirror of each room's status.
// Advance must be atomic: it moves to target only if target ranks above the
// current status, and reports the previous status either way.
type StatusStore interface {
	Get(ctx context.Context, room string) (models.Status, error)
	Advance(ctx context.Context, room string, target models.Status) (prev models.Status, advanced bool, err error)
}

type statusEntry struct {
	status  models.Status
	updated time.Time
}

// MemoryStatusStore is the in-process StatusStore. Entries older than ttl are
// forgotten; a forgotten room reads as pending.
type MemoryStatusStore struct {
	mu      sync.Mutex
	entries map[string]statusEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStatusStore(ttl time.Duration) *MemoryStatusStore {
	return &MemoryStatusStore{entries: make(map[string]statusEntry), ttl: ttl, now: time.Now}
}

func (m *MemoryStatusStore) Get(ctx context.Context, room string) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(room), nil
}

func (m *MemoryStatusStore) Advance(ctx context.Context, room string, target models.Status) (models.Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.currentLocked(room)
	if target.Rank() <= prev.Rank() {
		return prev, false, nil
	}
	m.entries[room] = statusEntry{status: target, updated: m.now()}
	return prev, true, nil
}

func (m *MemoryStatusStore) currentLocked(room string) models.Status {
	e, ok := m.entries[room]
	if !ok {
		return models.StatusPending
	}
	if m.ttl > 0 && m.now().Sub(e.updated) > m.ttl {
		delete(m.entries, room)
		return models.StatusPending
	}
	return e.status
}

// Prune drops expired entries and returns how many were removed.
func (m *MemoryStatusStore) Prune() int {
	if m.ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if now.Sub(e.updated) > m.ttl {
			delete(m.entries, k)
			n++
		}
	}
	return n
}
