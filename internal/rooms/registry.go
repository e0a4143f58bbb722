package rooms

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/observability"
)

// ErrInvalidRoom is returned by Admit for an empty room id or an unknown role.
var ErrInvalidRoom = errors.New("invalid room or role")

// Admission describes the outcome of a successful Admit.
type Admission struct {
	Participant *Participant
	// Evicted is the previous occupant of the slot, already closed.
	Evicted *Participant
	// NewRoom is true when this admission created the room entry.
	NewRoom bool
}

type room struct {
	slots     map[models.Role]*Participant
	createdAt time.Time
}

// Registry maps a request id to the participants connected for it.
// One mutex guards every operation so admit and remove observe a single order.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time
}

type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{rooms: make(map[string]*room), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Admit registers conn under (roomID, role). A current occupant of the slot
// is evicted and its connection closed.
func (r *Registry) Admit(roomID string, role models.Role, conn Conn) (Admission, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || !role.Valid() || conn == nil {
		observability.InvalidInits.Inc()
		return Admission{}, ErrInvalidRoom
	}
	now := r.now()
	p := &Participant{
		ID:         uuid.NewString(),
		Room:       roomID,
		Role:       role,
		AdmittedAt: now,
		conn:       conn,
		lastActive: now,
	}

	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{slots: make(map[models.Role]*Participant, 2), createdAt: now}
		r.rooms[roomID] = rm
		observability.RoomsActive.Inc()
	}
	prev := rm.slots[role]
	rm.slots[role] = p
	r.mu.Unlock()

	observability.Admissions.WithLabelValues(string(role)).Inc()
	if prev != nil {
		observability.Evictions.Inc()
		_ = prev.conn.Close()
	}
	return Admission{Participant: p, Evicted: prev, NewRoom: !ok}, nil
}

// Lookup returns the participant occupying (roomID, role).
func (r *Registry) Lookup(roomID string, role models.Role) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	p, ok := rm.slots[role]
	return p, ok
}

// Members returns the room's participants, client first.
func (r *Registry) Members(roomID string) []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Participant, 0, 2)
	for _, role := range []models.Role{models.RoleClient, models.RoleService} {
		if p, ok := rm.slots[role]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Remove drops p if it still occupies its slot, then sweeps the room.
// A participant that was already replaced is left alone and false is returned.
func (r *Registry) Remove(p *Participant) bool {
	if p == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[p.Room]
	if !ok || rm.slots[p.Role] != p {
		observability.StaleRemoves.Inc()
		return false
	}
	delete(rm.slots, p.Role)
	r.sweepLocked(p.Room)
	return true
}

// Sweep drops the room entry once both role slots are empty.
func (r *Registry) Sweep(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(roomID)
}

func (r *Registry) sweepLocked(roomID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok || len(rm.slots) > 0 {
		return false
	}
	delete(r.rooms, roomID)
	observability.RoomsActive.Dec()
	return true
}

// Len reports the number of rooms with at least one participant.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// CreatedAt reports when the room entry was created.
func (r *Registry) CreatedAt(roomID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return time.Time{}, false
	}
	return rm.createdAt, true
}
