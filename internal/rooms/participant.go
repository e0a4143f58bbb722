package rooms

import (
	"sync"
	"time"

	"github.com/example/roadside-relay/internal/models"
)

// Conn is the outbound side of one participant connection. Send must not
// block on a slow peer; implementations drop instead.
type Conn interface {
	Send(event string, payload any) error
	Close() error
}

// Participant is the live state for one role within one room.
type Participant struct {
	ID         string
	Room       string
	Role       models.Role
	AdmittedAt time.Time

	conn Conn

	mu         sync.Mutex
	last       models.Coord
	hasLast    bool
	lastActive time.Time
}

func (p *Participant) Send(event string, payload any) error {
	return p.conn.Send(event, payload)
}

// Conn returns the connection handle the participant was admitted with.
func (p *Participant) Conn() Conn { return p.conn }

// RecordLocation stores the participant's own latest coordinate.
func (p *Participant) RecordLocation(c models.Coord, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = c
	p.hasLast = true
	p.lastActive = at
}

func (p *Participant) LastLocation() (models.Coord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

func (p *Participant) Touch(at time.Time) {
	p.mu.Lock()
	p.lastActive = at
	p.mu.Unlock()
}

func (p *Participant) LastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}
