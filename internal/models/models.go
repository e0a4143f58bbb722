package models

import (
	"math"
	"time"
)

// Coord is a WGS84 position in decimal degrees.
type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether c is a finite point inside the lat/lon ranges.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Role string

const (
	RoleClient  Role = "client"
	RoleService Role = "service" // mechanic
)

func (r Role) Valid() bool { return r == RoleClient || r == RoleService }

// Counterpart returns the role on the other side of a room.
func (r Role) Counterpart() Role {
	if r == RoleClient {
		return RoleService
	}
	return RoleClient
}

// Status mirrors the request record status: pending, accepted, ongoing, completed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

// Rank orders statuses for monotonic comparison. Unknown statuses rank below pending.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusAccepted:
		return 2
	case StatusOngoing:
		return 3
	case StatusCompleted:
		return 4
	default:
		return 0
	}
}

func (s Status) Valid() bool { return s.Rank() > 0 }

// ServiceRequest is the subset of the external request record the relay reads.
type ServiceRequest struct {
	ID       string `json:"id"`
	Client   string `json:"client"`
	Mechanic string `json:"mechanic,omitempty"`
	Status   Status `json:"status"`
}

// SessionRecord is the audit row kept for one admitted participant connection.
type SessionRecord struct {
	ID          string
	Room        string
	Role        Role
	RemoteAddr  string
	AdmittedAt  time.Time
	ClosedAt    *time.Time
	CloseReason string
}
