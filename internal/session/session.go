// Package session drives one participant connection through
// connecting → active → closed, translating inbound socket events into
// registry, relay and coordinator calls.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/example/roadside-relay/internal/coordinator"
	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/observability"
	"github.com/example/roadside-relay/internal/rooms"
)

type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

const invalidInitMessage = "Invalid room or role"

const (
	storeTimeout = 2 * time.Second
	syncTimeout  = 5 * time.Second
)

type Registry interface {
	Admit(roomID string, role models.Role, conn rooms.Conn) (rooms.Admission, error)
	Remove(p *rooms.Participant) bool
	Lookup(roomID string, role models.Role) (*rooms.Participant, bool)
}

type Relay interface {
	Push(ctx context.Context, sender *rooms.Participant, c models.Coord) bool
	Replay(newcomer *rooms.Participant) bool
}

type Coordinator interface {
	CompleteFromParticipant(ctx context.Context, room, message string) (bool, error)
	Sync(ctx context.Context, room string) (models.Status, error)
}

// Store records session lifecycle for audit. Optional.
type Store interface {
	SaveSession(ctx context.Context, rec *models.SessionRecord) error
	CloseSession(ctx context.Context, id, reason string, at time.Time) error
}

type Deps struct {
	Registry    Registry
	Relay       Relay
	Coordinator Coordinator
	Store       Store
	Logger      *slog.Logger
	// ReplayLastLocation sends the counterpart's last coordinate on admission.
	ReplayLastLocation bool
}

// Session is the lifecycle of one connection. Handle and Close are called
// from the connection's read goroutine only.
type Session struct {
	conn   rooms.Conn
	deps   Deps
	remote string
	logger *slog.Logger
	now    func() time.Time

	state       State
	participant *rooms.Participant
}

func New(conn rooms.Conn, remoteAddr string, deps Deps) *Session {
	return &Session{
		conn:   conn,
		deps:   deps,
		remote: remoteAddr,
		logger: deps.Logger.With("component", "session", "remote_addr", remoteAddr),
		now:    time.Now,
	}
}

func (s *Session) State() State { return s.state }

// Participant returns the admitted participant, or nil before init.
func (s *Session) Participant() *rooms.Participant { return s.participant }

// Handle processes one inbound frame. It returns false when the connection
// must be closed by the caller.
func (s *Session) Handle(ctx context.Context, raw []byte) bool {
	if s.state == StateClosed {
		return false
	}
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Debug("dropping malformed frame", "error", err)
		return true
	}
	if s.participant != nil {
		s.participant.Touch(s.now())
	}
	switch env.Event {
	case models.EventInit:
		return s.handleInit(ctx, env.Data)
	case models.EventSendLocation:
		s.handleLocation(ctx, env.Data)
	case models.EventCompleteTask:
		s.handleComplete(ctx, env.Data)
	default:
		s.logger.Debug("ignoring unknown event", "event", env.Event)
	}
	return true
}

func (s *Session) handleInit(ctx context.Context, data json.RawMessage) bool {
	var in models.InitPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &in); err != nil {
			in = models.InitPayload{}
		}
	}
	if s.participant != nil {
		// re-init on a live connection: vacate the old slot first
		s.release("reinit")
	}
	adm, err := s.deps.Registry.Admit(in.Room, in.Role, s.conn)
	if err != nil {
		s.logger.Info("init rejected", "room", in.Room, "role", in.Role, "error", err)
		_ = s.conn.Send(models.EventError, models.ErrorMessage{Message: invalidInitMessage})
		s.state = StateClosed
		return false
	}
	p := adm.Participant
	s.participant = p
	s.state = StateActive
	s.logger.Info("participant admitted", "room", p.Room, "role", p.Role, "participant_id", p.ID, "evicted", adm.Evicted != nil)

	if s.deps.Store != nil {
		rec := &models.SessionRecord{ID: p.ID, Room: p.Room, Role: p.Role, RemoteAddr: s.remote, AdmittedAt: p.AdmittedAt}
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := s.deps.Store.SaveSession(sctx, rec)
		cancel()
		if err != nil {
			observability.SideChannelErrors.WithLabelValues("session_store").Inc()
			s.logger.Warn("save session failed", "participant_id", p.ID, "error", err)
		}
	}
	if adm.NewRoom && s.deps.Coordinator != nil {
		// Sync never broadcasts, so it runs off the read loop
		go s.syncStatus(ctx, p.Room)
	}
	if s.deps.ReplayLastLocation && s.deps.Relay != nil {
		s.deps.Relay.Replay(p)
	}
	return true
}

func (s *Session) syncStatus(ctx context.Context, room string) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	st, err := s.deps.Coordinator.Sync(ctx, room)
	if err != nil {
		s.logger.Warn("status sync failed", "room", room, "error", err)
		return
	}
	s.logger.Debug("status synced", "room", room, "status", st)
}

func (s *Session) handleLocation(ctx context.Context, data json.RawMessage) {
	if s.state != StateActive {
		observability.LocationsDropped.WithLabelValues("not_active").Inc()
		return
	}
	var in models.SendLocationPayload
	if err := json.Unmarshal(data, &in); err != nil || in.Latitude == nil || in.Longitude == nil {
		observability.LocationsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if in.Room != "" && in.Room != s.participant.Room {
		observability.LocationsDropped.WithLabelValues("room_mismatch").Inc()
		return
	}
	s.deps.Relay.Push(ctx, s.participant, models.Coord{Lat: *in.Latitude, Lon: *in.Longitude})
}

func (s *Session) handleComplete(ctx context.Context, data json.RawMessage) {
	if s.state != StateActive || s.deps.Coordinator == nil {
		return
	}
	var in models.CompleteTaskPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &in); err != nil {
			return
		}
	}
	p := s.participant
	if in.Room != "" && in.Room != p.Room {
		s.logger.Warn("complete-task for a foreign room ignored", "room", p.Room, "requested", in.Room)
		return
	}
	if cur, ok := s.deps.Registry.Lookup(p.Room, p.Role); !ok || cur != p {
		s.logger.Debug("complete-task from an evicted participant ignored", "room", p.Room, "participant_id", p.ID)
		return
	}
	_, err := s.deps.Coordinator.CompleteFromParticipant(ctx, p.Room, in.Message)
	if err != nil && !errors.Is(err, coordinator.ErrNotVerified) {
		s.logger.Warn("complete-task failed", "room", p.Room, "error", err)
	}
}

// Close releases the participant's slot. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.release(reason)
	s.state = StateClosed
}

func (s *Session) release(reason string) {
	p := s.participant
	if p == nil {
		return
	}
	s.participant = nil
	if !s.deps.Registry.Remove(p) {
		reason = "evicted"
	}
	s.logger.Info("participant released", "room", p.Room, "role", p.Role, "participant_id", p.ID, "reason", reason)
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.deps.Store.CloseSession(ctx, p.ID, reason, s.now()); err != nil {
			observability.SideChannelErrors.WithLabelValues("session_store").Inc()
			s.logger.Warn("close session failed", "participant_id", p.ID, "error", err)
		}
	}
}
