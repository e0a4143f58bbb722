package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/observability"
	"github.com/example/roadside-relay/internal/rooms"
)

var (
	// ErrEmptyRoom is returned for a trigger without a room id.
	ErrEmptyRoom = errors.New("empty room id")
	// ErrNotVerified is returned when a participant reports completion but the
	// request record does not agree.
	ErrNotVerified = errors.New("completion not confirmed by request record")
)

const (
	ongoingMessage   = "Task is now ongoing"
	completedMessage = "Task completed"
)

// Members lists the live participants of a room.
type Members interface {
	Members(roomID string) []*rooms.Participant
}

// RequestLookup reads the external request record.
type RequestLookup interface {
	FetchRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
}

// EventSink receives status transitions. Optional.
type EventSink interface {
	PublishStatus(ctx context.Context, ev models.StatusEvent) error
}

type Options struct {
	Store  StatusStore
	Lookup RequestLookup
	Sink   EventSink
	// VerifyCompletion makes participant-originated completions consult Lookup.
	VerifyCompletion bool
}

// Coordinator advances a room's shared status and fans the resulting event
// out to the room. Status only moves forward; repeated triggers are ignored.
type Coordinator struct {
	members Members
	store   StatusStore
	lookup  RequestLookup
	sink    EventSink
	verify  bool
	logger  *slog.Logger
	now     func() time.Time
}

func New(members Members, opts Options, logger *slog.Logger) *Coordinator {
	store := opts.Store
	if store == nil {
		store = NewMemoryStatusStore(24 * time.Hour)
	}
	return &Coordinator{
		members: members,
		store:   store,
		lookup:  opts.Lookup,
		sink:    opts.Sink,
		verify:  opts.VerifyCompletion,
		logger:  logger.With("component", "coordinator"),
		now:     time.Now,
	}
}

// AdvanceToOngoing marks the room ongoing after OTP verification and
// broadcasts status-ongoing. Returns false when the room was already there.
func (c *Coordinator) AdvanceToOngoing(ctx context.Context, room string) (bool, error) {
	advanced, err := c.advance(ctx, room, models.StatusOngoing, "api")
	if err != nil || !advanced {
		return false, err
	}
	c.broadcast(room, models.EventStatusOngoing, models.StatusOngoingMessage{Message: ongoingMessage, TaskStatus: true})
	return true, nil
}

// AdvanceToCompleted marks the room completed and broadcasts complete-task.
// There is no precondition beyond not being completed already.
func (c *Coordinator) AdvanceToCompleted(ctx context.Context, room, message string) (bool, error) {
	advanced, err := c.advance(ctx, room, models.StatusCompleted, "api")
	if err != nil || !advanced {
		return false, err
	}
	if strings.TrimSpace(message) == "" {
		message = completedMessage
	}
	c.broadcast(room, models.EventCompleteTask, models.CompleteTaskMessage{Message: message})
	return true, nil
}

// CompleteFromParticipant handles a complete-task sent over a participant's
// own socket. With verification on, the request record must already say
// completed.
func (c *Coordinator) CompleteFromParticipant(ctx context.Context, room, message string) (bool, error) {
	if c.verify && c.lookup != nil {
		req, err := c.lookup.FetchRequest(ctx, room)
		if err != nil {
			return false, fmt.Errorf("verify completion %s: %w", room, err)
		}
		if req.Status != models.StatusCompleted {
			c.logger.Warn("unverified completion ignored", "room", room, "record_status", req.Status)
			return false, ErrNotVerified
		}
	}
	return c.AdvanceToCompleted(ctx, room, message)
}

// Apply maps a trigger from the request stream onto the matching transition.
// Statuses without a room event only move the mirror.
func (c *Coordinator) Apply(ctx context.Context, t models.StatusTrigger) (bool, error) {
	switch t.Status {
	case models.StatusOngoing:
		return c.AdvanceToOngoing(ctx, t.RequestID)
	case models.StatusCompleted:
		return c.AdvanceToCompleted(ctx, t.RequestID, t.Message)
	case models.StatusPending, models.StatusAccepted:
		return c.advance(ctx, t.RequestID, t.Status, "stream")
	default:
		return false, fmt.Errorf("unknown status %q", t.Status)
	}
}

// Sync seeds the mirror from the request record. It never broadcasts.
func (c *Coordinator) Sync(ctx context.Context, room string) (models.Status, error) {
	if c.lookup == nil {
		return c.store.Get(ctx, room)
	}
	req, err := c.lookup.FetchRequest(ctx, room)
	if err != nil {
		return "", fmt.Errorf("sync %s: %w", room, err)
	}
	if req.Status.Valid() {
		if _, err := c.advance(ctx, room, req.Status, "sync"); err != nil {
			return "", err
		}
	}
	return c.store.Get(ctx, room)
}

// Status returns the mirrored status of a room.
func (c *Coordinator) Status(ctx context.Context, room string) (models.Status, error) {
	return c.store.Get(ctx, room)
}

func (c *Coordinator) advance(ctx context.Context, room string, target models.Status, source string) (bool, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return false, ErrEmptyRoom
	}
	prev, advanced, err := c.store.Advance(ctx, room, target)
	if err != nil {
		return false, err
	}
	if !advanced {
		observability.StatusIgnored.WithLabelValues(string(target)).Inc()
		c.logger.Debug("status trigger ignored", "room", room, "target", target, "current", prev)
		return false, nil
	}
	c.logger.Info("status advanced", "room", room, "from", prev, "to", target, "source", source)
	if c.sink != nil {
		ev := models.StatusEvent{Room: room, From: prev, To: target, Source: source, At: c.now()}
		if err := c.sink.PublishStatus(ctx, ev); err != nil {
			observability.SideChannelErrors.WithLabelValues("status_stream").Inc()
			c.logger.Warn("publish status failed", "room", room, "error", err)
		}
	}
	return true, nil
}

func (c *Coordinator) broadcast(room, event string, payload any) {
	room = strings.TrimSpace(room)
	members := c.members.Members(room)
	for _, p := range members {
		if err := p.Send(event, payload); err != nil {
			c.logger.Debug("broadcast send failed", "room", room, "role", p.Role, "event", event, "error", err)
		}
	}
	observability.StatusBroadcasts.WithLabelValues(event).Inc()
	c.logger.Info("status broadcast", "room", room, "event", event, "recipients", len(members))
}
