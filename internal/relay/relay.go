package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/observability"
	"github.com/example/roadside-relay/internal/rooms"
)

// Registry is the lookup side of rooms.Registry the relay needs.
type Registry interface {
	Lookup(roomID string, role models.Role) (*rooms.Participant, bool)
}

// EventSink receives accepted location pushes. Optional.
type EventSink interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
}

// Relay forwards location updates between the two roles of a room.
// Delivery is best-effort and at-most-once; nothing is buffered.
type Relay struct {
	reg    Registry
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time
}

func New(reg Registry, sink EventSink, logger *slog.Logger) *Relay {
	return &Relay{reg: reg, sink: sink, logger: logger.With("component", "relay"), now: time.Now}
}

// PushLocation forwards c from the role occupant of roomID to its counterpart.
func (r *Relay) PushLocation(ctx context.Context, roomID string, from models.Role, c models.Coord) bool {
	sender, ok := r.reg.Lookup(roomID, from)
	if !ok {
		observability.LocationsDropped.WithLabelValues("no_sender").Inc()
		return false
	}
	return r.Push(ctx, sender, c)
}

// Push forwards c on behalf of sender. A sender that no longer occupies its
// slot is ignored.
func (r *Relay) Push(ctx context.Context, sender *rooms.Participant, c models.Coord) bool {
	if !c.Valid() {
		observability.LocationsDropped.WithLabelValues("invalid_coord").Inc()
		r.logger.Debug("dropping invalid coordinate", "room", sender.Room, "role", sender.Role)
		return false
	}
	if cur, ok := r.reg.Lookup(sender.Room, sender.Role); !ok || cur != sender {
		observability.LocationsDropped.WithLabelValues("evicted").Inc()
		return false
	}
	now := r.now()
	sender.RecordLocation(c, now)
	r.publish(ctx, models.LocationEvent{Room: sender.Room, Role: sender.Role, Loc: c, At: now})

	target, ok := r.reg.Lookup(sender.Room, sender.Role.Counterpart())
	if !ok {
		observability.LocationsDropped.WithLabelValues("no_counterpart").Inc()
		return false
	}
	if err := target.Send(models.EventRecvLocation, models.LocationMessage{Latitude: c.Lat, Longitude: c.Lon}); err != nil {
		observability.LocationsDropped.WithLabelValues("send_failed").Inc()
		r.logger.Debug("forward failed", "room", sender.Room, "to", target.Role, "error", err)
		return false
	}
	observability.LocationsRelayed.Inc()
	return true
}

// Replay sends the counterpart's last known coordinate to a newly admitted
// participant, if the counterpart is live and has reported one.
func (r *Relay) Replay(newcomer *rooms.Participant) bool {
	other, ok := r.reg.Lookup(newcomer.Room, newcomer.Role.Counterpart())
	if !ok {
		return false
	}
	c, ok := other.LastLocation()
	if !ok {
		return false
	}
	if err := newcomer.Send(models.EventRecvLocation, models.LocationMessage{Latitude: c.Lat, Longitude: c.Lon}); err != nil {
		return false
	}
	return true
}

func (r *Relay) publish(ctx context.Context, ev models.LocationEvent) {
	if r.sink == nil {
		return
	}
	if err := r.sink.PublishLocation(ctx, ev); err != nil {
		observability.SideChannelErrors.WithLabelValues("location_stream").Inc()
		r.logger.Warn("publish location failed", "room", ev.Room, "error", err)
	}
}
