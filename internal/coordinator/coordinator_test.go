package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/rooms"
)

type fakeConn struct {
	mu     sync.Mutex
	events []string
	last   any
}

func (f *fakeConn) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.last = payload
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

type fakeLookup struct {
	req *models.ServiceRequest
	err error
}

func (f *fakeLookup) FetchRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.req, nil
}

type statusSink struct{ events []models.StatusEvent }

func (s *statusSink) PublishStatus(ctx context.Context, ev models.StatusEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func newRoom(t *testing.T) (*rooms.Registry, *fakeConn, *fakeConn) {
	t.Helper()
	reg := rooms.NewRegistry()
	client, service := &fakeConn{}, &fakeConn{}
	if _, err := reg.Admit("r1", models.RoleClient, client); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Admit("r1", models.RoleService, service); err != nil {
		t.Fatal(err)
	}
	return reg, client, service
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAdvanceToOngoingBroadcastsOnce(t *testing.T) {
	reg, client, service := newRoom(t)
	sink := &statusSink{}
	c := New(reg, Options{Sink: sink}, discard())
	ctx := context.Background()

	ok, err := c.AdvanceToOngoing(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("first trigger should advance, ok=%v err=%v", ok, err)
	}
	ok, err = c.AdvanceToOngoing(ctx, "r1")
	if err != nil || ok {
		t.Fatalf("second trigger should be a silent no-op, ok=%v err=%v", ok, err)
	}
	if client.count(models.EventStatusOngoing) != 1 || service.count(models.EventStatusOngoing) != 1 {
		t.Fatalf("each member should receive exactly one status-ongoing")
	}
	msg, _ := client.last.(models.StatusOngoingMessage)
	if !msg.TaskStatus {
		t.Fatalf("status-ongoing must carry taskStatus=true")
	}
	if len(sink.events) != 1 || sink.events[0].From != models.StatusPending || sink.events[0].To != models.StatusOngoing {
		t.Fatalf("unexpected status events %+v", sink.events)
	}
}

func TestAdvanceToCompletedFromPending(t *testing.T) {
	reg, client, service := newRoom(t)
	c := New(reg, Options{}, discard())
	ctx := context.Background()

	ok, err := c.AdvanceToCompleted(ctx, "r1", "")
	if err != nil || !ok {
		t.Fatalf("completion from pending should succeed, ok=%v err=%v", ok, err)
	}
	if client.count(models.EventCompleteTask) != 1 || service.count(models.EventCompleteTask) != 1 {
		t.Fatalf("both members should receive complete-task")
	}
	if msg := client.last.(models.CompleteTaskMessage); msg.Message != completedMessage {
		t.Fatalf("expected default message, got %q", msg.Message)
	}

	// terminal: nothing moves it, nothing re-broadcasts
	if ok, _ := c.AdvanceToCompleted(ctx, "r1", "again"); ok {
		t.Fatalf("repeat completion should be ignored")
	}
	if ok, _ := c.AdvanceToOngoing(ctx, "r1"); ok {
		t.Fatalf("status must never move backward")
	}
	if client.count(models.EventCompleteTask) != 1 || client.count(models.EventStatusOngoing) != 0 {
		t.Fatalf("no further broadcasts expected")
	}
	st, _ := c.Status(ctx, "r1")
	if st != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", st)
	}
}

func TestAdvanceOnEmptyRoomStillRecordsStatus(t *testing.T) {
	c := New(rooms.NewRegistry(), Options{}, discard())
	ctx := context.Background()
	if ok, err := c.AdvanceToOngoing(ctx, "nobody-home"); err != nil || !ok {
		t.Fatalf("trigger for a room with no members should still advance")
	}
	if _, err := c.AdvanceToOngoing(ctx, " "); !errors.Is(err, ErrEmptyRoom) {
		t.Fatalf("expected ErrEmptyRoom, got %v", err)
	}
}

func TestCompleteFromParticipantVerification(t *testing.T) {
	reg, client, _ := newRoom(t)
	lookup := &fakeLookup{req: &models.ServiceRequest{ID: "r1", Status: models.StatusOngoing}}
	c := New(reg, Options{Lookup: lookup, VerifyCompletion: true}, discard())
	ctx := context.Background()

	if _, err := c.CompleteFromParticipant(ctx, "r1", "done"); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
	if client.count(models.EventCompleteTask) != 0 {
		t.Fatalf("unverified completion must not broadcast")
	}

	lookup.req.Status = models.StatusCompleted
	ok, err := c.CompleteFromParticipant(ctx, "r1", "done")
	if err != nil || !ok {
		t.Fatalf("verified completion should broadcast, ok=%v err=%v", ok, err)
	}
	if msg := client.last.(models.CompleteTaskMessage); msg.Message != "done" {
		t.Fatalf("message should pass through, got %q", msg.Message)
	}

	lookup.err = errors.New("db down")
	if _, err := c.CompleteFromParticipant(ctx, "r1", "done"); err == nil {
		t.Fatalf("lookup failure should surface")
	}
}

func TestCompleteFromParticipantWithoutVerification(t *testing.T) {
	reg, client, _ := newRoom(t)
	c := New(reg, Options{}, discard())
	if ok, err := c.CompleteFromParticipant(context.Background(), "r1", "fixed"); err != nil || !ok {
		t.Fatalf("expected broadcast, ok=%v err=%v", ok, err)
	}
	if client.count(models.EventCompleteTask) != 1 {
		t.Fatalf("client should be told")
	}
}

func TestApplyTriggers(t *testing.T) {
	reg, client, _ := newRoom(t)
	c := New(reg, Options{}, discard())
	ctx := context.Background()

	if ok, _ := c.Apply(ctx, models.StatusTrigger{RequestID: "r1", Status: models.StatusAccepted}); !ok {
		t.Fatalf("accepted should advance the mirror")
	}
	if client.count(models.EventStatusOngoing)+client.count(models.EventCompleteTask) != 0 {
		t.Fatalf("accepted has no room event")
	}
	if ok, _ := c.Apply(ctx, models.StatusTrigger{RequestID: "r1", Status: models.StatusOngoing}); !ok {
		t.Fatalf("ongoing should advance")
	}
	// redelivery is absorbed
	if ok, _ := c.Apply(ctx, models.StatusTrigger{RequestID: "r1", Status: models.StatusOngoing}); ok {
		t.Fatalf("duplicate trigger should be ignored")
	}
	if _, err := c.Apply(ctx, models.StatusTrigger{RequestID: "r1", Status: "cancelled"}); err == nil {
		t.Fatalf("unknown status should error")
	}
	if client.count(models.EventStatusOngoing) != 1 {
		t.Fatalf("expected exactly one status-ongoing")
	}
}

func TestSyncSeedsWithoutBroadcast(t *testing.T) {
	reg, client, _ := newRoom(t)
	lookup := &fakeLookup{req: &models.ServiceRequest{ID: "r1", Status: models.StatusOngoing}}
	c := New(reg, Options{Lookup: lookup}, discard())
	ctx := context.Background()

	st, err := c.Sync(ctx, "r1")
	if err != nil || st != models.StatusOngoing {
		t.Fatalf("expected ongoing, got %s err=%v", st, err)
	}
	if client.count(models.EventStatusOngoing) != 0 {
		t.Fatalf("sync must not broadcast")
	}
	// the room is already ongoing, so the OTP trigger is now a no-op
	if ok, _ := c.AdvanceToOngoing(ctx, "r1"); ok {
		t.Fatalf("trigger after sync should be ignored")
	}
}

func TestMemoryStatusStoreExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStatusStore(time.Minute)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if _, ok, _ := s.Advance(ctx, "r1", models.StatusOngoing); !ok {
		t.Fatalf("expected advance")
	}
	if _, ok, _ := s.Advance(ctx, "r1", models.StatusAccepted); ok {
		t.Fatalf("backward move must be refused")
	}
	now = now.Add(2 * time.Minute)
	if n := s.Prune(); n != 1 {
		t.Fatalf("expected one pruned entry, got %d", n)
	}
	if st, _ := s.Get(ctx, "r1"); st != models.StatusPending {
		t.Fatalf("expired room reads as pending, got %s", st)
	}
}
