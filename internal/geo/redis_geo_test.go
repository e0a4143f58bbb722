package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-relay/internal/models"
)

const testSet = "relay_positions"

func newTestPositions(t *testing.T, ttl time.Duration) (*RedisPositions, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisPositions(client, testSet, ttl), mr, client
}

func near(a, b models.Coord) bool {
	// GEO members are stored as geohashes, so coordinates come back rounded
	return math.Abs(a.Lat-b.Lat) < 1e-5 && math.Abs(a.Lon-b.Lon) < 1e-5
}

func TestRecordThenGet(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPositions(t, time.Hour)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := models.LocationEvent{Room: "r1", Role: models.RoleService, Loc: models.Coord{Lat: 12.9716, Lon: 77.5946}, At: at}
	if err := p.Record(ctx, ev); err != nil {
		t.Fatal(err)
	}
	// a newer point replaces the old one
	ev.Loc = models.Coord{Lat: 12.9720, Lon: 77.5950}
	if err := p.Record(ctx, ev); err != nil {
		t.Fatal(err)
	}

	got, ok, err := p.Get(ctx, "r1", models.RoleService)
	if err != nil || !ok {
		t.Fatalf("expected a position, got %v %v", ok, err)
	}
	if !near(got.Loc, ev.Loc) || !got.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected position %+v", got)
	}
	if _, ok, _ := p.Get(ctx, "r1", models.RoleClient); ok {
		t.Fatalf("client never reported")
	}

	all, err := p.Room(ctx, "r1")
	if err != nil || len(all) != 1 || all[0].Role != models.RoleService {
		t.Fatalf("unexpected room positions %+v %v", all, err)
	}
}

func TestExpiredPositionsLeaveTheSet(t *testing.T) {
	ctx := context.Background()
	p, mr, client := newTestPositions(t, time.Minute)
	for _, role := range []models.Role{models.RoleClient, models.RoleService} {
		ev := models.LocationEvent{Room: "r1", Role: role, Loc: models.Coord{Lat: 1, Lon: 2}, At: time.Now()}
		if err := p.Record(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Record(ctx, models.LocationEvent{Room: "r2", Role: models.RoleClient, Loc: models.Coord{Lat: 3, Lon: 4}, At: time.Now()}); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)
	// r2 reports again after the gap and must survive the prune
	if err := p.Record(ctx, models.LocationEvent{Room: "r2", Role: models.RoleClient, Loc: models.Coord{Lat: 3, Lon: 4}, At: time.Now()}); err != nil {
		t.Fatal(err)
	}

	n, err := p.Prune(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 stale members removed, got %d %v", n, err)
	}
	if size := client.ZCard(ctx, testSet).Val(); size != 1 {
		t.Fatalf("expected one live member, got %d", size)
	}
	if _, ok, _ := p.Get(ctx, "r2", models.RoleClient); !ok {
		t.Fatalf("fresh position must survive")
	}
}

func TestGetDropsStaleMember(t *testing.T) {
	ctx := context.Background()
	p, mr, client := newTestPositions(t, time.Minute)
	if err := p.Record(ctx, models.LocationEvent{Room: "r1", Role: models.RoleClient, Loc: models.Coord{Lat: 1, Lon: 2}, At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	if _, ok, err := p.Get(ctx, "r1", models.RoleClient); ok || err != nil {
		t.Fatalf("expired position must read as missing, got %v %v", ok, err)
	}
	if size := client.ZCard(ctx, testSet).Val(); size != 0 {
		t.Fatalf("stale member should be removed on read, set has %d", size)
	}
}
