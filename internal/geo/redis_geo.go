package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-relay/internal/models"
)

// Position is the latest known point of one participant.
type Position struct {
	Room      string       `json:"room"`
	Role      models.Role  `json:"role"`
	Loc       models.Coord `json:"loc"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RedisPositions keeps the latest position of each participant as a member of
// a Redis GEO set. A metadata hash per member carries the update time and
// expires after ttl; members whose hash is gone are stale and are removed by
// Prune, or lazily by Get.
type RedisPositions struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisPositions(client *redis.Client, key string, ttl time.Duration) *RedisPositions {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisPositions{client: client, key: key, ttl: ttl}
}

func metaKey(member string) string { return "relay:position:" + member }

// Record stores ev as the participant's current position.
func (r *RedisPositions) Record(ctx context.Context, ev models.LocationEvent) error {
	member := Member(ev.Room, ev.Role)
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: ev.Loc.Lon, Latitude: ev.Loc.Lat, Name: member})
	pipe.HSet(ctx, metaKey(member), "updated", ev.At.UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, metaKey(member), r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the last recorded position for (room, role). A position whose
// metadata has expired is dropped from the set and reported as missing.
func (r *RedisPositions) Get(ctx context.Context, room string, role models.Role) (Position, bool, error) {
	member := Member(room, role)
	updated, err := r.client.HGet(ctx, metaKey(member), "updated").Result()
	if err == redis.Nil {
		return Position{}, false, r.client.ZRem(ctx, r.key, member).Err()
	}
	if err != nil {
		return Position{}, false, err
	}
	pos, err := r.client.GeoPos(ctx, r.key, member).Result()
	if err != nil {
		return Position{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return Position{}, false, nil
	}
	p := Position{Room: room, Role: role, Loc: models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		p.UpdatedAt = t
	}
	return p, true, nil
}

// Room returns the live positions of both roles in room, client first.
func (r *RedisPositions) Room(ctx context.Context, room string) ([]Position, error) {
	var out []Position
	for _, role := range []models.Role{models.RoleClient, models.RoleService} {
		p, ok, err := r.Get(ctx, room, role)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Prune removes set members whose metadata hash has expired and returns how
// many were removed.
func (r *RedisPositions) Prune(ctx context.Context) (int, error) {
	members, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}
	pipe := r.client.Pipeline()
	exists := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		exists[i] = pipe.Exists(ctx, metaKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var stale []interface{}
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, members[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := r.client.ZRem(ctx, r.key, stale...).Result()
	return int(n), err
}

func (r *RedisPositions) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
