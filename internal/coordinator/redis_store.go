package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-relay/internal/models"
)

// advanceScript sets KEYS[1] to ARGV[1] only when it ranks above the stored
// value. Returns {previous, 1|0}.
var advanceScript = redis.NewScript(`
local rank = {pending=1, accepted=2, ongoing=3, completed=4}
local cur = redis.call('GET', KEYS[1])
local curRank = 0
if cur then
  curRank = rank[cur] or 0
else
  cur = ''
end
local target = rank[ARGV[1]] or 0
if target > curRank then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return {cur, 1}
end
return {cur, 0}
`)

// RedisStatusStore keeps the status mirror in Redis so it survives a relay
// restart for ttl.
type RedisStatusStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStatusStore(client redis.UniversalClient, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStatusStore{client: client, prefix: "relay:status:", ttl: ttl}
}

func (r *RedisStatusStore) key(room string) string { return r.prefix + room }

func (r *RedisStatusStore) Get(ctx context.Context, room string) (models.Status, error) {
	v, err := r.client.Get(ctx, r.key(room)).Result()
	if err == redis.Nil {
		return models.StatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("get status %s: %w", room, err)
	}
	s := models.Status(v)
	if !s.Valid() {
		return models.StatusPending, nil
	}
	return s, nil
}

func (r *RedisStatusStore) Advance(ctx context.Context, room string, target models.Status) (models.Status, bool, error) {
	res, err := advanceScript.Run(ctx, r.client, []string{r.key(room)}, string(target), r.ttl.Milliseconds()).Slice()
	if err != nil {
		return "", false, fmt.Errorf("advance status %s: %w", room, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("advance status %s: unexpected reply %v", room, res)
	}
	prev := models.StatusPending
	if s, ok := res[0].(string); ok && models.Status(s).Valid() {
		prev = models.Status(s)
	}
	advanced, _ := res[1].(int64)
	return prev, advanced == 1, nil
}
