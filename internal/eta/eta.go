package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/roadside-relay/internal/geo"
	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/observability"
)

// DefaultSpeedMps is roughly 28.8 km/h, a city driving speed.
const DefaultSpeedMps = 8.0

// Router returns a road travel time between two points.
type Router interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// coords are rounded to ~10m so a mechanic creeping forward still hits the cache
func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f->%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// EstimateSeconds is the naive ETA: straight-line distance / speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Estimate is one ETA answer and where it came from.
type Estimate struct {
	Seconds float64 `json:"seconds"`
	Source  string  `json:"source"` // osrm, cache or naive
}

// Estimator asks the router when one is configured, caches its answers and
// falls back to the naive estimate when routing fails.
type Estimator struct {
	router   Router
	cache    *Cache
	speedMps float64
	logger   *slog.Logger
}

// NewEstimator builds an estimator. router and cache may be nil.
func NewEstimator(router Router, cache *Cache, speedMps float64, logger *slog.Logger) *Estimator {
	return &Estimator{router: router, cache: cache, speedMps: speedMps, logger: logger}
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) Estimate {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return Estimate{Seconds: v, Source: "cache"}
		}
	}
	if e.router != nil {
		v, err := e.router.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.cache != nil {
				e.cache.Set(from, to, v)
			}
			return Estimate{Seconds: v, Source: "osrm"}
		}
		observability.SideChannelErrors.WithLabelValues("osrm").Inc()
		if e.logger != nil {
			e.logger.Warn("osrm lookup failed, using naive eta", "error", err)
		}
	}
	return Estimate{Seconds: EstimateSeconds(from, to, e.speedMps), Source: "naive"}
}
