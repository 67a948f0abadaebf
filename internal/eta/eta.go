// Package eta estimates how long a mechanic needs to reach a service site.
package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
)

// DefaultSpeedKMH is the assumed average city driving speed.
const DefaultSpeedKMH = 30.0

// Estimator returns the travel time in seconds between two points.
type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// SpeedEstimator divides great-circle distance by a fixed average speed.
type SpeedEstimator struct {
	KMH float64
}

func (s SpeedEstimator) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	kmh := s.KMH
	if kmh <= 0 {
		kmh = DefaultSpeedKMH
	}
	km := geo.DistanceKm(from.Lat, from.Lon, to.Lat, to.Lon)
	return km / kmh * 3600, nil
}

// Minutes rounds a duration in seconds to whole minutes.
func Minutes(seconds float64) int {
	return int(math.Round(seconds / 60))
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

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// keys are rounded to ~11 m so a jittery GPS fix still hits
func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f->%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

// Get returns cached value and true if present and not expired.
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

// Chain consults the cache, then Primary, and falls back to Fallback when
// Primary fails or is unset.
type Chain struct {
	Primary  Estimator
	Fallback Estimator
	Cache    *Cache
}

func (c *Chain) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if c.Primary != nil {
		if v, err := c.Primary.EstimateSeconds(ctx, from, to); err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	fb := c.Fallback
	if fb == nil {
		fb = SpeedEstimator{}
	}
	return fb.EstimateSeconds(ctx, from, to)
}
