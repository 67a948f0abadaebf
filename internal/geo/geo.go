package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/mechanic-dispatch/internal/models"
)

// Geo indexes the last known position of each mechanic.
type Geo interface {
	Upsert(ctx context.Context, mechanicID string, c models.Coord) error
	Remove(ctx context.Context, mechanicID string) error
	Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Hit, error)
}

// Hit is one mechanic found by a radius query.
type Hit struct {
	MechanicID string
	Coord      models.Coord
	DistanceKm float64
}

type Index struct {
	mu        sync.RWMutex
	positions map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, mechanicID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[mechanicID] = c
	return nil
}

func (g *Index) Remove(_ context.Context, mechanicID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, mechanicID)
	return nil
}

// naive scan; fine for a single city worth of mechanics
func (g *Index) Nearby(_ context.Context, lat, lon, radiusKm float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Hit, 0, len(g.positions))
	for id, c := range g.positions {
		dist := DistanceKm(lat, lon, c.Lat, c.Lon)
		if radiusKm > 0 && dist > radiusKm {
			continue
		}
		arr = append(arr, Hit{MechanicID: id, Coord: c, DistanceKm: dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	return Haversine(lat1, lon1, lat2, lon2) / 1000
}
