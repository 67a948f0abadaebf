package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/storage"
)

var site = models.Coord{Lat: 40.7128, Lon: -74.006}

func seed(t *testing.T, store *storage.MemoryStore, idx *geo.Index, m models.Mechanic, at models.Coord) {
	t.Helper()
	m.CurrentLocation = &at
	require.NoError(t, store.UpsertMechanic(context.Background(), m))
	if idx != nil {
		require.NoError(t, idx.Upsert(context.Background(), m.ID, at))
	}
}

func fixture(t *testing.T, idx *geo.Index) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	near := models.Coord{Lat: 40.7200, Lon: -74.000}
	seed(t, store, idx, models.Mechanic{ID: "A", IsAvailable: true, IsActive: true, Rating: 4.0, Specialization: []string{"engine"}}, near)
	seed(t, store, idx, models.Mechanic{ID: "B", IsAvailable: true, IsActive: true, Rating: 5.0, Specialization: []string{"tyres"}}, near)
	seed(t, store, idx, models.Mechanic{ID: "C", IsAvailable: true, IsActive: true, Rating: 4.9}, models.Coord{Lat: 40.75, Lon: -73.98})
	seed(t, store, idx, models.Mechanic{ID: "busy", IsAvailable: false, IsActive: true, Rating: 5.0}, site)
	seed(t, store, idx, models.Mechanic{ID: "far", IsAvailable: true, IsActive: true, Rating: 5.0}, models.Coord{Lat: 41.5, Lon: -74.0})
	return store
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Mechanic.ID
	}
	return out
}

func TestNearbyOrdersByDistanceThenRating(t *testing.T) {
	for _, withIndex := range []bool{true, false} {
		var idx *geo.Index
		if withIndex {
			idx = geo.NewIndex()
		}
		store := fixture(t, idx)
		s := &Service{Mechanics: store}
		if withIndex {
			s.Geo = idx
		}

		got, err := s.Nearby(context.Background(), Query{Site: site})
		require.NoError(t, err)
		require.Equal(t, []string{"B", "A", "C"}, ids(got), "index=%v", withIndex)
		require.Greater(t, got[0].DistanceKm, 0.0)
		require.Greater(t, got[2].ETAMinutes, got[0].ETAMinutes)
	}
}

func TestNearbyFilters(t *testing.T) {
	idx := geo.NewIndex()
	s := &Service{Geo: idx, Mechanics: fixture(t, idx)}

	got, err := s.Nearby(context.Background(), Query{Site: site, Specialization: "engine"})
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, ids(got))

	got, err = s.Nearby(context.Background(), Query{Site: site, MinRating: 4.5, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, ids(got))

	got, err = s.Nearby(context.Background(), Query{Site: site, RadiusKm: 200})
	require.NoError(t, err)
	require.Contains(t, ids(got), "far")
	require.NotContains(t, ids(got), "busy")
}

func TestNearbyRejectsBadSite(t *testing.T) {
	s := &Service{Mechanics: storage.NewMemoryStore()}
	_, err := s.Nearby(context.Background(), Query{Site: models.Coord{Lat: 91}})
	require.ErrorIs(t, err, geo.ErrLatitudeRange)
}

func TestNearbyUsesServiceRadiusWhenQueryOmitsIt(t *testing.T) {
	idx := geo.NewIndex()
	s := &Service{Geo: idx, Mechanics: fixture(t, idx), RadiusKm: 100}

	got, err := s.Nearby(context.Background(), Query{Site: site})
	require.NoError(t, err)
	require.Contains(t, ids(got), "far")

	got, err = s.Nearby(context.Background(), Query{Site: site, RadiusKm: 5})
	require.NoError(t, err)
	require.NotContains(t, ids(got), "far")
}
