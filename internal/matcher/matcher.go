// Package matcher ranks available mechanics around a service site.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/eta"
	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
	"github.com/example/mechanic-dispatch/internal/storage"
)

const (
	DefaultRadiusKm = 10.0
	DefaultLimit    = 20
)

type Mechanics interface {
	GetMechanic(ctx context.Context, id string) (models.Mechanic, error)
	ListMechanics(ctx context.Context, f storage.MechanicFilter) ([]models.Mechanic, error)
}

type Query struct {
	Site           models.Coord
	RadiusKm       float64
	Limit          int
	Specialization string
	MinRating      float64
}

type Candidate struct {
	Mechanic   models.Mechanic `json:"mechanic"`
	DistanceKm float64         `json:"distanceKm"`
	ETAMinutes int             `json:"etaMinutes"`
}

// Service finds candidates through the position index when one is set,
// and otherwise scans the store's last known locations.
type Service struct {
	Geo       geo.Geo
	Mechanics Mechanics
	ETA       eta.Estimator
	Logger    *zap.Logger

	// RadiusKm applies when a query leaves the radius unset; zero means DefaultRadiusKm.
	RadiusKm float64
}

func (s *Service) Nearby(ctx context.Context, q Query) ([]Candidate, error) {
	if err := geo.ValidateCoord(q.Site.Lat, q.Site.Lon); err != nil {
		return nil, err
	}
	if q.RadiusKm <= 0 {
		q.RadiusKm = s.RadiusKm
	}
	if q.RadiusKm <= 0 {
		q.RadiusKm = DefaultRadiusKm
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	var (
		cands []Candidate
		err   error
	)
	if s.Geo != nil {
		cands, err = s.fromIndex(ctx, q)
	} else {
		cands, err = s.fromStore(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	// nearest first; better rating breaks ties
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].Mechanic.Rating > cands[j].Mechanic.Rating
	})
	if len(cands) > q.Limit {
		cands = cands[:q.Limit]
	}
	for i := range cands {
		cands[i].ETAMinutes = s.etaMinutes(ctx, *cands[i].Mechanic.CurrentLocation, q.Site)
	}
	observability.MechanicsAvailable.Set(float64(len(cands)))
	return cands, nil
}

func (s *Service) fromIndex(ctx context.Context, q Query) ([]Candidate, error) {
	// over-fetch: some hits are filtered out below
	hits, err := s.Geo.Nearby(ctx, q.Site.Lat, q.Site.Lon, q.RadiusKm, q.Limit*3)
	if err != nil {
		return nil, fmt.Errorf("nearby lookup: %w", err)
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		m, err := s.Mechanics.GetMechanic(ctx, h.MechanicID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !eligible(m, q) {
			continue
		}
		c := h.Coord
		m.CurrentLocation = &c
		out = append(out, Candidate{Mechanic: m, DistanceKm: h.DistanceKm})
	}
	return out, nil
}

func (s *Service) fromStore(ctx context.Context, q Query) ([]Candidate, error) {
	list, err := s.Mechanics.ListMechanics(ctx, storage.MechanicFilter{
		AvailableOnly:  true,
		Specialization: q.Specialization,
		MinRating:      q.MinRating,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(list))
	for _, m := range list {
		if m.CurrentLocation == nil || !eligible(m, q) {
			continue
		}
		d := geo.DistanceKm(q.Site.Lat, q.Site.Lon, m.CurrentLocation.Lat, m.CurrentLocation.Lon)
		if d > q.RadiusKm {
			continue
		}
		out = append(out, Candidate{Mechanic: m, DistanceKm: d})
	}
	return out, nil
}

func eligible(m models.Mechanic, q Query) bool {
	if !m.IsAvailable || !m.IsActive || m.Rating < q.MinRating {
		return false
	}
	if q.Specialization == "" {
		return true
	}
	for _, s := range m.Specialization {
		if s == q.Specialization {
			return true
		}
	}
	return false
}

func (s *Service) etaMinutes(ctx context.Context, from, to models.Coord) int {
	est := s.ETA
	if est == nil {
		est = eta.SpeedEstimator{}
	}
	secs, err := est.EstimateSeconds(ctx, from, to)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Debug("eta lookup failed", zap.Error(err))
		}
		secs, _ = eta.SpeedEstimator{}.EstimateSeconds(ctx, from, to)
	}
	return eta.Minutes(secs)
}
