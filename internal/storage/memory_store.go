package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/mechanic-dispatch/internal/models"
)

// MemoryStore keeps everything in maps under one mutex, so every
// conditional update is trivially atomic within the process.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]models.Request
	mechanics map[string]models.Mechanic
	bookings  []models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]models.Request),
		mechanics: make(map[string]models.Mechanic),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[r.ID]; exists {
		return fmt.Errorf("request %s: %w", r.ID, ErrConflict)
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListRequests(_ context.Context, f RequestFilter) ([]models.Request, error) {
	m.mu.RLock()
	out := make([]models.Request, 0)
	for _, r := range m.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.MechanicID != "" && r.MechanicID != f.MechanicID {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionRequest(_ context.Context, id string, t Transition) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	if !statusIn(r.Status, t.From) {
		return r, ErrConflict
	}
	if t.Owner != "" && r.MechanicID != t.Owner {
		return r, ErrConflict
	}
	if t.UserID != "" && r.UserID != t.UserID {
		return r, ErrConflict
	}
	applyTransition(&r, t)
	m.requests[id] = r
	return r, nil
}

// applyTransition writes the fields a transition owns.
func applyTransition(r *models.Request, t Transition) {
	at := t.At
	r.Status = t.To
	r.UpdatedAt = at
	switch t.To {
	case models.StatusAccepted:
		r.MechanicID = t.AssignMechanic
		r.AcceptedAt = &at
	case models.StatusCompleted:
		r.CompletedAt = &at
	case models.StatusCancelled:
		r.CancelledAt = &at
	}
	if t.ActualCost != nil {
		r.ActualCost = *t.ActualCost
	}
	if t.Notes != "" {
		r.Notes = t.Notes
	}
}

func (m *MemoryStore) UpsertMechanic(_ context.Context, mech models.Mechanic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mechanics[mech.ID] = mech
	return nil
}

func (m *MemoryStore) GetMechanic(_ context.Context, id string) (models.Mechanic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mech, ok := m.mechanics[id]
	if !ok {
		return models.Mechanic{}, ErrNotFound
	}
	return mech, nil
}

func (m *MemoryStore) ListMechanics(_ context.Context, f MechanicFilter) ([]models.Mechanic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Mechanic, 0, len(m.mechanics))
	for _, mech := range m.mechanics {
		if f.AvailableOnly && (!mech.IsAvailable || !mech.IsActive) {
			continue
		}
		if f.Specialization != "" && !hasSpecialization(mech, f.Specialization) {
			continue
		}
		if mech.Rating < f.MinRating {
			continue
		}
		out = append(out, mech)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ClaimAvailability(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mech, ok := m.mechanics[id]
	if !ok {
		return false, ErrNotFound
	}
	if !mech.IsAvailable {
		return false, nil
	}
	mech.IsAvailable = false
	mech.UpdatedAt = at
	m.mechanics[id] = mech
	return true, nil
}

func (m *MemoryStore) SetAvailability(_ context.Context, id string, available bool, at time.Time) (models.Mechanic, error) {
	return m.updateMechanic(id, func(mech *models.Mechanic) {
		mech.IsAvailable = available
		mech.UpdatedAt = at
	})
}

func (m *MemoryStore) ToggleAvailability(_ context.Context, id string, at time.Time) (models.Mechanic, error) {
	return m.updateMechanic(id, func(mech *models.Mechanic) {
		mech.IsAvailable = !mech.IsAvailable
		mech.UpdatedAt = at
	})
}

func (m *MemoryStore) RecordCompletedJob(_ context.Context, id string, at time.Time) (models.Mechanic, error) {
	return m.updateMechanic(id, func(mech *models.Mechanic) {
		mech.CompletedJobs++
		mech.IsAvailable = true
		mech.UpdatedAt = at
	})
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id string, c models.Coord, at time.Time) (models.Mechanic, error) {
	return m.updateMechanic(id, func(mech *models.Mechanic) {
		loc := c
		mech.CurrentLocation = &loc
		mech.UpdatedAt = at
	})
}

func (m *MemoryStore) updateMechanic(id string, fn func(*models.Mechanic)) (models.Mechanic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mech, ok := m.mechanics[id]
	if !ok {
		return models.Mechanic{}, ErrNotFound
	}
	fn(&mech)
	m.mechanics[id] = mech
	return mech, nil
}

func (m *MemoryStore) CreateBooking(_ context.Context, b models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings = append(m.bookings, b)
	return nil
}

func (m *MemoryStore) ListBookings(_ context.Context, f BookingFilter) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Booking, 0)
	for i := len(m.bookings) - 1; i >= 0; i-- {
		b := m.bookings[i]
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if f.MechanicID != "" && b.MechanicID != f.MechanicID {
			continue
		}
		out = append(out, b)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
