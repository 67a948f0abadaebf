package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/mechanic-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the record exists but did not match the guard of a
	// conditional update.
	ErrConflict = errors.New("conditional update did not match")
)

// Transition is a guarded status change applied atomically by the store:
// it matches only when the stored status is one of From and, when Owner or
// UserID is set, the stored mechanic or user equals it.
type Transition struct {
	From   []models.RequestStatus
	To     models.RequestStatus
	Owner  string
	UserID string

	// AssignMechanic is written together with the status; only used for
	// pending -> accepted.
	AssignMechanic string
	At             time.Time
	ActualCost     *float64
	Notes          string
}

type RequestFilter struct {
	Status     models.RequestStatus
	UserID     string
	MechanicID string
	Limit      int
}

type MechanicFilter struct {
	AvailableOnly  bool
	Specialization string
	MinRating      float64
}

type BookingFilter struct {
	UserID     string
	MechanicID string
	Limit      int
}

type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (models.Request, error)
	// ListRequests returns newest first.
	ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error)
	TransitionRequest(ctx context.Context, id string, t Transition) (models.Request, error)
}

type MechanicStore interface {
	UpsertMechanic(ctx context.Context, m models.Mechanic) error
	GetMechanic(ctx context.Context, id string) (models.Mechanic, error)
	ListMechanics(ctx context.Context, f MechanicFilter) ([]models.Mechanic, error)
	// ClaimAvailability flips isAvailable from true to false and reports
	// whether this caller performed the flip.
	ClaimAvailability(ctx context.Context, id string, at time.Time) (bool, error)
	SetAvailability(ctx context.Context, id string, available bool, at time.Time) (models.Mechanic, error)
	ToggleAvailability(ctx context.Context, id string, at time.Time) (models.Mechanic, error)
	// RecordCompletedJob increments completedJobs and makes the mechanic available.
	RecordCompletedJob(ctx context.Context, id string, at time.Time) (models.Mechanic, error)
	UpdateLocation(ctx context.Context, id string, c models.Coord, at time.Time) (models.Mechanic, error)
}

type BookingStore interface {
	CreateBooking(ctx context.Context, b models.Booking) error
	ListBookings(ctx context.Context, f BookingFilter) ([]models.Booking, error)
}

// Store is everything the dispatch service persists.
type Store interface {
	RequestStore
	MechanicStore
	BookingStore
	Ping(ctx context.Context) error
	Close() error
}

func statusIn(s models.RequestStatus, set []models.RequestStatus) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}

func hasSpecialization(m models.Mechanic, spec string) bool {
	for _, s := range m.Specialization {
		if s == spec {
			return true
		}
	}
	return false
}
