package models

import (
	"encoding/json"
	"time"
)

// RequestStatus is the persisted lifecycle state of a service request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAccepted   RequestStatus = "accepted"
	StatusRejected   RequestStatus = "rejected"
	StatusInProgress RequestStatus = "in-progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
)

// rejected is a per-mechanic view and never appears as a target here.
var allowedTransitions = map[RequestStatus][]RequestStatus{
	StatusPending:    {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether next is a forward transition from s.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityEmergency:
		return true
	}
	return false
}

type Coord struct {
	Lat float64 `json:"latitude" bson:"latitude"`
	Lon float64 `json:"longitude" bson:"longitude"`
}

// Request is a user's call for a mechanic at a fixed service site.
type Request struct {
	ID               string        `json:"id" bson:"_id"`
	UserID           string        `json:"user" bson:"user"`
	MechanicID       string        `json:"mechanic,omitempty" bson:"mechanic,omitempty"`
	IssueDescription string        `json:"issueDescription" bson:"issueDescription"`
	Location         Coord         `json:"location" bson:"location"`
	LocationName     string        `json:"locationName,omitempty" bson:"locationName,omitempty"`
	Status           RequestStatus `json:"status" bson:"status"`
	Priority         Priority      `json:"priority" bson:"priority"`
	EstimatedCost    float64       `json:"estimatedCost,omitempty" bson:"estimatedCost,omitempty"`
	ActualCost       float64       `json:"actualCost,omitempty" bson:"actualCost,omitempty"`
	Notes            string        `json:"notes,omitempty" bson:"notes,omitempty"`
	CreatedAt        time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt" bson:"updatedAt"`
	AcceptedAt       *time.Time    `json:"acceptedAt,omitempty" bson:"acceptedAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	CancelledAt      *time.Time    `json:"cancelledAt,omitempty" bson:"cancelledAt,omitempty"`
}

type Mechanic struct {
	ID              string    `json:"id" bson:"_id"`
	Name            string    `json:"name" bson:"name"`
	Specialization  []string  `json:"specialization,omitempty" bson:"specialization,omitempty"`
	IsAvailable     bool      `json:"isAvailable" bson:"isAvailable"`
	IsActive        bool      `json:"isActive" bson:"isActive"`
	CurrentLocation *Coord    `json:"currentLocation,omitempty" bson:"currentLocation,omitempty"`
	Rating          float64   `json:"rating" bson:"rating"`
	CompletedJobs   int       `json:"completedJobs" bson:"completedJobs"`
	UpdatedAt       time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Booking is the history record written when a request completes.
type Booking struct {
	ID               string    `json:"id" bson:"_id"`
	RequestID        string    `json:"request" bson:"request"`
	UserID           string    `json:"user" bson:"user"`
	MechanicID       string    `json:"mechanic" bson:"mechanic"`
	IssueDescription string    `json:"issueDescription" bson:"issueDescription"`
	LocationName     string    `json:"locationName,omitempty" bson:"locationName,omitempty"`
	Status           string    `json:"status" bson:"status"`
	Cost             float64   `json:"cost" bson:"cost"`
	CompletedAt      time.Time `json:"completedAt" bson:"completedAt"`
}

// Location is a validated position. Accuracy is kept as the raw JSON value
// the device sent; nil encodes as null.
type Location struct {
	Lat      float64         `json:"latitude"`
	Lon      float64         `json:"longitude"`
	Accuracy json.RawMessage `json:"accuracy"`
}

// AccuracyMeters decodes Accuracy when it is a JSON number.
func (l Location) AccuracyMeters() (float64, bool) {
	if len(l.Accuracy) == 0 {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(l.Accuracy, &v); err != nil {
		return 0, false
	}
	return v, true
}

func (l Location) Coord() Coord { return Coord{Lat: l.Lat, Lon: l.Lon} }

// LocationUpdate is the payload of location-update and mechanic-location-update.
type LocationUpdate struct {
	MechanicID string   `json:"mechanicId"`
	Location   Location `json:"location"`
	Timestamp  int64    `json:"timestamp"`
}

// LocationSample is what the ingest topic carries for a mechanic position.
type LocationSample struct {
	MechanicID string    `json:"mechanicId"`
	RequestID  string    `json:"requestId,omitempty"`
	Location   Coord     `json:"location"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

type AvailabilityChange struct {
	MechanicID  string `json:"mechanicId"`
	IsAvailable bool   `json:"isAvailable"`
	Timestamp   int64  `json:"timestamp"`
}

// ErrorPayload is sent only to the connection that caused it.
type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// RequestEvent is a lifecycle record emitted after each guarded transition.
type RequestEvent struct {
	Type       string        `json:"type"`
	RequestID  string        `json:"requestId"`
	MechanicID string        `json:"mechanicId,omitempty"`
	UserID     string        `json:"userId,omitempty"`
	Status     RequestStatus `json:"status"`
	OccurredAt time.Time     `json:"occurredAt"`
}

const (
	EventRequestCreated   = "request.created"
	EventRequestAccepted  = "request.accepted"
	EventRequestStarted   = "request.started"
	EventRequestCompleted = "request.completed"
	EventRequestCancelled = "request.cancelled"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// UnixMillis is the timestamp unit used on the realtime channel.
func UnixMillis(t time.Time) int64 { return t.UnixMilli() }
