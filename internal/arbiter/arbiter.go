// Package arbiter owns every mutation of a request's status. Each
// transition is a conditional update in the store, so concurrent callers
// (in one process or many) cannot both pass a guard.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
	"github.com/example/mechanic-dispatch/internal/storage"
)

var (
	ErrNotFound            = errors.New("request not found")
	ErrMechanicNotFound    = errors.New("mechanic not found")
	ErrAlreadyHandled      = errors.New("request is no longer available")
	ErrMechanicUnavailable = errors.New("mechanic is currently unavailable")
	ErrNotOwner            = errors.New("access denied")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidResponse     = errors.New("response must be accepted or rejected")
)

// Message returns the text shown to the caller for an arbiter error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "Request not found"
	case errors.Is(err, ErrMechanicNotFound):
		return "Mechanic not found"
	case errors.Is(err, ErrAlreadyHandled):
		return "Request is no longer available"
	case errors.Is(err, ErrMechanicUnavailable):
		return "You are currently unavailable"
	case errors.Is(err, ErrNotOwner):
		return "Access denied"
	case errors.Is(err, ErrInvalidTransition):
		return "Request cannot move to that status from its current status"
	case errors.Is(err, ErrInvalidResponse):
		return "Response must be either accepted or rejected"
	}
	return "Internal server error"
}

type Response string

const (
	ResponseAccepted Response = "accepted"
	ResponseRejected Response = "rejected"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleMechanic Role = "mechanic"
)

// Actor is the authenticated caller of a transition.
type Actor struct {
	ID   string
	Role Role
}

// StatusBroadcaster pushes an updated request to its tracking room.
type StatusBroadcaster interface {
	BroadcastStatusChange(ctx context.Context, req models.Request) error
}

// EventPublisher records lifecycle events for downstream consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, evt models.RequestEvent) error
}

type Arbiter struct {
	requests  storage.RequestStore
	mechanics storage.MechanicStore
	bookings  storage.BookingStore
	broadcast StatusBroadcaster
	events    EventPublisher
	clock     models.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
}

type Option func(*Arbiter)

func WithEvents(p EventPublisher) Option { return func(a *Arbiter) { a.events = p } }
func WithClock(c models.Clock) Option    { return func(a *Arbiter) { a.clock = c } }
func WithLogger(l *zap.Logger) Option    { return func(a *Arbiter) { a.logger = l } }
func WithTracer(t trace.Tracer) Option   { return func(a *Arbiter) { a.tracer = t } }

func New(store storage.Store, b StatusBroadcaster, opts ...Option) *Arbiter {
	a := &Arbiter{
		requests:  store,
		mechanics: store,
		bookings:  store,
		broadcast: b,
		clock:     models.SystemClock{},
		logger:    zap.NewNop(),
		tracer:    observability.Tracer(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result of Respond. Accepted is false for a rejection, which leaves the
// stored request untouched.
type Result struct {
	Request  models.Request
	Accepted bool
}

// Respond resolves one mechanic's answer to a pending request.
func (a *Arbiter) Respond(ctx context.Context, requestID, mechanicID string, resp Response) (res Result, err error) {
	ctx, done := a.begin(ctx, "respond", requestID, mechanicID)
	defer func() { done(err) }()

	req, err := a.load(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	switch resp {
	case ResponseRejected:
		observability.ResponsesTotal.WithLabelValues("rejected").Inc()
		return Result{Request: req}, nil
	case ResponseAccepted:
	default:
		return Result{}, ErrInvalidResponse
	}

	// Cheap early exit; the conditional update below is what actually decides.
	if req.Status != models.StatusPending {
		observability.ResponsesTotal.WithLabelValues("already_handled").Inc()
		return Result{}, ErrAlreadyHandled
	}

	now := a.clock.Now()
	claimed, err := a.mechanics.ClaimAvailability(ctx, mechanicID, now)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, ErrMechanicNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("claim mechanic %s: %w", mechanicID, err)
	}
	if !claimed {
		observability.ResponsesTotal.WithLabelValues("mechanic_unavailable").Inc()
		return Result{}, ErrMechanicUnavailable
	}

	updated, err := a.requests.TransitionRequest(ctx, requestID, storage.Transition{
		From:           []models.RequestStatus{models.StatusPending},
		To:             models.StatusAccepted,
		AssignMechanic: mechanicID,
		At:             now,
	})
	if err != nil {
		a.releaseMechanic(ctx, mechanicID)
		if errors.Is(err, storage.ErrConflict) {
			observability.ResponsesTotal.WithLabelValues("already_handled").Inc()
			return Result{}, ErrAlreadyHandled
		}
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, ErrNotFound
		}
		return Result{}, fmt.Errorf("accept request %s: %w", requestID, err)
	}

	observability.ResponsesTotal.WithLabelValues("accepted").Inc()
	a.announce(ctx, updated, models.EventRequestAccepted)
	return Result{Request: updated, Accepted: true}, nil
}

// Start moves an accepted request to in-progress for its assigned mechanic.
func (a *Arbiter) Start(ctx context.Context, requestID, mechanicID string) (_ models.Request, err error) {
	ctx, done := a.begin(ctx, "start", requestID, mechanicID)
	defer func() { done(err) }()

	updated, err := a.transition(ctx, requestID, mechanicID, "", storage.Transition{
		From: []models.RequestStatus{models.StatusAccepted},
		To:   models.StatusInProgress,
	})
	if err != nil {
		return models.Request{}, err
	}
	a.announce(ctx, updated, models.EventRequestStarted)
	return updated, nil
}

type CompleteInput struct {
	RequestID  string
	MechanicID string
	ActualCost *float64
	Notes      string
}

// Complete closes a job, frees the mechanic and writes the booking record.
func (a *Arbiter) Complete(ctx context.Context, in CompleteInput) (_ models.Request, err error) {
	ctx, done := a.begin(ctx, "complete", in.RequestID, in.MechanicID)
	defer func() { done(err) }()

	updated, err := a.transition(ctx, in.RequestID, in.MechanicID, "", storage.Transition{
		From:       []models.RequestStatus{models.StatusAccepted, models.StatusInProgress},
		To:         models.StatusCompleted,
		ActualCost: in.ActualCost,
		Notes:      in.Notes,
	})
	if err != nil {
		return models.Request{}, err
	}

	now := a.clock.Now()
	if _, err := a.mechanics.RecordCompletedJob(ctx, in.MechanicID, now); err != nil {
		a.logger.Error("record completed job failed", zap.String("mechanic_id", in.MechanicID), zap.Error(err))
	}
	cost := updated.EstimatedCost
	if in.ActualCost != nil {
		cost = *in.ActualCost
	}
	booking := models.Booking{
		ID:               uuid.NewString(),
		RequestID:        updated.ID,
		UserID:           updated.UserID,
		MechanicID:       updated.MechanicID,
		IssueDescription: updated.IssueDescription,
		LocationName:     updated.LocationName,
		Status:           string(models.StatusCompleted),
		Cost:             cost,
		CompletedAt:      now,
	}
	if err := a.bookings.CreateBooking(ctx, booking); err != nil {
		a.logger.Error("create booking failed", zap.String("request_id", updated.ID), zap.Error(err))
	}

	a.announce(ctx, updated, models.EventRequestCompleted)
	return updated, nil
}

// Cancel lets the requesting user cancel a pending or accepted request, or
// the assigned mechanic drop an accepted or in-progress one. An assigned
// mechanic becomes available again.
func (a *Arbiter) Cancel(ctx context.Context, requestID string, actor Actor) (_ models.Request, err error) {
	ctx, done := a.begin(ctx, "cancel", requestID, actor.ID)
	defer func() { done(err) }()

	var t storage.Transition
	var owner, user string
	switch actor.Role {
	case RoleUser:
		user = actor.ID
		t = storage.Transition{From: []models.RequestStatus{models.StatusPending, models.StatusAccepted}, To: models.StatusCancelled}
	case RoleMechanic:
		owner = actor.ID
		t = storage.Transition{From: []models.RequestStatus{models.StatusAccepted, models.StatusInProgress}, To: models.StatusCancelled}
	default:
		return models.Request{}, ErrNotOwner
	}

	updated, err := a.transition(ctx, requestID, owner, user, t)
	if err != nil {
		return models.Request{}, err
	}
	if updated.MechanicID != "" {
		a.releaseMechanic(ctx, updated.MechanicID)
	}
	a.announce(ctx, updated, models.EventRequestCancelled)
	return updated, nil
}

// UpdateStatus routes a mechanic's status change to the matching transition.
func (a *Arbiter) UpdateStatus(ctx context.Context, requestID, mechanicID string, status models.RequestStatus, notes string, actualCost *float64) (models.Request, error) {
	switch status {
	case models.StatusInProgress:
		return a.Start(ctx, requestID, mechanicID)
	case models.StatusCompleted:
		return a.Complete(ctx, CompleteInput{RequestID: requestID, MechanicID: mechanicID, ActualCost: actualCost, Notes: notes})
	case models.StatusCancelled:
		return a.Cancel(ctx, requestID, Actor{ID: mechanicID, Role: RoleMechanic})
	}
	return models.Request{}, ErrInvalidTransition
}

// transition pre-checks ownership for a precise error, then applies t with
// the same guards inside the store.
func (a *Arbiter) transition(ctx context.Context, requestID, owner, user string, t storage.Transition) (models.Request, error) {
	req, err := a.load(ctx, requestID)
	if err != nil {
		return models.Request{}, err
	}
	if err := checkGuards(req, owner, user, t.From); err != nil {
		return models.Request{}, err
	}

	t.Owner = owner
	t.UserID = user
	t.At = a.clock.Now()
	updated, err := a.requests.TransitionRequest(ctx, requestID, t)
	if errors.Is(err, storage.ErrConflict) {
		// lost a race; explain using what the store holds now
		if gerr := checkGuards(updated, owner, user, t.From); gerr != nil {
			return models.Request{}, gerr
		}
		return models.Request{}, ErrInvalidTransition
	}
	if errors.Is(err, storage.ErrNotFound) {
		return models.Request{}, ErrNotFound
	}
	if err != nil {
		return models.Request{}, fmt.Errorf("transition %s to %s: %w", requestID, t.To, err)
	}
	return updated, nil
}

func checkGuards(req models.Request, owner, user string, from []models.RequestStatus) error {
	if owner != "" && req.MechanicID != owner {
		return ErrNotOwner
	}
	if user != "" && req.UserID != user {
		return ErrNotOwner
	}
	for _, s := range from {
		if req.Status == s {
			return nil
		}
	}
	return ErrInvalidTransition
}

func (a *Arbiter) load(ctx context.Context, requestID string) (models.Request, error) {
	req, err := a.requests.GetRequest(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Request{}, ErrNotFound
	}
	if err != nil {
		return models.Request{}, fmt.Errorf("load request %s: %w", requestID, err)
	}
	return req, nil
}

func (a *Arbiter) releaseMechanic(ctx context.Context, mechanicID string) {
	if _, err := a.mechanics.SetAvailability(ctx, mechanicID, true, a.clock.Now()); err != nil {
		a.logger.Error("release mechanic failed", zap.String("mechanic_id", mechanicID), zap.Error(err))
	}
}

// announce is best effort: the transition has already been persisted.
func (a *Arbiter) announce(ctx context.Context, req models.Request, eventType string) {
	if a.broadcast != nil {
		if err := a.broadcast.BroadcastStatusChange(ctx, req); err != nil {
			a.logger.Warn("status broadcast failed", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	if a.events != nil {
		evt := models.RequestEvent{
			Type:       eventType,
			RequestID:  req.ID,
			MechanicID: req.MechanicID,
			UserID:     req.UserID,
			Status:     req.Status,
			OccurredAt: a.clock.Now(),
		}
		if err := a.events.PublishEvent(ctx, evt); err != nil {
			a.logger.Warn("lifecycle event publish failed", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	a.logger.Info("request transitioned",
		zap.String("request_id", req.ID),
		zap.String("status", string(req.Status)),
		zap.String("mechanic_id", req.MechanicID))
}

func (a *Arbiter) begin(ctx context.Context, op, requestID, actorID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "arbiter."+op, trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("actor.id", actorID),
	))
	return ctx, func(err error) {
		observability.ArbiterLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
