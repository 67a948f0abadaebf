// Package relay forwards live mechanic positions to the users tracking a
// request and to the rest of the mechanic pool.
package relay

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
)

// ErrMechanicMismatch is returned when an authenticated mechanic reports a
// position under someone else's id.
var ErrMechanicMismatch = errors.New("mechanic id does not match the authenticated mechanic")

// FailureMessage is what the origin sees when forwarding fails after validation.
const FailureMessage = "Failed to process location update"

type Broadcaster interface {
	BroadcastLocation(ctx context.Context, requestID string, update models.LocationUpdate, except string) error
}

// Sink receives every forwarded sample for persistence downstream.
type Sink interface {
	PublishLocation(ctx context.Context, sample models.LocationSample) error
}

type Service struct {
	broadcaster Broadcaster
	sink        Sink
	clock       models.Clock
	logger      *zap.Logger
	tracer      trace.Tracer
}

type Option func(*Service)

func WithSink(s Sink) Option           { return func(r *Service) { r.sink = s } }
func WithClock(c models.Clock) Option  { return func(r *Service) { r.clock = c } }
func WithLogger(l *zap.Logger) Option  { return func(r *Service) { r.logger = l } }
func WithTracer(t trace.Tracer) Option { return func(r *Service) { r.tracer = t } }

func New(b Broadcaster, opts ...Option) *Service {
	s := &Service{
		broadcaster: b,
		clock:       models.SystemClock{},
		logger:      zap.NewNop(),
		tracer:      observability.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Relay validates raw and fans it out to tracking-<requestId> and the
// mechanic pool, skipping the origin connection. Nothing is broadcast when
// validation fails. actorMechanicID is empty for unauthenticated connections,
// whose samples are broadcast but never reach the sink.
func (s *Service) Relay(ctx context.Context, origin, actorMechanicID string, raw geo.RawSample) (update models.LocationUpdate, err error) {
	ctx, span := s.tracer.Start(ctx, "relay.location", trace.WithAttributes(
		attribute.String("request.id", raw.RequestID),
		attribute.String("mechanic.id", raw.MechanicID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sample, err := geo.Validate(raw)
	if err != nil {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		s.logger.Debug("location rejected",
			zap.String("conn_id", origin),
			zap.String("request_id", raw.RequestID),
			zap.Error(err))
		return models.LocationUpdate{}, err
	}
	if actorMechanicID != "" && actorMechanicID != sample.MechanicID {
		observability.LocationUpdates.WithLabelValues("forbidden").Inc()
		return models.LocationUpdate{}, ErrMechanicMismatch
	}

	now := s.clock.Now()
	update = models.LocationUpdate{
		MechanicID: sample.MechanicID,
		Location:   sample.Location,
		Timestamp:  models.UnixMillis(now),
	}
	if err := s.broadcaster.BroadcastLocation(ctx, sample.RequestID, update, origin); err != nil {
		observability.LocationUpdates.WithLabelValues("failed").Inc()
		return models.LocationUpdate{}, fmt.Errorf("broadcast location for %s: %w", sample.RequestID, err)
	}
	observability.LocationUpdates.WithLabelValues("relayed").Inc()

	// Only a mechanic's own token may move its stored position; anonymous
	// samples are fanned out live and go no further.
	if s.sink != nil && actorMechanicID != "" {
		out := models.LocationSample{
			MechanicID: sample.MechanicID,
			RequestID:  sample.RequestID,
			Location:   sample.Location.Coord(),
			RecordedAt: now,
		}
		if acc, ok := sample.Location.AccuracyMeters(); ok {
			out.Accuracy = &acc
		}
		if err := s.sink.PublishLocation(ctx, out); err != nil {
			s.logger.Warn("location sink publish failed", zap.String("mechanic_id", out.MechanicID), zap.Error(err))
		}
	}
	return update, nil
}
