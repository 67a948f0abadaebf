package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/bus"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
	"github.com/example/mechanic-dispatch/internal/presence"
)

// Broadcaster publishes room-addressed events. Delivery is fire-and-forget:
// an empty room is not an error.
type Broadcaster struct {
	bus    bus.Bus
	clock  models.Clock
	logger *zap.Logger
}

func NewBroadcaster(b bus.Bus, clock models.Clock, logger *zap.Logger) *Broadcaster {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{bus: b, clock: clock, logger: logger}
}

// BroadcastNewRequest pushes the full request to the mechanic pool.
func (b *Broadcaster) BroadcastNewRequest(ctx context.Context, req models.Request) error {
	return b.emit(ctx, presence.MechanicsRoom, models.EventNewRequest, req, "")
}

// BroadcastStatusChange pushes the updated request to its tracking room only.
func (b *Broadcaster) BroadcastStatusChange(ctx context.Context, req models.Request) error {
	return b.emit(ctx, presence.TrackingRoom(req.ID), models.EventStatusUpdate, req, "")
}

// BroadcastAvailabilityChange is informational; except may name the
// connection that toggled.
func (b *Broadcaster) BroadcastAvailabilityChange(ctx context.Context, mechanicID string, isAvailable bool, except string) (models.AvailabilityChange, error) {
	change := models.AvailabilityChange{
		MechanicID:  mechanicID,
		IsAvailable: isAvailable,
		Timestamp:   models.UnixMillis(b.clock.Now()),
	}
	return change, b.emit(ctx, presence.MechanicsRoom, models.EventAvailabilityChanged, change, except)
}

// BroadcastLocation fans one update out twice: to the request's tracking
// room and, as a fleet-awareness event, to the mechanic pool.
func (b *Broadcaster) BroadcastLocation(ctx context.Context, requestID string, update models.LocationUpdate, except string) error {
	if err := b.emit(ctx, presence.TrackingRoom(requestID), models.EventLocationUpdate, update, except); err != nil {
		return err
	}
	return b.emit(ctx, presence.MechanicsRoom, models.EventMechanicLocationUpdate, update, except)
}

func (b *Broadcaster) emit(ctx context.Context, room, event string, payload any, except string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if err := b.bus.Publish(ctx, bus.Message{Room: room, Event: event, Data: data, Except: except}); err != nil {
		b.logger.Warn("broadcast failed", zap.String("room", room), zap.String("event", event), zap.Error(err))
		return fmt.Errorf("publish %s to %s: %w", event, room, err)
	}
	observability.BroadcastsTotal.WithLabelValues(event).Inc()
	return nil
}
