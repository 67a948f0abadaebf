// Package realtime runs the duplex event channel: connection lifecycle,
// room joins and the client event router, over websocket or long polling.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/dispatch"
	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
	"github.com/example/mechanic-dispatch/internal/presence"
	"github.com/example/mechanic-dispatch/internal/relay"
	"github.com/example/mechanic-dispatch/internal/storage"
)

const (
	msgStatusFields       = "Missing required fields: requestId, status, mechanicId"
	msgAvailabilityFields = "Missing or invalid required fields: mechanicId (string), isAvailable (boolean)"
	msgStatusMismatch     = "Status does not match the current request"
	msgTrackingField      = "Missing required field: requestId"
	msgTrackingType       = "Invalid requestId. Must be a string or number"
	msgAccessDenied       = "Access denied"
	msgRequestNotFound    = "Request not found"
)

var clientStatuses = []models.RequestStatus{
	models.StatusPending, models.StatusAccepted, models.StatusInProgress,
	models.StatusCompleted, models.StatusCancelled,
}

type Broadcaster interface {
	BroadcastStatusChange(ctx context.Context, req models.Request) error
	BroadcastAvailabilityChange(ctx context.Context, mechanicID string, isAvailable bool, except string) (models.AvailabilityChange, error)
}

type LocationRelay interface {
	Relay(ctx context.Context, origin, actorMechanicID string, raw geo.RawSample) (models.LocationUpdate, error)
}

type RequestReader interface {
	GetRequest(ctx context.Context, id string) (models.Request, error)
}

type session struct {
	claims    *auth.Claims
	transport string
}

// Manager owns every connection's lifecycle on this instance. Memberships
// live in the hub's presence registry.
type Manager struct {
	hub         *dispatch.Hub
	broadcaster Broadcaster
	relay       LocationRelay
	requests    RequestReader
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]session
}

func NewManager(hub *dispatch.Hub, b Broadcaster, r LocationRelay, requests RequestReader, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		hub:         hub,
		broadcaster: b,
		relay:       r,
		requests:    requests,
		logger:      logger,
		sessions:    make(map[string]session),
	}
}

// OnConnect registers c with no room memberships. claims may be nil for an
// anonymous connection.
func (m *Manager) OnConnect(c dispatch.Conn, claims *auth.Claims, transport string) {
	m.mu.Lock()
	m.sessions[c.ID()] = session{claims: claims, transport: transport}
	m.mu.Unlock()
	m.hub.Attach(c)
	observability.Connections.WithLabelValues(transport).Inc()
	m.logger.Debug("realtime connected", zap.String("conn_id", c.ID()), zap.String("transport", transport))
}

// OnDisconnect removes every membership of connID. It never touches the
// mechanic's stored availability. Calling it twice is harmless.
func (m *Manager) OnDisconnect(connID string) {
	m.mu.Lock()
	s, ok := m.sessions[connID]
	delete(m.sessions, connID)
	m.mu.Unlock()

	rooms := m.hub.Detach(connID)
	if !ok {
		return
	}
	observability.Connections.WithLabelValues(s.transport).Dec()
	m.logger.Debug("realtime disconnected", zap.String("conn_id", connID), zap.Strings("rooms", rooms))
}

func (m *Manager) OnJoinMechanicPool(connID string) {
	m.hub.Registry().Join(connID, presence.MechanicsRoom)
}

func (m *Manager) OnJoinTracking(connID, requestID string) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return errors.New(msgTrackingField)
	}
	m.hub.Registry().Join(connID, presence.TrackingRoom(requestID))
	return nil
}

func (m *Manager) claims(connID string) *auth.Claims {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[connID].claims
}

// authenticatedMechanic returns the mechanic id bound to the connection's
// token, or "" when the connection is anonymous or a user.
func (m *Manager) authenticatedMechanic(connID string) string {
	if c := m.claims(connID); c != nil && c.IsMechanic() {
		return c.Subject
	}
	return ""
}

// HandleEvent routes one client frame. Failures are answered with an error
// event to the origin only; a panic in a handler is contained here.
func (m *Manager) HandleEvent(ctx context.Context, connID string, env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("realtime handler panic",
				zap.String("conn_id", connID), zap.String("event", env.Event), zap.Any("panic", r))
			m.sendError(connID, models.ErrorPayload{Message: failureMessage(env.Event)})
		}
	}()

	switch env.Event {
	case models.EventJoinMechanicRoom:
		m.OnJoinMechanicPool(connID)
	case models.EventJoinTrackingRoom:
		id, ok := decodeRequestID(env.Data)
		if !ok {
			m.sendError(connID, models.ErrorPayload{Message: msgTrackingType, Details: geo.ErrInvalidType.Error()})
			return
		}
		if err := m.OnJoinTracking(connID, id); err != nil {
			m.sendError(connID, models.ErrorPayload{Message: err.Error()})
		}
	case models.EventUpdateLocation:
		m.handleLocation(ctx, connID, env.Data)
	case models.EventStatusUpdate:
		m.handleStatus(ctx, connID, env.Data)
	case models.EventAvailabilityToggle:
		m.handleAvailability(ctx, connID, env.Data)
	default:
		m.sendError(connID, models.ErrorPayload{Message: "Unknown event: " + env.Event})
	}
}

func (m *Manager) handleLocation(ctx context.Context, connID string, data json.RawMessage) {
	var raw geo.RawSample
	if err := json.Unmarshal(data, &raw); err != nil {
		m.logger.Debug("location payload undecodable", zap.String("conn_id", connID), zap.Error(err))
		m.sendError(connID, models.ErrorPayload{Message: relay.FailureMessage})
		return
	}
	_, err := m.relay.Relay(ctx, connID, m.authenticatedMechanic(connID), raw)
	var verr *geo.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		m.sendError(connID, models.ErrorPayload{Message: verr.Error(), Details: verr.Reason()})
	case errors.Is(err, relay.ErrMechanicMismatch):
		m.sendError(connID, models.ErrorPayload{Message: msgAccessDenied})
	default:
		m.logger.Warn("location relay failed", zap.String("conn_id", connID), zap.Error(err))
		m.sendError(connID, models.ErrorPayload{Message: relay.FailureMessage})
	}
}

// handleStatus never changes a request. It re-announces the stored request
// when the client's claim matches it, so a mechanic's app can nudge the
// tracking room after a REST transition.
func (m *Manager) handleStatus(ctx context.Context, connID string, data json.RawMessage) {
	var p models.StatusUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.RequestID == "" || p.Status == "" || p.MechanicID == "" {
		m.sendError(connID, models.ErrorPayload{Message: msgStatusFields})
		return
	}
	if !validClientStatus(p.Status) {
		m.sendError(connID, models.ErrorPayload{Message: "Invalid status. Must be one of: " + joinStatuses(clientStatuses)})
		return
	}
	if mech := m.authenticatedMechanic(connID); mech != "" && mech != p.MechanicID {
		m.sendError(connID, models.ErrorPayload{Message: msgAccessDenied})
		return
	}

	req, err := m.requests.GetRequest(ctx, p.RequestID)
	if errors.Is(err, storage.ErrNotFound) {
		m.sendError(connID, models.ErrorPayload{Message: msgRequestNotFound})
		return
	}
	if err != nil {
		m.logger.Warn("status lookup failed", zap.String("conn_id", connID), zap.String("request_id", p.RequestID), zap.Error(err))
		m.sendError(connID, models.ErrorPayload{Message: failureMessage(models.EventStatusUpdate)})
		return
	}
	if req.Status != p.Status || req.MechanicID != p.MechanicID {
		m.sendError(connID, models.ErrorPayload{Message: msgStatusMismatch})
		return
	}
	if err := m.broadcaster.BroadcastStatusChange(ctx, req); err != nil {
		m.logger.Warn("status broadcast failed", zap.String("conn_id", connID), zap.String("request_id", p.RequestID), zap.Error(err))
		m.sendError(connID, models.ErrorPayload{Message: failureMessage(models.EventStatusUpdate)})
	}
}

func (m *Manager) handleAvailability(ctx context.Context, connID string, data json.RawMessage) {
	var p models.AvailabilityTogglePayload
	_ = json.Unmarshal(data, &p)
	available, isBool := p.IsAvailable.(bool)
	if strings.TrimSpace(p.MechanicID) == "" || !isBool {
		m.sendError(connID, models.ErrorPayload{Message: msgAvailabilityFields})
		return
	}
	if mech := m.authenticatedMechanic(connID); mech != "" && mech != p.MechanicID {
		m.sendError(connID, models.ErrorPayload{Message: msgAccessDenied})
		return
	}
	if _, err := m.broadcaster.BroadcastAvailabilityChange(ctx, p.MechanicID, available, connID); err != nil {
		m.logger.Warn("availability broadcast failed", zap.String("conn_id", connID), zap.Error(err))
		m.sendError(connID, models.ErrorPayload{Message: failureMessage(models.EventAvailabilityToggle)})
	}
}

func (m *Manager) sendError(connID string, p models.ErrorPayload) {
	env, err := models.NewEnvelope(models.EventError, p)
	if err != nil {
		return
	}
	if err := m.hub.SendTo(connID, env); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		m.logger.Debug("error event not delivered", zap.String("conn_id", connID), zap.Error(err))
	}
}

// decodeRequestID accepts a bare JSON string or number, or an object
// carrying one under "requestId". ok is false when the id has another type.
func decodeRequestID(data json.RawMessage) (id string, ok bool) {
	var v any
	if len(data) == 0 || json.Unmarshal(data, &v) != nil {
		return "", true
	}
	if obj, isObj := v.(map[string]any); isObj {
		v = obj["requestId"]
	}
	return geo.IDString(v)
}

func failureMessage(event string) string {
	switch event {
	case models.EventUpdateLocation:
		return relay.FailureMessage
	case models.EventStatusUpdate:
		return "Failed to process status update"
	case models.EventAvailabilityToggle:
		return "Failed to process availability update"
	}
	return "Failed to process " + event
}

func validClientStatus(s models.RequestStatus) bool {
	for _, c := range clientStatuses {
		if s == c {
			return true
		}
	}
	return false
}

func joinStatuses(ss []models.RequestStatus) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
