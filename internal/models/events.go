package models

import "encoding/json"

// Realtime event names, both directions.
const (
	EventJoinMechanicRoom   = "join-mechanic-room"
	EventJoinTrackingRoom   = "join-tracking-room"
	EventUpdateLocation     = "update-location"
	EventStatusUpdate       = "status-update"
	EventAvailabilityToggle = "availability-toggle"

	EventNewRequest             = "new-request"
	EventLocationUpdate         = "location-update"
	EventMechanicLocationUpdate = "mechanic-location-update"
	EventAvailabilityChanged    = "mechanic-availability-changed"
	EventError                  = "error"
)

// Envelope is the frame exchanged on the realtime channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload leaves Data empty.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Envelope{Event: event, Data: raw}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// Inbound payloads.

type StatusUpdatePayload struct {
	RequestID  string        `json:"requestId"`
	Status     RequestStatus `json:"status"`
	MechanicID string        `json:"mechanicId"`
}

// AvailabilityTogglePayload keeps IsAvailable untyped so a non-boolean can be rejected.
type AvailabilityTogglePayload struct {
	MechanicID  string `json:"mechanicId"`
	IsAvailable any    `json:"isAvailable"`
}
