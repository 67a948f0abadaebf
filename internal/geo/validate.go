package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/mechanic-dispatch/internal/models"
)

var (
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidType    = errors.New("invalid type")
	ErrLatitudeRange  = errors.New("latitude out of range")
	ErrLongitudeRange = errors.New("longitude out of range")
)

// ValidationError names the offending field. It unwraps to one of the
// sentinel reasons above and prints the message shown to the sender.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	switch {
	case errors.Is(e.Err, ErrMissingField):
		return "Missing required field: " + e.Field
	case errors.Is(e.Err, ErrInvalidType) && (e.Field == "requestId" || e.Field == "mechanicId"):
		return fmt.Sprintf("Invalid %s. Must be a string or number", e.Field)
	case errors.Is(e.Err, ErrInvalidType) && e.Field == "location":
		return "Invalid location format. Location must be an object"
	case errors.Is(e.Err, ErrInvalidType):
		return fmt.Sprintf("Invalid location format. %s must be a number", capitalize(e.Field))
	case errors.Is(e.Err, ErrLatitudeRange):
		return "Invalid latitude. Must be between -90 and 90"
	case errors.Is(e.Err, ErrLongitudeRange):
		return "Invalid longitude. Must be between -180 and 180"
	}
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Reason is the short machine-oriented cause, e.g. "latitude out of range".
func (e *ValidationError) Reason() string { return e.Err.Error() }

// RawSample is an update-location payload exactly as a client sent it.
// Decoding never fails on field types: a wrongly typed id or location is
// recorded and reported by Validate in field order.
type RawSample struct {
	RequestID  string       `json:"requestId"`
	MechanicID string       `json:"mechanicId"`
	Location   *RawLocation `json:"location"`

	badRequestID  bool
	badMechanicID bool
	badLocation   bool
}

func (r *RawSample) UnmarshalJSON(data []byte) error {
	var aux struct {
		RequestID  any             `json:"requestId"`
		MechanicID any             `json:"mechanicId"`
		Location   json.RawMessage `json:"location"`
	}
	*r = RawSample{}
	if err := json.Unmarshal(data, &aux); err != nil {
		// Not an object: every field is absent.
		return nil
	}
	var ok bool
	r.RequestID, ok = IDString(aux.RequestID)
	r.badRequestID = !ok
	r.MechanicID, ok = IDString(aux.MechanicID)
	r.badMechanicID = !ok
	if len(aux.Location) > 0 && string(aux.Location) != "null" {
		var loc RawLocation
		if err := json.Unmarshal(aux.Location, &loc); err != nil {
			r.badLocation = true
		} else {
			r.Location = &loc
		}
	}
	return nil
}

// IDString normalizes a decoded JSON id. Strings pass through and numbers
// take their shortest decimal form; absent ids yield "". ok is false for
// any other JSON type.
func IDString(v any) (id string, ok bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// RawLocation leaves coordinates untyped so that strings or booleans can be
// reported as type errors instead of failing the whole decode.
type RawLocation struct {
	Latitude  any             `json:"latitude"`
	Longitude any             `json:"longitude"`
	Accuracy  json.RawMessage `json:"accuracy,omitempty"`
}

// Sample is a validated, normalized position report.
type Sample struct {
	RequestID  string
	MechanicID string
	Location   models.Location
}

// Validate checks a raw sample in a fixed order and returns the first
// failure. It has no side effects.
func Validate(raw RawSample) (Sample, error) {
	if raw.badRequestID {
		return Sample{}, &ValidationError{Field: "requestId", Err: ErrInvalidType}
	}
	if strings.TrimSpace(raw.RequestID) == "" {
		return Sample{}, &ValidationError{Field: "requestId", Err: ErrMissingField}
	}
	if raw.badLocation {
		return Sample{}, &ValidationError{Field: "location", Err: ErrInvalidType}
	}
	if raw.Location == nil {
		return Sample{}, &ValidationError{Field: "location", Err: ErrMissingField}
	}
	if raw.badMechanicID {
		return Sample{}, &ValidationError{Field: "mechanicId", Err: ErrInvalidType}
	}
	if strings.TrimSpace(raw.MechanicID) == "" {
		return Sample{}, &ValidationError{Field: "mechanicId", Err: ErrMissingField}
	}

	lat, ok := toFloat(raw.Location.Latitude)
	if !ok {
		return Sample{}, &ValidationError{Field: "latitude", Err: ErrInvalidType}
	}
	lon, ok := toFloat(raw.Location.Longitude)
	if !ok {
		return Sample{}, &ValidationError{Field: "longitude", Err: ErrInvalidType}
	}
	if err := ValidateCoord(lat, lon); err != nil {
		return Sample{}, err
	}

	var accuracy json.RawMessage
	if len(raw.Location.Accuracy) > 0 && string(raw.Location.Accuracy) != "null" {
		accuracy = raw.Location.Accuracy
	}
	return Sample{
		RequestID:  raw.RequestID,
		MechanicID: raw.MechanicID,
		Location:   models.Location{Lat: lat, Lon: lon, Accuracy: accuracy},
	}, nil
}

// ValidateCoord checks that lat/lon are finite and inside WGS84 bounds.
func ValidateCoord(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return &ValidationError{Field: "latitude", Err: ErrInvalidType}
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) {
		return &ValidationError{Field: "longitude", Err: ErrInvalidType}
	}
	if lat < -90 || lat > 90 {
		return &ValidationError{Field: "latitude", Err: ErrLatitudeRange}
	}
	if lon < -180 || lon > 180 {
		return &ValidationError{Field: "longitude", Err: ErrLongitudeRange}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
