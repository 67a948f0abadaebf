package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/matcher"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
	"github.com/example/mechanic-dispatch/internal/storage"
)

type availabilityBody struct {
	IsAvailable *bool `json:"isAvailable"`
}

// handleAvailability sets availability when the body names a value and
// toggles it otherwise, then tells the mechanics pool.
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	var body availabilityBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	now := s.Clock.Now()
	var (
		mech models.Mechanic
		err  error
	)
	if body.IsAvailable != nil {
		mech, err = s.Store.SetAvailability(r.Context(), claims.Subject, *body.IsAvailable, now)
	} else {
		mech, err = s.Store.ToggleAvailability(r.Context(), claims.Subject, now)
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "Mechanic not found")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.Broadcaster != nil {
		if _, err := s.Broadcaster.BroadcastAvailabilityChange(r.Context(), mech.ID, mech.IsAvailable, ""); err != nil {
			s.logger.Warn("availability broadcast failed", zap.String("mechanic_id", mech.ID), zap.Error(err))
		}
	}

	msg := "Availability disabled"
	if mech.IsAvailable {
		msg = "Availability enabled"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "isAvailable": mech.IsAvailable})
}

type locationBody struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	RequestID string   `json:"requestId"`
}

// handleMechanicLocation is the REST fallback for position reports. It
// persists the last known location and feeds the position index and the
// location topic; live fan-out stays on the realtime channel.
func (s *Server) handleMechanicLocation(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Latitude == nil || body.Longitude == nil {
		writeMessage(w, http.StatusBadRequest, "Latitude and longitude are required")
		return
	}
	c := models.Coord{Lat: *body.Latitude, Lon: *body.Longitude}
	if err := geo.ValidateCoord(c.Lat, c.Lon); err != nil {
		s.writeError(w, err)
		return
	}

	now := s.Clock.Now()
	mech, err := s.Store.UpdateLocation(r.Context(), claims.Subject, c, now)
	if errors.Is(err, storage.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "Mechanic not found")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.Geo != nil {
		if err := s.Geo.Upsert(r.Context(), mech.ID, c); err != nil {
			s.logger.Warn("geo index update failed", zap.String("mechanic_id", mech.ID), zap.Error(err))
		}
	}
	if s.Locations != nil {
		sample := models.LocationSample{
			MechanicID: mech.ID,
			RequestID:  body.RequestID,
			Location:   c,
			Accuracy:   body.Accuracy,
			RecordedAt: now,
		}
		if err := s.Locations.PublishLocation(r.Context(), sample); err != nil {
			s.logger.Warn("location publish failed", zap.String("mechanic_id", mech.ID), zap.Error(err))
		}
	}
	observability.LocationUpdates.WithLabelValues("rest").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"message": "Location updated successfully", "location": mech.CurrentLocation})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	latStr, lonStr := q.Get("latitude"), q.Get("longitude")
	if latStr == "" || lonStr == "" {
		writeMessage(w, http.StatusBadRequest, "Latitude and longitude are required")
		return
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lon, err2 := strconv.ParseFloat(lonStr, 64)
	if err1 != nil || err2 != nil {
		writeMessage(w, http.StatusBadRequest, "Latitude and longitude must be numbers")
		return
	}
	if err := geo.ValidateCoord(lat, lon); err != nil {
		s.writeError(w, err)
		return
	}

	query := matcher.Query{
		Site:           models.Coord{Lat: lat, Lon: lon},
		Specialization: q.Get("specialization"),
	}
	if v := q.Get("radius"); v != "" {
		radius, err := strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 {
			writeMessage(w, http.StatusBadRequest, "Radius must be a positive number of kilometres")
			return
		}
		query.RadiusKm = radius
	}
	if v := q.Get("minRating"); v != "" {
		rating, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "minRating must be a number")
			return
		}
		query.MinRating = rating
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Limit = n
		}
	}

	cands, err := s.Matcher.Nearby(r.Context(), query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}
