package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/arbiter"
	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/eta"
	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
	"github.com/example/mechanic-dispatch/internal/storage"
)

type createRequestBody struct {
	IssueDescription string          `json:"issueDescription"`
	Location         *models.Coord   `json:"location"`
	LocationName     string          `json:"locationName"`
	Priority         models.Priority `json:"priority"`
	EstimatedCost    float64         `json:"estimatedCost"`
}

// requestResponse flattens the request next to the message, the shape
// existing clients read.
type requestResponse struct {
	Message string `json:"message"`
	models.Request
}

type messageWithRequest struct {
	Message string          `json:"message"`
	Request *models.Request `json:"request,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(body.IssueDescription) == "" {
		writeMessage(w, http.StatusBadRequest, "Issue description is required")
		return
	}
	if body.Location == nil {
		writeMessage(w, http.StatusBadRequest, "Location is required")
		return
	}
	if err := geo.ValidateCoord(body.Location.Lat, body.Location.Lon); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Priority == "" {
		body.Priority = models.PriorityMedium
	}
	if !body.Priority.Valid() {
		writeMessage(w, http.StatusBadRequest, "Priority must be one of low, medium, high, emergency")
		return
	}
	if body.EstimatedCost < 0 {
		writeMessage(w, http.StatusBadRequest, "Estimated cost cannot be negative")
		return
	}

	now := s.Clock.Now()
	req := models.Request{
		ID:               uuid.NewString(),
		UserID:           claims.Subject,
		IssueDescription: strings.TrimSpace(body.IssueDescription),
		Location:         *body.Location,
		LocationName:     body.LocationName,
		Status:           models.StatusPending,
		Priority:         body.Priority,
		EstimatedCost:    body.EstimatedCost,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Store.CreateRequest(r.Context(), &req); err != nil {
		s.writeError(w, err)
		return
	}
	observability.RequestsCreated.Inc()

	if s.Broadcaster != nil {
		if err := s.Broadcaster.BroadcastNewRequest(r.Context(), req); err != nil {
			s.logger.Warn("new-request broadcast failed", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	if s.Events != nil {
		evt := models.RequestEvent{
			Type:       models.EventRequestCreated,
			RequestID:  req.ID,
			UserID:     req.UserID,
			Status:     req.Status,
			OccurredAt: now,
		}
		if err := s.Events.PublishEvent(r.Context(), evt); err != nil {
			s.logger.Warn("lifecycle event publish failed", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, requestResponse{Message: "Request created successfully", Request: req})
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Store.ListRequests(r.Context(), storage.RequestFilter{
		Status: models.StatusPending,
		Limit:  s.PendingLimit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	f := storage.RequestFilter{}
	if st := r.URL.Query().Get("status"); st != "" {
		f.Status = models.RequestStatus(st)
		if !f.Status.Valid() {
			writeMessage(w, http.StatusBadRequest, "Invalid status")
			return
		}
	}
	if claims.IsMechanic() {
		f.MechanicID = claims.Subject
	} else {
		f.UserID = claims.Subject
	}
	reqs, err := s.Store.ListRequests(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

type respondBody struct {
	RequestID string           `json:"requestId"`
	Response  arbiter.Response `json:"response"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Response != arbiter.ResponseAccepted && body.Response != arbiter.ResponseRejected {
		writeMessage(w, http.StatusBadRequest, "Invalid response. Must be 'accepted' or 'rejected'")
		return
	}
	if strings.TrimSpace(body.RequestID) == "" {
		writeMessage(w, http.StatusBadRequest, "Request ID is required")
		return
	}

	res, err := s.Arbiter.Respond(r.Context(), body.RequestID, claims.Subject, body.Response)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !res.Accepted {
		writeJSON(w, http.StatusOK, messageWithRequest{Message: "Request rejected"})
		return
	}
	writeJSON(w, http.StatusOK, messageWithRequest{Message: "Request accepted successfully", Request: &res.Request})
}

type statusBody struct {
	Status     models.RequestStatus `json:"status"`
	Notes      string               `json:"notes"`
	ActualCost *float64             `json:"actualCost"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch body.Status {
	case models.StatusInProgress, models.StatusCompleted, models.StatusCancelled:
	default:
		writeMessage(w, http.StatusBadRequest, "Invalid status")
		return
	}
	if body.ActualCost != nil && *body.ActualCost < 0 {
		writeMessage(w, http.StatusBadRequest, "Actual cost cannot be negative")
		return
	}

	id := mux.Vars(r)["id"]
	updated, err := s.Arbiter.UpdateStatus(r.Context(), id, claims.Subject, body.Status, body.Notes, body.ActualCost)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageWithRequest{
		Message: "Request " + string(body.Status) + " successfully",
		Request: &updated,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	id := mux.Vars(r)["id"]
	updated, err := s.Arbiter.Cancel(r.Context(), id, arbiter.Actor{ID: claims.Subject, Role: arbiter.RoleUser})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageWithRequest{Message: "Request cancelled successfully", Request: &updated})
}

type requestStatusResponse struct {
	Request          models.Request `json:"request"`
	MechanicLocation *models.Coord  `json:"mechanicLocation"`
	DistanceKm       *float64       `json:"distanceKm,omitempty"`
	ETAMinutes       *int           `json:"etaMinutes,omitempty"`
}

// handleGetRequest serves the tracking page's initial state. The owner
// always sees it; a mechanic sees requests assigned to them or still pending.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	req, err := s.Store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !canView(claims, req) {
		writeMessage(w, http.StatusForbidden, "Access denied")
		return
	}

	out := requestStatusResponse{Request: req}
	if req.MechanicID != "" {
		mech, err := s.Store.GetMechanic(r.Context(), req.MechanicID)
		switch {
		case err == nil:
			out.MechanicLocation = mech.CurrentLocation
		case !errors.Is(err, storage.ErrNotFound):
			s.writeError(w, err)
			return
		}
	}
	if loc := out.MechanicLocation; loc != nil {
		d := geo.DistanceKm(loc.Lat, loc.Lon, req.Location.Lat, req.Location.Lon)
		out.DistanceKm = &d
		if secs, err := s.ETA.EstimateSeconds(r.Context(), *loc, req.Location); err == nil {
			m := eta.Minutes(secs)
			out.ETAMinutes = &m
		} else {
			s.logger.Debug("eta unavailable", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func canView(c *auth.Claims, req models.Request) bool {
	if c.IsMechanic() {
		return req.MechanicID == c.Subject || req.Status == models.StatusPending
	}
	return req.UserID == c.Subject
}

func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	f := storage.BookingFilter{}
	if claims.IsMechanic() {
		f.MechanicID = claims.Subject
	} else {
		f.UserID = claims.Subject
	}
	bookings, err := s.Store.ListBookings(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

// mustClaims is only called behind the auth middleware.
func mustClaims(r *http.Request) *auth.Claims {
	c, _ := auth.ClaimsFromContext(r.Context())
	if c == nil {
		return &auth.Claims{}
	}
	return c
}

// writeError maps domain errors to status codes. Anything unrecognised is
// logged and reported as a generic server error.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *geo.ValidationError
	switch {
	case errors.As(err, &verr):
		writeMessage(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, arbiter.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeMessage(w, http.StatusNotFound, notFoundMessage(err))
	case errors.Is(err, arbiter.ErrMechanicNotFound):
		writeMessage(w, http.StatusNotFound, arbiter.Message(err))
	case errors.Is(err, arbiter.ErrNotOwner):
		writeMessage(w, http.StatusForbidden, arbiter.Message(err))
	case errors.Is(err, arbiter.ErrAlreadyHandled),
		errors.Is(err, arbiter.ErrMechanicUnavailable),
		errors.Is(err, arbiter.ErrInvalidTransition),
		errors.Is(err, arbiter.ErrInvalidResponse):
		writeMessage(w, http.StatusBadRequest, arbiter.Message(err))
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Server error")
	}
}

func notFoundMessage(err error) string {
	if errors.Is(err, arbiter.ErrNotFound) {
		return arbiter.Message(err)
	}
	return "Not found"
}
