// Package httpapi is the REST surface of the dispatch service. It also
// mounts the realtime transports so one listener serves both.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/arbiter"
	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/eta"
	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/matcher"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/storage"
)

const defaultPendingLimit = 20

// Broadcaster is the part of dispatch.Broadcaster the REST handlers use.
type Broadcaster interface {
	BroadcastNewRequest(ctx context.Context, req models.Request) error
	BroadcastAvailabilityChange(ctx context.Context, mechanicID string, isAvailable bool, except string) (models.AvailabilityChange, error)
}

// LocationPublisher receives positions reported over REST.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

// Poller mounts the long-polling endpoints.
type Poller interface {
	Register(r *mux.Router)
}

// ReadyCheck is one dependency checked by /ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Store        storage.Store
	Arbiter      *arbiter.Arbiter
	Broadcaster  Broadcaster
	Matcher      *matcher.Service
	ETA          eta.Estimator
	Geo          geo.Geo
	Locations    LocationPublisher
	Events       arbiter.EventPublisher
	Verifier     *auth.Verifier
	RateLimiter  *RateLimiter
	Realtime     http.Handler
	Poll         Poller
	ReadyChecks  []ReadyCheck
	Clock        models.Clock
	Logger       *zap.Logger
	PendingLimit int
}

type Server struct {
	Deps
	logger *zap.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = models.SystemClock{}
	}
	if d.ETA == nil {
		d.ETA = eta.SpeedEstimator{}
	}
	if d.PendingLimit <= 0 {
		d.PendingLimit = defaultPendingLimit
	}
	s := &Server{Deps: d, logger: d.Logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	user := s.Verifier.Middleware(auth.RoleUser)
	mechanic := s.Verifier.Middleware(auth.RoleMechanic)
	anyone := s.Verifier.Middleware()
	limit := s.RateLimiter.Middleware

	api := s.mux.PathPrefix("/api").Subrouter()

	api.Handle("/requests", user(limit(http.HandlerFunc(s.handleCreateRequest)))).Methods(http.MethodPost)
	api.Handle("/requests", anyone(http.HandlerFunc(s.handleListRequests))).Methods(http.MethodGet)
	api.Handle("/requests/broadcast", mechanic(http.HandlerFunc(s.handlePendingRequests))).Methods(http.MethodGet)
	api.Handle("/requests/respond", mechanic(limit(http.HandlerFunc(s.handleRespond)))).Methods(http.MethodPost)
	api.Handle("/requests/{id}", anyone(http.HandlerFunc(s.handleGetRequest))).Methods(http.MethodGet)
	api.Handle("/requests/{id}/status", mechanic(limit(http.HandlerFunc(s.handleUpdateStatus)))).Methods(http.MethodPut)
	api.Handle("/requests/{id}/cancel", user(limit(http.HandlerFunc(s.handleCancel)))).Methods(http.MethodPut)

	api.Handle("/mechanics/availability", mechanic(limit(http.HandlerFunc(s.handleAvailability)))).Methods(http.MethodPut)
	api.Handle("/mechanics/location", mechanic(limit(http.HandlerFunc(s.handleMechanicLocation)))).Methods(http.MethodPut)
	api.Handle("/mechanics/nearby", anyone(http.HandlerFunc(s.handleNearby))).Methods(http.MethodGet)

	api.Handle("/bookings", anyone(http.HandlerFunc(s.handleBookings))).Methods(http.MethodGet)

	if s.Realtime != nil {
		s.mux.Handle("/realtime/ws", s.Realtime).Methods(http.MethodGet)
	}
	if s.Poll != nil {
		s.Poll.Register(s.mux.PathPrefix("/realtime/poll").Subrouter())
	}

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := s.ReadyChecks
	if s.Store != nil {
		checks = append([]ReadyCheck{{Name: "store", Check: s.Store.Ping}}, checks...)
	}
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "failed": c.Name})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type errorBody struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}
