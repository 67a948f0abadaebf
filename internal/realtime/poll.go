package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/dispatch"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
)

type PollConfig struct {
	Wait       time.Duration // how long one GET waits for frames
	SessionTTL time.Duration // idle time before a session is dropped
	SendBuffer int
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Wait <= 0 {
		c.Wait = 25 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// PollTransport is the long-polling fallback for clients that cannot hold
// a websocket open. A session queues outbound frames between polls.
type PollTransport struct {
	manager  *Manager
	verifier *auth.Verifier
	cfg      PollConfig
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*pollConn
}

func NewPollTransport(m *Manager, verifier *auth.Verifier, cfg PollConfig, logger *zap.Logger) *PollTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollTransport{
		manager:  m,
		verifier: verifier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*pollConn),
	}
}

// Register mounts the polling endpoints on r, which should already be
// prefixed (e.g. /realtime/poll).
func (p *PollTransport) Register(r *mux.Router) {
	r.HandleFunc("", p.open).Methods(http.MethodPost)
	r.HandleFunc("/{sid}", p.poll).Methods(http.MethodGet)
	r.HandleFunc("/{sid}", p.submit).Methods(http.MethodPost)
	r.HandleFunc("/{sid}", p.close).Methods(http.MethodDelete)
}

type openResponse struct {
	SID        string `json:"sid"`
	PollWaitMS int64  `json:"pollWaitMs"`
	TTLMS      int64  `json:"sessionTtlMs"`
}

func (p *PollTransport) open(w http.ResponseWriter, r *http.Request) {
	claims, ok := optionalClaims(w, r, p.verifier)
	if !ok {
		return
	}
	c := newPollConn(uuid.NewString(), p.cfg.SendBuffer, p.now())
	p.mu.Lock()
	p.sessions[c.id] = c
	p.mu.Unlock()
	p.manager.OnConnect(c, claims, TransportPolling)

	writeJSON(w, http.StatusCreated, openResponse{
		SID:        c.id,
		PollWaitMS: p.cfg.Wait.Milliseconds(),
		TTLMS:      p.cfg.SessionTTL.Milliseconds(),
	})
}

// poll returns queued frames as a JSON array, waiting up to cfg.Wait for
// the first one. An empty array means nothing arrived in time.
func (p *PollTransport) poll(w http.ResponseWriter, r *http.Request) {
	c, ok := p.lookup(w, r)
	if !ok {
		return
	}
	timer := time.NewTimer(p.cfg.Wait)
	defer timer.Stop()
	for {
		if frames := c.drain(); len(frames) > 0 {
			c.touch(p.now())
			writeJSON(w, http.StatusOK, frames)
			return
		}
		select {
		case <-c.notify:
		case <-c.done:
			p.expire(c.id)
			writeJSON(w, http.StatusGone, models.ErrorPayload{Message: "Session closed"})
			return
		case <-timer.C:
			c.touch(p.now())
			writeJSON(w, http.StatusOK, []models.Envelope{})
			return
		case <-r.Context().Done():
			c.touch(p.now())
			return
		}
	}
}

// submit accepts one envelope or an array of them.
func (p *PollTransport) submit(w http.ResponseWriter, r *http.Request) {
	c, ok := p.lookup(w, r)
	if !ok {
		return
	}
	c.touch(p.now())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorPayload{Message: "Invalid message format"})
		return
	}
	var batch []models.Envelope
	if err := json.Unmarshal(body, &batch); err != nil {
		var one models.Envelope
		if err := json.Unmarshal(body, &one); err != nil || one.Event == "" {
			writeJSON(w, http.StatusBadRequest, models.ErrorPayload{Message: "Invalid message format"})
			return
		}
		batch = []models.Envelope{one}
	}
	for _, env := range batch {
		p.manager.HandleEvent(r.Context(), c.id, env)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *PollTransport) close(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	if !p.expire(sid) {
		writeJSON(w, http.StatusNotFound, models.ErrorPayload{Message: "Unknown session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *PollTransport) lookup(w http.ResponseWriter, r *http.Request) (*pollConn, bool) {
	sid := mux.Vars(r)["sid"]
	p.mu.Lock()
	c, ok := p.sessions[sid]
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, models.ErrorPayload{Message: "Unknown session"})
		return nil, false
	}
	return c, true
}

// expire closes the session and clears its memberships.
func (p *PollTransport) expire(sid string) bool {
	p.mu.Lock()
	c, ok := p.sessions[sid]
	delete(p.sessions, sid)
	p.mu.Unlock()
	if !ok {
		return false
	}
	_ = c.Close()
	p.manager.OnDisconnect(sid)
	return true
}

// Sweep drops sessions idle for longer than the TTL or closed by the hub.
func (p *PollTransport) Sweep() int {
	cutoff := p.now().Add(-p.cfg.SessionTTL)
	var stale []string
	p.mu.Lock()
	for id, c := range p.sessions {
		if c.closed() || c.lastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()
	for _, id := range stale {
		p.expire(id)
	}
	if len(stale) > 0 {
		p.logger.Debug("expired polling sessions", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run sweeps periodically until ctx is cancelled.
func (p *PollTransport) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SessionTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

func (p *PollTransport) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

type pollConn struct {
	id     string
	limit  int
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []models.Envelope
	seen  time.Time
}

func newPollConn(id string, limit int, now time.Time) *pollConn {
	return &pollConn{
		id:     id,
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		seen:   now,
	}
}

func (c *pollConn) ID() string { return c.id }

func (c *pollConn) Send(env models.Envelope) error {
	if c.closed() {
		return dispatch.ErrClosed
	}
	c.mu.Lock()
	if len(c.queue) >= c.limit {
		c.mu.Unlock()
		observability.SlowConsumers.Inc()
		return dispatch.ErrBufferFull
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *pollConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pollConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *pollConn) drain() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

func (c *pollConn) touch(t time.Time) {
	c.mu.Lock()
	c.seen = t
	c.mu.Unlock()
}

func (c *pollConn) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}
