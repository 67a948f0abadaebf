package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/dispatch"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
)

const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"

	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

type WSConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

func (c WSConfig) withDefaults() WSConfig {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// WSTransport upgrades HTTP requests to websocket connections and feeds
// their frames to the Manager.
type WSTransport struct {
	manager  *Manager
	verifier *auth.Verifier
	cfg      WSConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSTransport builds the websocket endpoint. verifier may be nil, in
// which case every connection is anonymous.
func NewWSTransport(m *Manager, verifier *auth.Verifier, cfg WSConfig, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	t := &WSTransport{manager: m, verifier: verifier, cfg: cfg, logger: logger}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return t
}

func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := optionalClaims(w, r, t.verifier)
	if !ok {
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan models.Envelope, t.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	t.manager.OnConnect(c, claims, TransportWebsocket)
	go c.writePump(t.cfg.PingInterval, t.logger)
	c.readPump(r.Context(), t.manager, t.cfg.PongWait, t.logger)
}

type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan models.Envelope
	done chan struct{}
	once sync.Once
}

func (c *wsConn) ID() string { return c.id }

// Send queues env for the write pump. A full queue means the client is not
// keeping up; the hub closes such connections.
func (c *wsConn) Send(env models.Envelope) error {
	select {
	case <-c.done:
		return dispatch.ErrClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return dispatch.ErrClosed
	default:
		observability.SlowConsumers.Inc()
		return dispatch.ErrBufferFull
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) readPump(ctx context.Context, m *Manager, pongWait time.Duration, logger *zap.Logger) {
	defer func() {
		m.OnDisconnect(c.id)
		_ = c.Close()
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			m.sendError(c.id, models.ErrorPayload{Message: "Invalid message format"})
			continue
		}
		m.HandleEvent(ctx, c.id, env)
	}
}

func (c *wsConn) writePump(pingInterval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				logger.Debug("websocket write failed", zap.String("conn_id", c.id), zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// optionalClaims authenticates r when it carries a token. A bad token is
// rejected; no token yields an anonymous connection.
func optionalClaims(w http.ResponseWriter, r *http.Request, v *auth.Verifier) (*auth.Claims, bool) {
	if v == nil {
		return nil, true
	}
	if r.Header.Get("Authorization") == "" && r.URL.Query().Get("token") == "" {
		return nil, true
	}
	claims, err := v.FromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, models.ErrorPayload{Message: "Token is not valid"})
		return nil, false
	}
	return claims, true
}

// originChecker allows same-host requests, requests without an Origin
// header, and any origin listed. "*" allows everything.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
