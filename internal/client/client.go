// Package client is a Go client for the realtime dispatch channel. It keeps
// one websocket open, reconnecting with capped backoff, and restores room
// memberships after every reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/models"
)

var ErrNotConnected = errors.New("client: not connected")

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 5 * time.Second
	writeWait         = 10 * time.Second
)

// Handler receives the data of one server event.
type Handler func(data json.RawMessage)

type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/realtime/ws.
	URL        string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
	// OnState is called with true after each successful connect and
	// false after each disconnect.
	OnState func(connected bool)
}

type Client struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	handlers  map[string][]Handler
	mechanics bool
	tracking  map[string]struct{}

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = DefaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:     opts,
		logger:   logger,
		handlers: make(map[string][]Handler),
		tracking: make(map[string]struct{}),
	}
}

// On registers h for event. Handlers run on the read goroutine.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// JoinMechanicRoom remembers the membership and sends the join now if
// connected. A disconnected client joins on its next connect.
func (c *Client) JoinMechanicRoom() error {
	c.mu.Lock()
	c.mechanics = true
	c.mu.Unlock()
	return c.sendIfConnected(models.EventJoinMechanicRoom, nil)
}

func (c *Client) JoinTrackingRoom(requestID string) error {
	c.mu.Lock()
	c.tracking[requestID] = struct{}{}
	c.mu.Unlock()
	return c.sendIfConnected(models.EventJoinTrackingRoom, requestID)
}

// LeaveTrackingRoom only forgets the membership; the server drops it on
// the next reconnect.
func (c *Client) LeaveTrackingRoom(requestID string) {
	c.mu.Lock()
	delete(c.tracking, requestID)
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit sends one event. It fails with ErrNotConnected rather than queueing.
func (c *Client) Emit(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (c *Client) sendIfConnected(event string, payload any) error {
	if err := c.Emit(event, payload); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Run connects and serves events until ctx is cancelled, reconnecting
// without limit. It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	b := newBackoff(c.opts.MinBackoff, c.opts.MaxBackoff)
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			b.Reset()
			c.serve(ctx, conn)
		} else {
			c.logger.Debug("realtime dial failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.Next()
		c.logger.Debug("realtime reconnecting", zap.Duration("in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	mechanics := c.mechanics
	rooms := make([]string, 0, len(c.tracking))
	for id := range c.tracking {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if mechanics {
		_ = c.Emit(models.EventJoinMechanicRoom, nil)
	}
	for _, id := range rooms {
		_ = c.Emit(models.EventJoinTrackingRoom, id)
	}
	if c.opts.OnState != nil {
		c.opts.OnState(true)
	}

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.logger.Debug("realtime read ended", zap.Error(err))
			break
		}
		c.dispatch(env)
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
	if c.opts.OnState != nil {
		c.opts.OnState(false)
	}
}

func (c *Client) dispatch(env models.Envelope) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(env.Data)
	}
}

// backoff doubles from floor up to ceil.
type backoff struct {
	floor, ceil, cur time.Duration
}

func newBackoff(floor, ceil time.Duration) *backoff { return &backoff{floor: floor, ceil: ceil} }

func (b *backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.floor
		return b.cur
	}
	b.cur *= 2
	if b.cur > b.ceil {
		b.cur = b.ceil
	}
	return b.cur
}

func (b *backoff) Reset() { b.cur = 0 }
