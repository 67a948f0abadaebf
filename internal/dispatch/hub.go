package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/bus"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/presence"
)

var (
	ErrNoSession  = errors.New("no realtime session")
	ErrBufferFull = errors.New("send buffer full")
	ErrClosed     = errors.New("connection closed")
)

// Conn is one live client connection, whatever the transport. Send must not
// block on the network.
type Conn interface {
	ID() string
	Send(env models.Envelope) error
	Close() error
}

// Hub delivers room messages arriving on the bus to the connections held by
// this process.
type Hub struct {
	registry *presence.Registry
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[string]Conn
	sub   bus.Subscription
}

func NewHub(registry *presence.Registry, logger *zap.Logger) *Hub {
	if registry == nil {
		registry = presence.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{registry: registry, logger: logger, conns: make(map[string]Conn)}
}

func (h *Hub) Registry() *presence.Registry { return h.registry }

// Start subscribes the hub to b. It returns after the subscription is live.
func (h *Hub) Start(ctx context.Context, b bus.Bus) error {
	sub, err := b.Subscribe(ctx, h.Deliver)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()
	return nil
}

// Stop unsubscribes and closes every connection.
func (h *Hub) Stop() error {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	conns := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	for _, c := range conns {
		_ = c.Close()
		h.Detach(c.ID())
	}
	return err
}

func (h *Hub) Attach(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
	h.registry.Register(c.ID())
}

// Detach forgets the connection and clears its memberships. Safe to call
// more than once.
func (h *Hub) Detach(connID string) []string {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()
	return h.registry.LeaveAll(connID)
}

func (h *Hub) Conn(connID string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendTo writes directly to one local connection.
func (h *Hub) SendTo(connID string, env models.Envelope) error {
	c, ok := h.Conn(connID)
	if !ok {
		return ErrNoSession
	}
	if err := c.Send(env); err != nil {
		h.drop(c, err)
		return err
	}
	return nil
}

// Deliver sends msg to every local member of msg.Room except msg.Except.
// A failing connection is closed and detached; the others still receive it.
func (h *Hub) Deliver(msg bus.Message) {
	env := models.Envelope{Event: msg.Event, Data: msg.Data}
	for _, id := range h.registry.MembersOf(msg.Room) {
		if id == msg.Except {
			continue
		}
		c, ok := h.Conn(id)
		if !ok {
			continue
		}
		if err := c.Send(env); err != nil {
			h.drop(c, err)
		}
	}
}

func (h *Hub) drop(c Conn, err error) {
	h.logger.Warn("realtime send failed; closing connection",
		zap.String("conn_id", c.ID()), zap.Error(err))
	_ = c.Close()
	h.Detach(c.ID())
}
