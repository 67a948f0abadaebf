// Package bus carries room-addressed messages between service instances so
// a broadcast reaches room members connected to any process.
package bus

import (
	"context"
	"encoding/json"
	"sync"
)

// Message is one room broadcast. Except, when set, names a connection that
// must not receive it (the sender).
type Message struct {
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Except string          `json:"except,omitempty"`
}

type Handler func(Message)

type Subscription interface {
	Unsubscribe() error
}

// Bus publishes messages to every subscriber, including the publishing
// instance. Messages from one publisher arrive in publish order.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}

// Local is an in-process bus for single-instance deployments and tests.
// Publish invokes handlers synchronously.
type Local struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

func (l *Local) Publish(_ context.Context, msg Message) error {
	l.mu.RLock()
	hs := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		hs = append(hs, h)
	}
	l.mu.RUnlock()
	for _, h := range hs {
		h(msg)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, h Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.handlers[id] = h
	return localSub{l: l, id: id}, nil
}

type localSub struct {
	l  *Local
	id int
}

func (s localSub) Unsubscribe() error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	delete(s.l.handlers, s.id)
	return nil
}
