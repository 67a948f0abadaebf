package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus fans messages out over one NATS subject. NATS delivers messages
// of a subscription serially, which keeps per-publisher order.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

func NewNATSBus(conn *nats.Conn, subject string, logger *zap.Logger) *NATSBus {
	if subject == "" {
		subject = "mechanic-dispatch.rooms"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBus{conn: conn, subject: subject, logger: logger}
}

func (b *NATSBus) Publish(_ context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	return b.conn.PublishMsg(&nats.Msg{Subject: b.subject, Data: payload, Header: nats.Header{
		"x-event-type": {msg.Event},
		"x-room":       {msg.Room},
	}})
}

func (b *NATSBus) Subscribe(_ context.Context, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("bus: dropping malformed message", zap.Error(err))
			return
		}
		h(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", b.subject, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return sub, nil
}
