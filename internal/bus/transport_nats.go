package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsTransport implements Transport over a NATS connection, grounded on
// the reconnect-aware connection options the codebase already used for its
// NATS subscriber before that surface was replaced with direct WebSocket
// delivery.
type NatsTransport struct {
	conn *nats.Conn
}

// NatsConfig holds the server URL NewNatsTransport dials. The connection
// retries without limit, waiting nats.DefaultReconnectWait between attempts.
type NatsConfig struct {
	URL string
}

func NewNatsTransport(cfg NatsConfig) (*NatsTransport, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(nats.DefaultReconnectWait),
		nats.Name("collabd"),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect nats: %w", err)
	}
	return &NatsTransport{conn: conn}, nil
}

func (t *NatsTransport) Publish(_ context.Context, subject string, data []byte) error {
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: nats publish %s: %w", subject, err)
	}
	return nil
}

func (t *NatsTransport) Subscribe(ctx context.Context, subject string, onMessage func([]byte)) (func() error, error) {
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		onMessage(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: nats subscribe %s: %w", subject, err)
	}
	return func() error {
		return sub.Unsubscribe()
	}, nil
}

func (t *NatsTransport) Close() {
	t.conn.Close()
}
