// Package bus implements the transport-agnostic publish/subscribe message
// bus: a Transport (bytes in, bytes out), a Processor (codec), and a Handler
// (what to do with a received message), composed by Bus. The only message
// variant carried is BroadcastMessage/Patch.
package bus

import (
	"context"
	"fmt"

	"github.com/shallabuf/collabd/internal/logger"
)

// BroadcastMessage is the sole message variant this bus carries: a CRDT
// patch (or batched full-state update) destined for a set of recipients
// within one app and channel.
type BroadcastMessage struct {
	AppID      string   `json:"appId"`
	Sender     string   `json:"sender"`
	ChannelID  string   `json:"channelId"`
	Recipients []string `json:"recipients"`
	Payload    []byte   `json:"payload"`
}

// Transport publishes and subscribes to raw byte payloads on a subject.
// NatsTransport is the production implementation; tests can substitute an
// in-process fake.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, onMessage func([]byte)) (unsubscribe func() error, err error)
}

// Processor serializes and deserializes BroadcastMessage to bytes.
type Processor interface {
	Serialize(msg BroadcastMessage) ([]byte, error)
	Deserialize(data []byte) (BroadcastMessage, error)
}

// Handler reacts to a BroadcastMessage received from the transport.
type Handler interface {
	Handle(ctx context.Context, msg BroadcastMessage) error
}

// Publisher is the narrow capability the rest of the collaboration core
// depends on to emit a BroadcastMessage without knowing about transport or
// codec details.
type Publisher interface {
	Publish(ctx context.Context, msg BroadcastMessage) error
}

// broadcastSubjectSuffix is appended to the app ID to form each app's
// publish subject ("{appID}.broadcast.patch"); Start subscribes with the
// wildcard "*.broadcast.>" so it receives every app's traffic.
const broadcastSubjectSuffix = "broadcast.patch"

func broadcastSubject(appID string) string {
	return fmt.Sprintf("%s.%s", appID, broadcastSubjectSuffix)
}

// Bus wires a Transport, Processor and Handler together: Start runs the
// receive loop until the transport fails, Publish serializes and sends.
type Bus struct {
	transport Transport
	processor Processor
	handler   Handler
}

func New(transport Transport, processor Processor, handler Handler) *Bus {
	return &Bus{transport: transport, processor: processor, handler: handler}
}

// Start subscribes to the broadcast wildcard subject and dispatches every
// received message to the handler. It runs until ctx is cancelled or the
// transport reports a failure; callers typically run it in its own
// goroutine at process startup.
func (b *Bus) Start(ctx context.Context) error {
	log := logger.Bus()
	unsubscribe, err := b.transport.Subscribe(ctx, "*.broadcast.>", func(data []byte) {
		msg, err := b.processor.Deserialize(data)
		if err != nil {
			log.Error().Err(err).Msg("failed to deserialize broadcast message")
			return
		}
		if err := b.handler.Handle(ctx, msg); err != nil {
			log.Error().Err(err).Str("channel_id", msg.ChannelID).Msg("handler failed for broadcast message")
		}
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe: %w", err)
	}
	<-ctx.Done()
	return unsubscribe()
}

// Publish serializes msg and publishes it on its app-scoped subject.
func (b *Bus) Publish(ctx context.Context, msg BroadcastMessage) error {
	data, err := b.processor.Serialize(msg)
	if err != nil {
		return fmt.Errorf("bus: serialize: %w", err)
	}
	if err := b.transport.Publish(ctx, broadcastSubject(msg.AppID), data); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}
