package ws

import (
	"context"

	"github.com/shallabuf/collabd/internal/bus"
	"github.com/shallabuf/collabd/internal/logger"
)

// startBroadcastFanout subscribes conn to the process-wide Fanout and spawns
// a goroutine that writes every matching patch out to the socket. Matching
// means: same app, not self-authored, and this connection's user is among
// the message's recipients. The goroutine exits when ctx is cancelled (on
// connection close) or the fan-out channel closes.
func startBroadcastFanout(ctx context.Context, fanout *Fanout, conn *Connection) {
	ctx, cancel := context.WithCancel(ctx)
	conn.setCancelFanout(cancel)

	in := fanout.Subscribe(conn.ID)

	go func() {
		defer fanout.Unsubscribe(conn.ID)
		log := logger.WebSocket()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if !messageMatchesConnection(msg, conn) {
					continue
				}
				frame := EncodePatch(msg.ChannelID, msg.Payload)
				if err := conn.WriteBinary(frame); err != nil {
					log.Debug().Err(err).Str("connection_id", conn.ID).Msg("broadcast fan-out write failed")
					return
				}
			}
		}
	}()
}

func messageMatchesConnection(msg bus.BroadcastMessage, conn *Connection) bool {
	if msg.AppID != conn.AppID || msg.Sender == conn.UserID {
		return false
	}
	for _, recipient := range msg.Recipients {
		if recipient == conn.UserID {
			return true
		}
	}
	return false
}
