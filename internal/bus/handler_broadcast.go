package bus

import "context"

// BroadcastChannelCapacity bounds the in-process fan-out channel at
// roughly 100 MiB of buffered BroadcastMessage references (256 bytes each
// assumed as an average slot cost), matching the capacity formula in the
// concurrency model. When the channel is full the incoming message is
// dropped for every local subscriber rather than blocking; no subscriber is
// disconnected.
const BroadcastChannelCapacity = (100 * 1024 * 1024) / 256

// BroadcastHandler forwards every bus-delivered BroadcastMessage onto an
// in-process channel that the WebSocket server's broadcast middleware reads
// from to fan out to local sockets.
type BroadcastHandler struct {
	out chan<- BroadcastMessage
}

func NewBroadcastHandler(out chan<- BroadcastMessage) *BroadcastHandler {
	return &BroadcastHandler{out: out}
}

func (h *BroadcastHandler) Handle(_ context.Context, msg BroadcastMessage) error {
	select {
	case h.out <- msg:
	default:
		// Channel full: drop this message rather than block the bus
		// receive loop for every other channel.
	}
	return nil
}
