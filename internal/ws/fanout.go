package ws

import (
	"sync"

	"github.com/shallabuf/collabd/internal/bus"
)

// subscriberCapacity bounds each connection's private fan-out queue. A full
// queue means that one connection's broadcast middleware goroutine isn't
// draining fast enough; the message is dropped for that subscriber only.
const subscriberCapacity = 256

// Fanout redistributes every BroadcastMessage the bus delivers to this
// process out to the set of locally-held connections. It sits between the
// single channel the bus's BroadcastHandler writes into and the many
// per-connection broadcast middleware goroutines that read from it.
type Fanout struct {
	mu          sync.Mutex
	subscribers map[string]chan bus.BroadcastMessage
}

func NewFanout() *Fanout {
	return &Fanout{subscribers: make(map[string]chan bus.BroadcastMessage)}
}

// Subscribe registers connectionID for fan-out delivery and returns the
// channel to read from. Unsubscribe must be called exactly once when the
// connection closes.
func (f *Fanout) Subscribe(connectionID string) <-chan bus.BroadcastMessage {
	ch := make(chan bus.BroadcastMessage, subscriberCapacity)
	f.mu.Lock()
	f.subscribers[connectionID] = ch
	f.mu.Unlock()
	return ch
}

func (f *Fanout) Unsubscribe(connectionID string) {
	f.mu.Lock()
	ch, ok := f.subscribers[connectionID]
	delete(f.subscribers, connectionID)
	f.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Run drains in and republishes every message to all current subscribers
// until in is closed. It never blocks on a slow subscriber.
func (f *Fanout) Run(in <-chan bus.BroadcastMessage) {
	for msg := range in {
		f.mu.Lock()
		for _, ch := range f.subscribers {
			select {
			case ch <- msg:
			default:
			}
		}
		f.mu.Unlock()
	}
}
