package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shallabuf/collabd/internal/crdt"
	"github.com/shallabuf/collabd/internal/storage"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []BroadcastMessage
}

func (r *recordingPublisher) Publish(_ context.Context, msg BroadcastMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingPublisher) snapshot() []BroadcastMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BroadcastMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func TestProxyCoalescesBurstIntoSingleFlush(t *testing.T) {
	store := storage.NewMemoryDocumentStore()
	pub := &recordingPublisher{}
	proxy := NewProxy(pub, store)
	proxy.debounce = 10 * time.Millisecond
	proxy.maxWait = 100 * time.Millisecond

	doc := crdt.New()
	require.NoError(t, doc.InsertValue([]string{"state"}, map[string]any{"n": 0}))
	require.NoError(t, doc.InsertValue([]string{"members", "u1"}, map[string]any{}))
	require.NoError(t, doc.InsertValue([]string{"members", "u2"}, map[string]any{}))
	require.NoError(t, store.Put(context.Background(), "app1", "chan1", doc.StateAsUpdate()))

	for i := 0; i < 10; i++ {
		delta := crdt.New()
		_ = delta.InsertValue([]string{"state"}, map[string]any{"n": i + 1})
		proxy.Publish("app1", "chan1", []string{"u1", "u2"}, delta.StateAsUpdate())
		time.Sleep(4 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	msgs := pub.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "batched", msgs[0].Sender)
	assert.ElementsMatch(t, []string{"u1", "u2"}, msgs[0].Recipients)
}
