package bus

import (
	"context"
	"sync"
	"time"

	"github.com/shallabuf/collabd/internal/crdt"
	"github.com/shallabuf/collabd/internal/logger"
	"github.com/shallabuf/collabd/internal/storage"
)

const (
	defaultDebounce = 50 * time.Millisecond
	defaultMaxWait  = 500 * time.Millisecond
)

type proxyKey struct {
	appID     string
	channelID string
}

// patchBatch accumulates deltas and recipients for one (app_id, channel_id)
// key between flushes. All of its fields are only ever touched while the
// owning Proxy's mutex is held — there is no independent per-batch lock.
type patchBatch struct {
	patches       [][]byte
	recipients    map[string]struct{}
	lastArrival   time.Time
	debounceTimer *time.Timer
	maxWaitTimer  *time.Timer
}

// Proxy interposes between the Collab Handler and the bus to coalesce
// high-frequency Patches per channel: a debounce timer restarts on every
// arrival and a max-wait timer is armed once per accumulation cycle. Either
// timer flushes only if at least `debounce` has elapsed since the last
// arrival, so a max-wait fire during continuous arrivals does not flush;
// the cycle then flushes once arrivals pause for `debounce`. Each cycle
// produces exactly one flush.
type Proxy struct {
	publisher Publisher
	storage   storage.DocumentStore

	mu      sync.Mutex
	batches map[proxyKey]*patchBatch

	debounce time.Duration
	maxWait  time.Duration
}

func NewProxy(publisher Publisher, store storage.DocumentStore) *Proxy {
	return &Proxy{
		publisher: publisher,
		storage:   store,
		batches:   make(map[proxyKey]*patchBatch),
		debounce:  defaultDebounce,
		maxWait:   defaultMaxWait,
	}
}

// Publish appends delta and recipients to the key's batch and (re)arms its
// timers. It never blocks on I/O.
func (p *Proxy) Publish(appID, channelID string, recipients []string, delta []byte) {
	key := proxyKey{appID: appID, channelID: channelID}

	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[key]
	if !ok {
		b = &patchBatch{recipients: make(map[string]struct{})}
		p.batches[key] = b
	}

	b.patches = append(b.patches, delta)
	for _, r := range recipients {
		b.recipients[r] = struct{}{}
	}
	b.lastArrival = time.Now()

	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.debounceTimer = time.AfterFunc(p.debounce, func() { p.maybeFlush(key) })

	if b.maxWaitTimer == nil {
		b.maxWaitTimer = time.AfterFunc(p.maxWait, func() { p.maybeFlush(key) })
	}
}

// maybeFlush is the timer callback: it only flushes if the last arrival is
// at least `debounce` old, and it atomically claims the batch (removing it
// from the map) so a racing debounce/max-wait fire for the same cycle
// cannot flush twice.
func (p *Proxy) maybeFlush(key proxyKey) {
	p.mu.Lock()
	b, ok := p.batches[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	if time.Since(b.lastArrival) < p.debounce {
		// A newer arrival reset the debounce window; its own timer will
		// eventually fire and flush (or the max-wait timer will).
		p.mu.Unlock()
		return
	}
	delete(p.batches, key)
	p.mu.Unlock()

	b.debounceTimer.Stop()
	b.maxWaitTimer.Stop()
	p.flush(key, b)
}

// flush loads the current document, applies every accumulated delta in
// arrival order, persists the merged full state, and publishes a single
// batched Patch. It runs with the proxy mutex already released.
func (p *Proxy) flush(key proxyKey, b *patchBatch) {
	log := logger.Bus()
	ctx := context.Background()

	existing, err := p.storage.Get(ctx, key.appID, key.channelID)
	var doc *crdt.Document
	if err != nil {
		if err != storage.ErrNotFound {
			log.Error().Err(err).Str("channel_id", key.channelID).Msg("bus proxy: failed to load document for flush")
			return
		}
		doc = crdt.New()
	} else {
		doc, err = crdt.FromUpdate(existing)
		if err != nil {
			log.Error().Err(err).Str("channel_id", key.channelID).Msg("bus proxy: failed to hydrate document for flush")
			return
		}
	}

	for _, delta := range b.patches {
		if err := doc.ApplyDelta(delta); err != nil {
			log.Warn().Err(err).Str("channel_id", key.channelID).Msg("bus proxy: dropping malformed delta in batch")
		}
	}

	merged := doc.StateAsUpdate()
	if err := p.storage.Put(ctx, key.appID, key.channelID, merged); err != nil {
		log.Error().Err(err).Str("channel_id", key.channelID).Msg("bus proxy: failed to persist merged state")
		return
	}

	recipients := make([]string, 0, len(b.recipients))
	for r := range b.recipients {
		recipients = append(recipients, r)
	}

	msg := BroadcastMessage{
		AppID:      key.appID,
		Sender:     "batched",
		ChannelID:  key.channelID,
		Recipients: recipients,
		Payload:    merged,
	}
	if err := p.publisher.Publish(ctx, msg); err != nil {
		log.Error().Err(err).Str("channel_id", key.channelID).Msg("bus proxy: failed to publish batched patch")
	}
}
