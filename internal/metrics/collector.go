package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shallabuf/collabd/internal/logger"
)

const (
	batchSize     = 100
	flushInterval = 5 * time.Second
)

type eventKind int

const (
	eventConnectionStart eventKind = iota
	eventConnectionEnd
	eventDataTransfer
)

type event struct {
	kind         eventKind
	appID        string
	connectionID string
	metric       DataTransferMetric
	at           time.Time
}

// Collector is the single-producer-multi-consumer front door for metrics: a
// buffered channel feeding one background worker goroutine per process.
// Sends never block: a caller on the WebSocket hot path must never stall on
// a slow or unreachable metrics database, so a full buffer drops the event
// and logs a warning instead of blocking. Loss is acceptable for
// data-transfer rows (in-memory batch) and, under sustained backpressure,
// for connection rows too — metrics failures never fail the user path.
type Collector struct {
	events chan event
	repo   *Repository
	done   chan struct{}
}

// NewCollector starts the background worker and returns a ready Collector.
func NewCollector(repo *Repository) *Collector {
	c := &Collector{
		events: make(chan event, 4096),
		repo:   repo,
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

// RecordConnectionStart inserts a connection_session row immediately.
func (c *Collector) RecordConnectionStart(appID, connectionID string) {
	c.send(event{kind: eventConnectionStart, appID: appID, connectionID: connectionID, at: time.Now()})
}

// RecordConnectionEnd closes the connection_session row, computing duration.
func (c *Collector) RecordConnectionEnd(connectionID string) {
	c.send(event{kind: eventConnectionEnd, connectionID: connectionID, at: time.Now()})
}

// RecordDataTransfer appends a row to the in-memory flush batch.
func (c *Collector) RecordDataTransfer(m DataTransferMetric) {
	c.send(event{kind: eventDataTransfer, metric: m})
}

// send is non-blocking: a caller never stalls on metrics backpressure.
func (c *Collector) send(ev event) {
	select {
	case c.events <- ev:
	default:
		logger.Metrics().Warn().Int("kind", int(ev.kind)).Msg("metrics event dropped, buffer full")
	}
}

// Close stops accepting new events, drains the current batch, and waits for
// the worker to exit.
func (c *Collector) Close() {
	close(c.events)
	<-c.done
}

func (c *Collector) run() {
	defer close(c.done)
	log := logger.Metrics()
	ctx := context.Background()

	batch := make([]DataTransferMetric, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.repo.RecordDataTransferBatch(ctx, batch); err != nil {
			log.Error().Err(err).Int("batch_size", len(batch)).Msg("failed to flush data transfer batch")
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				flush()
				return
			}
			switch ev.kind {
			case eventConnectionStart:
				err := c.repo.CreateConnectionSession(ctx, ConnectionSession{
					ID:           uuid.NewString(),
					AppID:        ev.appID,
					ConnectionID: ev.connectionID,
					ConnectedAt:  ev.at,
				})
				if err != nil {
					log.Error().Err(err).Str("connection_id", ev.connectionID).Msg("failed to record connection start")
				}
			case eventConnectionEnd:
				if err := c.repo.CloseConnectionSession(ctx, ev.connectionID, ev.at); err != nil {
					log.Error().Err(err).Str("connection_id", ev.connectionID).Msg("failed to record connection end")
				}
			case eventDataTransfer:
				batch = append(batch, ev.metric)
				if len(batch) >= batchSize {
					flush()
				}
			}
		case <-ticker.C:
			flush()
		}
	}
}
