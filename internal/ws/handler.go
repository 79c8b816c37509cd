package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shallabuf/collabd/internal/crdt"
	apperrors "github.com/shallabuf/collabd/internal/errors"
	"github.com/shallabuf/collabd/internal/logger"
	"github.com/shallabuf/collabd/internal/metrics"
	"github.com/shallabuf/collabd/internal/storage"
)

// PatchPublisher is the narrow capability the Collab Handler needs from the
// Bus Proxy: coalesce-and-publish, never a direct bus send.
type PatchPublisher interface {
	Publish(appID, channelID string, recipients []string, delta []byte)
}

// MetricsRecorder is the narrow capability the Collab Handler needs from the
// metrics sink, so tests can substitute a recording fake for the Postgres-
// backed Collector.
type MetricsRecorder interface {
	RecordDataTransfer(m metrics.DataTransferMetric)
}

// Handler implements the Init/Patch/on_close protocol over the CRDT engine,
// the document store, the bus proxy, and the metrics sink.
type Handler struct {
	storage storage.DocumentStore
	proxy   PatchPublisher
	metrics MetricsRecorder
}

func NewHandler(store storage.DocumentStore, proxy PatchPublisher, recorder MetricsRecorder) *Handler {
	return &Handler{storage: store, proxy: proxy, metrics: recorder}
}

// HandleText dispatches a parsed text-frame message.
func (h *Handler) HandleText(ctx context.Context, conn *Connection, msg IncomingMessage) error {
	switch msg.Type {
	case msgTypeInit:
		return h.handleInit(ctx, conn, msg.ChannelID, msg.InitState)
	case msgTypePatch:
		return h.handlePatch(ctx, conn, msg.ChannelID, msg.Delta)
	default:
		return apperrors.ProtocolError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// HandleBinary dispatches a parsed binary frame.
func (h *Handler) HandleBinary(ctx context.Context, conn *Connection, data []byte) error {
	frame, err := parseBinaryFrame(data)
	if err != nil {
		return apperrors.ProtocolError(err.Error())
	}
	switch frame.Type {
	case binaryTypeInitScan:
		return h.handleInit(ctx, conn, frame.ChannelID, frame.Payload)
	case binaryTypePatch:
		return h.handlePatch(ctx, conn, frame.ChannelID, frame.Payload)
	default:
		return apperrors.ProtocolError(fmt.Sprintf("unknown binary frame type %d", frame.Type))
	}
}

func (h *Handler) handleInit(ctx context.Context, conn *Connection, channelID string, initState []byte) error {
	log := logger.Collab()
	conn.AddChannel(channelID)

	existing, err := h.storage.Get(ctx, conn.AppID, channelID)
	var stateUpdate []byte

	switch {
	case err == nil:
		doc, hydrateErr := crdt.FromUpdate(existing)
		if hydrateErr != nil {
			return apperrors.StorageError(hydrateErr)
		}
		prevVector := doc.StateVector()
		recipients := doc.Members()

		alreadyMember := false
		for _, m := range recipients {
			if m == conn.UserID {
				alreadyMember = true
			}
		}
		if alreadyMember {
			// Repeated Init: nothing to add or publish, just re-send the Scan.
			stateUpdate = doc.StateAsUpdate()
			break
		}

		if insertErr := doc.InsertValue([]string{"members", conn.UserID}, map[string]any{}); insertErr != nil {
			return apperrors.StorageError(insertErr)
		}
		memberUpdate := doc.ToUpdate(prevVector)
		stateUpdate = doc.StateAsUpdate()

		if putErr := h.storage.Put(ctx, conn.AppID, channelID, stateUpdate); putErr != nil {
			return apperrors.StorageError(putErr)
		}
		if len(recipients) > 0 {
			h.proxy.Publish(conn.AppID, channelID, recipients, memberUpdate)
		}

	case err == storage.ErrNotFound:
		doc := crdt.New()
		var init any = map[string]any{}
		if len(initState) > 0 {
			if unmarshalErr := json.Unmarshal(initState, &init); unmarshalErr != nil {
				return apperrors.ProtocolError("invalid init_state JSON: " + unmarshalErr.Error())
			}
		}
		if insertErr := doc.InsertValue([]string{"state"}, init); insertErr != nil {
			return apperrors.StorageError(insertErr)
		}
		if insertErr := doc.InsertValue([]string{"members", conn.UserID}, map[string]any{}); insertErr != nil {
			return apperrors.StorageError(insertErr)
		}
		stateUpdate = doc.StateAsUpdate()
		if putErr := h.storage.Put(ctx, conn.AppID, channelID, stateUpdate); putErr != nil {
			return apperrors.StorageError(putErr)
		}

	default:
		return apperrors.StorageError(err)
	}

	reply := EncodeScan(channelID, stateUpdate)
	if writeErr := conn.WriteBinary(reply); writeErr != nil {
		return fmt.Errorf("ws: write scan reply: %w", writeErr)
	}

	h.metrics.RecordDataTransfer(metrics.DataTransferMetric{
		ConnectionID:     conn.ID,
		ChannelID:        channelID,
		MessageType:      metrics.MessageTypeInit,
		MessageSizeBytes: len(reply),
		RecipientCount:   1,
		CreatedAt:        time.Now(),
	})
	log.Debug().Str("channel_id", channelID).Str("user_id", conn.UserID).Msg("init handled")
	return nil
}

func (h *Handler) handlePatch(ctx context.Context, conn *Connection, channelID string, delta []byte) error {
	existing, err := h.storage.Get(ctx, conn.AppID, channelID)
	if err == storage.ErrNotFound {
		return apperrors.NoSuchDocument(channelID)
	}
	if err != nil {
		return apperrors.StorageError(err)
	}

	doc, err := crdt.FromUpdate(existing)
	if err != nil {
		return apperrors.StorageError(err)
	}

	var recipients []string
	for _, m := range doc.Members() {
		if m != conn.UserID {
			recipients = append(recipients, m)
		}
	}

	h.proxy.Publish(conn.AppID, channelID, recipients, delta)

	h.metrics.RecordDataTransfer(metrics.DataTransferMetric{
		ConnectionID:     conn.ID,
		ChannelID:        channelID,
		MessageType:      metrics.MessageTypePatch,
		MessageSizeBytes: len(delta),
		RecipientCount:   len(recipients),
		CreatedAt:        time.Now(),
	})
	return nil
}

// OnClose runs channel-member cleanup for every channel this connection had
// Init'd. It is only invoked once the user's last connection for
// (app_id, user_id) has closed, per the Session Registry's count() gate.
func (h *Handler) OnClose(ctx context.Context, conn *Connection) {
	log := logger.Collab()
	for _, channelID := range conn.Channels() {
		existing, err := h.storage.Get(ctx, conn.AppID, channelID)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("channel_id", channelID).Msg("on_close: failed to load document")
			continue
		}

		doc, err := crdt.FromUpdate(existing)
		if err != nil {
			log.Error().Err(err).Str("channel_id", channelID).Msg("on_close: failed to hydrate document")
			continue
		}
		prevVector := doc.StateVector()
		if err := doc.RemoveMember(conn.UserID); err != nil {
			log.Error().Err(err).Str("channel_id", channelID).Msg("on_close: failed to remove member")
			continue
		}
		patch := doc.ToUpdate(prevVector)
		members := doc.Members()

		if len(members) == 0 {
			if err := h.storage.Delete(ctx, conn.AppID, channelID); err != nil {
				log.Error().Err(err).Str("channel_id", channelID).Msg("on_close: failed to delete empty document")
			}
			continue
		}

		fullState := doc.StateAsUpdate()
		if err := h.storage.Put(ctx, conn.AppID, channelID, fullState); err != nil {
			log.Error().Err(err).Str("channel_id", channelID).Msg("on_close: failed to persist document")
			continue
		}
		h.proxy.Publish(conn.AppID, channelID, members, patch)
	}
}
