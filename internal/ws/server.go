// Package ws implements the multi-tenant collaboration WebSocket server: the
// upgrade/auth/fan-out middleware chain, the Init/Patch/on_close protocol
// (Handler), and the per-process broadcast Fanout.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shallabuf/collabd/internal/auth"
	apperrors "github.com/shallabuf/collabd/internal/errors"
	"github.com/shallabuf/collabd/internal/logger"
	"github.com/shallabuf/collabd/internal/presence"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// ConnectionRecorder is the narrow capability the Server needs from the
// metrics sink, so tests can substitute a recording fake for the Postgres-
// backed Collector.
type ConnectionRecorder interface {
	RecordConnectionStart(appID, connectionID string)
	RecordConnectionEnd(connectionID string)
}

// Server upgrades incoming HTTP requests to WebSocket connections, runs the
// auth and broadcast-fan-out middleware, and dispatches frames to Handler.
type Server struct {
	upgrader  websocket.Upgrader
	validator *auth.Validator
	sessions  presence.SessionHandler
	handler   *Handler
	fanout    *Fanout
	metrics   ConnectionRecorder
}

func NewServer(validator *auth.Validator, sessions presence.SessionHandler, handler *Handler, fanout *Fanout, collector ConnectionRecorder) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		validator: validator,
		sessions:  sessions,
		handler:   handler,
		fanout:    fanout,
		metrics:   collector,
	}
}

// ServeHTTP upgrades the connection, authenticates it, registers it with the
// session registry and broadcast fan-out, and runs the read loop until the
// socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WebSocket()

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connectionID := uuid.NewString()
	conn := newConnection(connectionID, socket)

	id, ok := authenticate(s.validator, r, conn)
	if !ok {
		_ = conn.Close()
		return
	}
	conn.AppID = id.AppID
	conn.UserID = id.UserID

	ctx, cancelConn := context.WithCancel(r.Context())
	defer cancelConn()

	if err := s.sessions.Add(ctx, conn.AppID, conn.UserID, conn.ID); err != nil {
		log.Error().Err(err).Msg("failed to register session")
		_ = conn.Close()
		return
	}

	s.metrics.RecordConnectionStart(conn.AppID, conn.ID)

	startBroadcastFanout(ctx, s.fanout, conn)

	socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go s.pingLoop(ctx, conn)

	s.readLoop(ctx, conn)

	conn.stopFanout()
	s.metrics.RecordConnectionEnd(conn.ID)

	if err := s.sessions.Remove(ctx, conn.AppID, conn.UserID, conn.ID); err != nil {
		log.Error().Err(err).Msg("failed to remove session")
	}
	remaining, err := s.sessions.Count(ctx, conn.AppID, conn.UserID)
	if err != nil {
		log.Error().Err(err).Msg("failed to count sessions")
		remaining = 0
	}
	if remaining == 0 {
		s.handler.OnClose(context.Background(), conn)
	}
	_ = conn.Close()
}

func (s *Server) pingLoop(ctx context.Context, conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.writeMu.Lock()
			conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.socket.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *Connection) {
	log := logger.WebSocket()
	for {
		msgType, data, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", conn.ID).Msg("websocket closed unexpectedly")
			}
			return
		}
		conn.socket.SetReadDeadline(time.Now().Add(pongWait))

		var handleErr error
		switch msgType {
		case websocket.TextMessage:
			var incoming IncomingMessage
			if unmarshalErr := json.Unmarshal(data, &incoming); unmarshalErr != nil {
				handleErr = apperrors.ProtocolError("malformed text frame: " + unmarshalErr.Error())
			} else {
				handleErr = s.handler.HandleText(ctx, conn, incoming)
			}
		case websocket.BinaryMessage:
			handleErr = s.handler.HandleBinary(ctx, conn, data)
		default:
			continue
		}

		if handleErr == nil {
			continue
		}
		if s.dispatchError(conn, handleErr) {
			return
		}
	}
}

// dispatchError logs a handler error and always reports that the connection
// should be terminated: the collaboration path recovers nothing locally, so
// every error — a protocol violation, a Patch against a missing document, a
// storage/bus failure, or anything unexpected — closes the socket. Protocol
// errors close silently; every other AppError gets an error frame first, the
// same as an auth rejection during the upgrade handshake.
func (s *Server) dispatchError(conn *Connection, err error) (terminate bool) {
	log := logger.WebSocket()
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("unexpected handler error, closing connection")
		return true
	}
	if appErr.Code != apperrors.ErrCodeProtocolError {
		_ = conn.WriteJSON(appErr.ToFrame())
	}
	log.Warn().Err(appErr).Str("connection_id", conn.ID).Msg("handler error, closing connection")
	return true
}
