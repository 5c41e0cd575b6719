// Package ws provides WebSocket server functionality for client connections.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/chatrelay/internal/chat"
	"github.com/xiaot623/chatrelay/internal/config"
	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/hub"
	"github.com/xiaot623/chatrelay/internal/protocol"
	"github.com/xiaot623/chatrelay/internal/store"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	chat     *chat.Service
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, svc *chat.Service) *Server {
	return &Server{
		cfg:  cfg,
		hub:  h,
		chat: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers connect from the chat page's origin
				return true
			},
		},
	}
}

// Register mounts the socket endpoint on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// tokenFrom reads the bearer token from the query or the Authorization header.
func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// HandleWebSocket binds the caller's session and then upgrades. A rejected
// token or a refused takeover is answered over plain HTTP.
func (s *Server) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	token := tokenFrom(req)
	socketID := uuid.New().String()

	binding, err := s.chat.Connect(req.Context(), token, socketID)
	if err != nil {
		status, code := rejection(err)
		return c.JSON(status, protocol.ErrorPayload{Code: code, Message: err.Error()})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		log.Warn().Str("component", "ws").Str("socket_id", socketID).Err(err).Msg("failed to upgrade WebSocket")
		if rerr := s.chat.Release(context.Background(), binding); rerr != nil {
			log.Warn().Str("component", "ws").Str("socket_id", socketID).Err(rerr).Msg("failed to release session")
		}
		return nil
	}

	// Create and register connection
	conn := s.hub.NewConnection(ws, socketID, store.Key(token))
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conv := s.chat.Open(binding)
	logger := log.With().
		Str("component", "ws").
		Str("session", domain.Fingerprint(token)).
		Str("socket_id", socketID).
		Logger()

	go s.writePump(conn, logger)
	go s.readPump(conn, conv, logger)

	return nil
}

func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrStopping):
		return http.StatusServiceUnavailable, protocol.ErrorCodeShutdown
	case domain.IsKind(err, domain.KindAuth):
		return http.StatusUnauthorized, protocol.ErrorCodeUnauthorized
	case domain.IsKind(err, domain.KindConflict):
		return http.StatusConflict, protocol.ErrorCodeConflict
	case domain.IsKind(err, domain.KindStore):
		return http.StatusServiceUnavailable, protocol.ErrorCodeStore
	case domain.IsKind(err, domain.KindProvider):
		return http.StatusBadGateway, protocol.ErrorCodeProvider
	default:
		return http.StatusInternalServerError, protocol.ErrorCodeInternal
	}
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection, conv *chat.Conversation, logger zerolog.Logger) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
		conv.Close(context.Background())
		logger.Info().Msg("connection closed")
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}

		s.handleMessage(conn, conv, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection, logger zerolog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, conv *chat.Conversation, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, err.Error())
		return
	}

	switch env.Event {
	case protocol.EventChatMessage:
		var msg protocol.ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid chat message")
			return
		}
		s.handleChatMessage(conn, conv, msg)
	case protocol.EventPageLoaded:
		conv.PageLoaded()
	default:
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "unknown event: "+env.Event)
	}
}

func (s *Server) handleChatMessage(conn *hub.Connection, conv *chat.Conversation, msg protocol.ChatMessage) {
	switch err := conv.Submit(msg); err {
	case nil:
	case chat.ErrTokenMismatch:
		s.sendError(conn, protocol.ErrorCodeUnauthorized, err.Error())
	case chat.ErrBusy:
		s.sendError(conn, protocol.ErrorCodeBusy, err.Error())
	default:
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, err.Error())
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, code, message string) {
	frame, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	s.hub.SendToConnection(conn, frame)
}
