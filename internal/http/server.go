// Package http provides the internal HTTP server: health and out-of-band
// pushes to connected clients.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/chatrelay/internal/hub"
	"github.com/xiaot623/chatrelay/internal/logging"
	"github.com/xiaot623/chatrelay/internal/protocol"
	"github.com/xiaot623/chatrelay/internal/store"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the internal HTTP server.
type Server struct {
	echo  *echo.Echo
	hub   *hub.Hub
	store Pinger
}

// NewServer creates a new internal HTTP server. st may be nil when the store
// has nothing to ping.
func NewServer(h *hub.Hub, st Pinger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(logging.RequestLogger("http"))
	e.Use(middleware.Recover())

	s := &Server{
		echo:  e,
		hub:   h,
		store: st,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.POST("/internal/send", s.handleInternalSend)

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	status, code := "healthy", http.StatusOK
	body := map[string]interface{}{
		"connections": s.hub.GetConnectionCount(),
		"sessions":    s.hub.GetSessionCount(),
	}
	if s.store != nil {
		if err := s.store.Ping(c.Request().Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			body["store_error"] = err.Error()
		}
	}
	body["status"] = status
	return c.JSON(code, body)
}

// SendRequest represents the request body for POST /internal/send. Exactly
// one of SocketID or Token addresses the recipient.
type SendRequest struct {
	SocketID string          `json:"socket_id"`
	Token    string          `json:"token"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// SendResponse represents the response for POST /internal/send.
type SendResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

// handleInternalSend pushes one event frame to a connected client.
func (s *Server) handleInternalSend(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.Event == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event is required"})
	}
	if (req.SocketID == "") == (req.Token == "") {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "exactly one of socket_id or token is required"})
	}

	frame, err := json.Marshal(protocol.Envelope{Event: req.Event, Data: req.Data})
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "data is not valid JSON"})
	}

	logger := log.With().Str("component", "http").Str("event", req.Event).Logger()

	if req.SocketID != "" {
		err := s.hub.SendTo(req.SocketID, frame)
		logger.Debug().Str("socket_id", req.SocketID).Bool("delivered", err == nil).Msg("event sent to socket")
		return c.JSON(http.StatusOK, SendResponse{OK: true, Delivered: err == nil})
	}

	key := store.Key(req.Token)
	delivered := s.hub.HasActiveConnections(key)
	s.hub.Broadcast(key, frame)
	logger.Debug().Bool("delivered", delivered).Msg("event sent to session")

	return c.JSON(http.StatusOK, SendResponse{
		OK:        true,
		Delivered: delivered,
	})
}
