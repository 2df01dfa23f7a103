// Package httpapi serves the read-only observability API and the
// WebSocket gateway endpoint.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/common/httpmw"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/gateway/websocket"
)

// Server is the daemon's HTTP server: health, status, session and
// checkpoint listings, process inspection, and the /ws upgrade endpoint.
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer builds the router. wsHandler may be nil when the gateway is
// disabled.
func NewServer(cfg config.ServerConfig, deps Deps, wsHandler *websocket.Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		router: gin.New(),
		logger: log.WithFields(zap.String("component", "http-api")),
	}
	s.router.Use(httpmw.RequestLogger(s.logger, "shannond"))
	s.router.Use(httpmw.OtelTracing("shannond"))

	h := newHandlers(deps, s.logger)

	s.router.GET("/health", h.handleHealth)
	api := s.router.Group("/api/v1")
	{
		api.GET("/health", h.handleHealth)
		api.GET("/status", h.handleStatus)
		api.GET("/sessions", h.handleListSessions)
		api.GET("/sessions/:id", h.handleGetSession)
		api.GET("/sessions/:id/stream", h.handleSessionStream)
		api.GET("/checkpoints", h.handleListCheckpoints)
		api.GET("/processes", h.handleListProcesses)
		api.GET("/processes/:pid/audit", h.handleProcessAudit)
	}
	if wsHandler != nil {
		s.router.GET("/ws", wsHandler.HandleConnection)
	}
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start listens on the configured host/port.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.HTTPHost, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", addr))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
