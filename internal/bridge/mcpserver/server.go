// Package mcpserver exposes a conversation endpoint to an external agent as
// MCP tools over SSE and Streamable HTTP transports. Each server instance is
// bound to one endpoint config blob; correlation across calls is by
// conversation id only.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/common/logger"
)

// Config holds the bridge surface configuration.
type Config struct {
	Port int
	// Blob is the endpoint config bound to this surface. It decides which
	// agents a begin_chat_thread call creates.
	Blob string
}

// Server wraps the SSE and Streamable HTTP servers with lifecycle management.
// Both transports share one port:
// - SSE transport (/sse) for clients that speak the older protocol
// - Streamable HTTP transport (/mcp) for current clients
type Server struct {
	cfg                  Config
	manager              *bridge.Manager
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates the bridge surface server.
func New(cfg Config, manager *bridge.Manager, log *logger.Logger) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		logger:  log,
	}
}

// Start starts the server in a goroutine and returns once it is listening.
// The bound config blob is validated here so a bad endpoint fails at boot,
// not on the first call.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	endpointCfg, err := bridge.DecodeEndpointConfig(s.cfg.Blob)
	if err != nil {
		return fmt.Errorf("invalid endpoint config: %w", err)
	}

	mcpServer := server.NewMCPServer(
		"parley-bridge",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.manager, s.cfg.Blob, endpointCfg, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("Bridge surface listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Bridge surface error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server and both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the SSE URL for clients on the older transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
