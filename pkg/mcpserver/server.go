// Package mcpserver exposes the tool registry over HTTP:
//
//	GET  /health      liveness probe, no auth
//	GET  /mcp/schema  tool descriptions for prompt synchronization
//	POST /mcp         {"name": ..., "arguments": {...}} tool invocation
//
// The server runs as a background task owned by the process; Stop drains
// in-flight requests with a bounded timeout and force-closes past it.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cookareq/cookareq/pkg/events"
	"github.com/cookareq/cookareq/pkg/tools"
)

// DefaultStopTimeout bounds graceful shutdown before force-close.
const DefaultStopTimeout = 5 * time.Second

// Config describes one server instance.
type Config struct {
	Host        string
	Port        int
	BearerToken string // empty disables auth
	Registry    *tools.Registry
	Hub         *events.Hub // nil disables the /ws telemetry endpoint
	Logger      *slog.Logger // nil means slog.Default
	StopTimeout time.Duration
}

// ServerContext carries the mutable collaborators the handlers read. It
// replaces process-wide singletons: the background server owns one instance
// and start/stop transfers ownership, not globals.
type ServerContext struct {
	Registry      *tools.Registry
	ExpectedToken string
	Logger        *slog.Logger
}

// Server is a running (or startable) MCP HTTP server.
type Server struct {
	ctx    *ServerContext
	engine *gin.Engine
	http   *http.Server
	addr   string

	stopTimeout time.Duration
	done        chan error
}

// New builds a server; nothing listens until Start.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	sctx := &ServerContext{
		Registry:      cfg.Registry,
		ExpectedToken: cfg.BearerToken,
		Logger:        logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(accessLogMiddleware(sctx))

	engine.GET("/health", handleHealth)

	authed := engine.Group("/", authMiddleware(sctx))
	authed.GET("/mcp/schema", handleSchema(sctx))
	authed.POST("/mcp", handleInvoke(sctx))
	if cfg.Hub != nil {
		authed.GET("/ws", handleWebSocket(sctx, cfg.Hub))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		ctx:         sctx,
		engine:      engine,
		http:        &http.Server{Addr: addr, Handler: engine},
		addr:        addr,
		stopTimeout: stopTimeout,
		done:        make(chan error, 1),
	}
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string { return s.addr }

// Start binds the listener and serves in the background. The returned error
// reflects bind failures only; serve errors surface through Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("mcp server: listen on %s: %w", s.http.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.ctx.Logger.Info("MCP server listening", "addr", s.addr)
	go func() {
		err := s.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Stop requests graceful shutdown, waiting up to the stop timeout for
// in-flight requests. Past the deadline the listener is force-closed and the
// failure logged; state is torn down regardless.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.ctx.Logger.Warn("MCP server graceful shutdown failed, force-closing", "error", err)
		if closeErr := s.http.Close(); closeErr != nil {
			s.ctx.Logger.Error("MCP server force-close failed", "error", closeErr)
		}
	}

	select {
	case err := <-s.done:
		if err != nil {
			s.ctx.Logger.Error("MCP server exited with error", "error", err)
		}
		return err
	case <-time.After(s.stopTimeout):
		return fmt.Errorf("mcp server: serve loop did not exit within %s", s.stopTimeout)
	}
}
