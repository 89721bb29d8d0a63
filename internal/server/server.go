// Package server hosts the gateway's HTTP listener and the MCP session
// protocol handler served at /mcp.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/reqcontext"
)

// Mounter contributes routes to the root router.
type Mounter interface {
	Mount(r chi.Router)
}

// MountFunc adapts a function to Mounter.
type MountFunc func(r chi.Router)

// Mount calls f(r).
func (f MountFunc) Mount(r chi.Router) { f(r) }

// Server is the loopback HTTP listener shared by /mcp, the OAuth
// endpoints, the control API and /metrics.
type Server struct {
	listen string
	logger *zap.Logger
	root   chi.Router

	mu         sync.RWMutex
	httpServer *http.Server
	addr       string
	running    bool
}

// New builds the root router from mounters. Nothing is bound until Start.
func New(listen string, logger *zap.Logger, mounters ...Mounter) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{listen: listen, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(reqcontext.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	for _, m := range mounters {
		m.Mount(r)
	}
	s.root = r
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.root
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := listenLoopback(s.listen)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.root,
		ReadHeaderTimeout: 60 * time.Second,
		ReadTimeout:       120 * time.Second,
		// Notification streams stay open indefinitely.
		WriteTimeout:   0,
		IdleTimeout:    180 * time.Second,
		MaxHeaderBytes: 1 << 20,
		ConnState:      s.logConnectionState,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr().String()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", zap.String("address", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.logger.Info("HTTP server stopped")
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// IsRunning reports whether the listener is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires, then closes the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("Graceful shutdown incomplete, closing connections", zap.Error(err))
		return srv.Close()
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status_code", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqcontext.RequestID(r.Context())),
		}
		if wrapped.statusCode >= 400 {
			s.logger.Warn("Request completed with error", fields...)
			return
		}
		s.logger.Debug("Request completed", fields...)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (s *Server) logConnectionState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew, http.StateClosed, http.StateHijacked:
		s.logger.Debug("Client connection state changed",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.String("state", state.String()))
	}
}
