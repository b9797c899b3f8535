// Package server exposes NEM12 processing over HTTP.
//
// POST /api/nem12/process accepts a NEM12 file, either as the "file" field
// of a multipart form or as the raw request body, and streams one
// server-sent event per batch while the upload is still being read.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"meterflow/internal/logging"
	"meterflow/internal/metrics"
	"meterflow/internal/processor"
	"meterflow/internal/sqlgen"
)

// Defaults applied by New for zero config values.
const (
	DefaultAddr            = ":4580"
	DefaultMaxUploadBytes  = 256 << 20
	DefaultShutdownTimeout = 5 * time.Second
)

const (
	limiterCleanupInterval = time.Minute
	limiterStaleAfter      = 10 * time.Minute
)

// Config holds server configuration.
type Config struct {
	// Addr is the address to listen on (e.g., ":4580", "127.0.0.1:4580").
	Addr string

	// Processor configures the processor of every upload. OnSkip and Logger
	// are ignored.
	Processor processor.Config

	// SQL configures statement rendering for progress events.
	SQL sqlgen.Config

	// MaxUploadBytes caps the request body. Default 256 MiB.
	MaxUploadBytes int64

	// UploadRate is the sustained uploads per second allowed per client IP.
	// Zero disables rate limiting.
	UploadRate float64

	// UploadBurst is the number of uploads a client may make at once.
	UploadBurst int

	// ShutdownTimeout bounds the graceful drain on shutdown.
	ShutdownTimeout time.Duration

	// Metrics, if set, records stream counters and is served on /metrics.
	Metrics *metrics.Metrics

	// Logger for structured logging.
	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg     Config
	gen     *sqlgen.Generator
	limiter *rateLimiter // nil when rate limiting is disabled
	logger  *slog.Logger

	draining atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// New creates a new Server.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	cfg.Processor.OnSkip = nil
	cfg.Processor.Logger = nil

	s := &Server{
		cfg:    cfg,
		gen:    sqlgen.New(cfg.SQL),
		logger: logging.Default(cfg.Logger).With("component", "server"),
	}
	if cfg.UploadRate > 0 {
		s.limiter = newRateLimiter(rate.Limit(cfg.UploadRate), max(1, cfg.UploadBurst))
	}
	return s
}

// Handler returns the routes wrapped for HTTP/2 cleartext.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	var process http.Handler = http.HandlerFunc(s.handleProcess)
	if s.limiter != nil {
		process = s.limiter.limit(process)
	}
	mux.Handle("POST /api/nem12/process", compressMiddleware(process))

	// Readiness for load balancers; fails while draining.
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.Handle("GET /metrics", s.cfg.Metrics.Handler())

	return h2c.NewHandler(mux, &http2.Server{})
}

// Run listens on cfg.Addr and serves until ctx is cancelled, then drains
// in-flight requests for up to cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	var wg sync.WaitGroup
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	if s.limiter != nil {
		s.limiter.startCleanup(cleanupCtx, &wg, limiterCleanupInterval, limiterStaleAfter)
	}
	defer func() {
		stopCleanup()
		wg.Wait()
	}()

	s.logger.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server stopping")
		s.draining.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown incomplete", "error", err)
			_ = server.Close()
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the listener address. Only valid after Run has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// errorResponse is the JSON body of non-streaming error responses.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
