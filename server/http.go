// Package server provides the HTTP server for the page cache.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/wolfeidau/pagecache/config"
	"github.com/wolfeidau/pagecache/dispatch"
	"github.com/wolfeidau/pagecache/score"
	"github.com/wolfeidau/pagecache/store"
	"github.com/wolfeidau/pagecache/telemetry"
	"github.com/wolfeidau/pagecache/traffic"
	"github.com/wolfeidau/pagecache/warm"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Origin is the upstream base URL pages are generated from
	Origin string

	// StoragePath is the root path for cached pages
	StoragePath string

	// ConfigPath is an optional YAML config file. When set it is loaded
	// and watched for changes; when empty defaults apply.
	ConfigPath string

	// RedisAddr enables the shared Redis traffic recorder. When empty
	// traffic is tracked in process memory.
	RedisAddr string

	// Tenant is the namespace used when requests carry no X-Tenant header
	Tenant string

	// AuthToken grants full access to control endpoints.
	// Empty disables authentication entirely.
	AuthToken string

	// ReadToken grants access to read-only control endpoints
	ReadToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the page cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store      *store.Store
	recorder   traffic.Recorder
	provider   *config.Provider
	dispatcher *dispatch.Dispatcher
	warmer     *warm.Warmer
	cron       *cron.Cron
	origin     *url.URL
	client     *http.Client
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.Origin == "" {
		return nil, fmt.Errorf("origin is required")
	}

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL: %s", cfg.Origin)
	}

	var provider *config.Provider
	if cfg.ConfigPath != "" {
		provider, err = config.NewProvider(cfg.ConfigPath, config.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	} else {
		provider = config.NewStatic(config.Default())
	}

	st, err := store.New(cfg.StoragePath, store.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var recorder traffic.Recorder
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		recorder = traffic.NewRedis(client)
	} else {
		recorder = traffic.NewMemory()
	}

	engine := score.New(score.WithLogger(cfg.Logger))
	dispatcher := dispatch.New(st, recorder, engine, provider, dispatch.WithLogger(cfg.Logger))

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger.With("component", "server"),
		store:      st,
		recorder:   recorder,
		provider:   provider,
		dispatcher: dispatcher,
		origin:     origin,
		client:     &http.Client{},
	}

	snapshot := provider.Snapshot()
	s.warmer = warm.New(warm.FetcherFunc(s.warmFetch),
		warm.WithConcurrency(snapshot.Warm.Concurrency),
		warm.WithTimeout(snapshot.Warm.Timeout.Std()),
		warm.WithLogger(cfg.Logger),
	)

	// Schedules are fixed at startup; the URL list and rules still follow
	// config reloads because jobs snapshot at run time.
	s.cron = cron.New()
	if snapshot.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(snapshot.SweepSchedule, s.runSweep); err != nil {
			return nil, fmt.Errorf("sweep schedule: %w", err)
		}
	}
	if snapshot.Warm.Schedule != "" {
		if _, err := s.cron.AddFunc(snapshot.Warm.Schedule, s.runScheduledWarm); err != nil {
			return nil, fmt.Errorf("warm schedule: %w", err)
		}
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.loggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Control endpoints
	mux.Handle("GET /cache/stats", s.requireAuth(capabilityRead, http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /cache/info", s.requireAuth(capabilityRead, http.HandlerFunc(s.handleInfo)))
	mux.Handle("POST /cache/flush", s.requireAuth(capabilityAdmin, http.HandlerFunc(s.handleFlush)))
	mux.Handle("POST /cache/warm", s.requireAuth(capabilityAdmin, http.HandlerFunc(s.handleWarm)))

	// Everything else is the serving path
	mux.Handle("GET /{page...}", http.HandlerFunc(s.handleServe))
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// runSweep deletes expired entries. Triggered on the configured schedule.
func (s *Server) runSweep() {
	ctx := context.Background()
	result, err := s.store.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	telemetry.RecordSweep(ctx, result.Deleted, result.Duration)
	if result.Deleted > 0 || result.Errors > 0 {
		s.logger.Info("sweep complete",
			"deleted", result.Deleted,
			"bytes_freed", result.BytesFreed,
			"errors", result.Errors,
			"duration", result.Duration.String(),
		)
	}
}

// runScheduledWarm enqueues the configured URL list and drains the queue.
func (s *Server) runScheduledWarm() {
	urls := s.provider.Snapshot().Warm.URLs
	if len(urls) == 0 {
		return
	}
	added := s.warmer.Enqueue(s.config.Tenant, urls, 0)
	s.logger.Info("scheduled warm", "urls", len(urls), "enqueued", added)
	result := s.warmer.Run(context.Background())
	s.logger.Info("scheduled warm complete",
		"fetched", result.Fetched,
		"failed", result.Failed,
		"duration", result.Duration.String(),
	)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result and tenant
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Tenant != "" {
			attrs = append(attrs, "tenant", tags.Tenant)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server. It blocks until the listener fails or the
// server is shut down.
func (s *Server) Start() error {
	if s.config.ConfigPath != "" {
		if err := s.provider.Watch(context.Background()); err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
	}
	s.cron.Start()

	s.logger.Info("starting server", "address", s.config.Address, "origin", s.origin.String())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	_ = s.provider.Close()

	err := s.httpServer.Shutdown(ctx)

	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
