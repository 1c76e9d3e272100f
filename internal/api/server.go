package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/swapbooth/internal/comfy"
	"github.com/seantiz/swapbooth/internal/orchestrator"
	"github.com/seantiz/swapbooth/internal/sink"
	"github.com/seantiz/swapbooth/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Engine is the part of the engine client the HTTP surface uses directly.
// Jobs themselves go through the orchestrator.
type Engine interface {
	UploadImage(ctx context.Context, name string, data []byte) (comfy.ImageRef, error)
	Stats() comfy.Stats
}

// Options configures the HTTP surface.
type Options struct {
	Addr        string
	CORSOrigins []string
	// AssetDir is the root of the template browser. Requests cannot
	// escape it.
	AssetDir string
	// OverlayDir is where uploaded overlays are kept.
	OverlayDir string
	// Printer prints saved results on request. Nil disables the print
	// endpoint.
	Printer sink.Printer
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	store  store.Store
	orch   *orchestrator.Orchestrator
	engine Engine
	sink   sink.ResultSink
	opts   Options
	logger *slog.Logger

	// jobs tracks async swaps until their results are delivered.
	jobs sync.WaitGroup
}

// NewServer creates and configures a new HTTP server. rs receives the
// outcome of every interactive job and may be nil.
func NewServer(opts Options, st store.Store, orch *orchestrator.Orchestrator, eng Engine, rs sink.ResultSink, logger *slog.Logger) *Server {
	if rs == nil {
		rs = sink.Multi{}
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	srv := &Server{
		router: chi.NewRouter(),
		store:  st,
		orch:   orch,
		engine: eng,
		sink:   rs,
		opts:   opts,
		logger: logger,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Post("/v1/swap", s.handleSwap)
	s.router.Post("/v1/swap/async", s.handleAsyncSwap)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/progress", s.handleStreamProgress)
		r.Get("/{id}/result", s.handleGetResult)
		r.Post("/{id}/print", s.handlePrintResult)
	})

	s.router.Get("/v1/templates", s.handleListTemplates)
	s.router.Get("/v1/template", s.handleGetTemplate)
	s.router.Post("/v1/overlay", s.handleUploadOverlay)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Wait blocks until every async swap has been processed and delivered.
func (s *Server) Wait() {
	s.jobs.Wait()
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.opts.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.Wait()

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
