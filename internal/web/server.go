// Package web serves the live view: the page, the annotated MJPEG feed and
// the detection counters as JSON and over a websocket.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/andresmejia3/watchlist/internal/pipeline"
	"github.com/andresmejia3/watchlist/internal/tally"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Reporter supplies the counters and recent log lines.
type Reporter interface {
	Report(n int) tally.Report
}

// Monitor supplies the frame loop's health.
type Monitor interface {
	Status() pipeline.Status
}

type Options struct {
	Host         string
	Port         int
	PushInterval time.Duration // websocket push period
	Recent       int           // log lines per report
}

// Server represents the web server
type Server struct {
	opts       Options
	router     *chi.Mux
	httpServer *http.Server
	hub        *FrameHub
	reporter   Reporter
	monitor    Monitor
}

// NewServer creates a new web server
func NewServer(opts Options, hub *FrameHub, reporter Reporter, monitor Monitor) *Server {
	if opts.PushInterval <= 0 {
		opts.PushInterval = time.Second
	}
	if opts.Recent <= 0 {
		opts.Recent = tally.DefaultRecent
	}

	r := chi.NewRouter()
	s := &Server{
		opts:     opts,
		router:   r,
		hub:      hub,
		reporter: reporter,
		monitor:  monitor,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	// No WriteTimeout: /video_feed and /ws stay open for the life of the viewer.
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.index)
	s.router.Get("/video_feed", s.videoFeed)
	s.router.Get("/current_data", s.currentData)
	s.router.Get("/ws", s.live)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(chiMiddleware.Logger)
		r.Use(chiMiddleware.Timeout(30 * time.Second))
		r.Get("/health", s.health)
		r.Get("/status", s.status)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting web server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down web server...")

	// Release streaming handlers first so Shutdown does not wait on them.
	s.hub.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
