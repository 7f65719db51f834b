package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/lookalike/internal/api/handlers"
	"github.com/eargollo/lookalike/internal/scheduler"
	"github.com/eargollo/lookalike/internal/session"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// NewRouter wires all routes.
func NewRouter(sess *session.Session, sched *scheduler.Scheduler, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	statusH := &handlers.StatusHandler{Session: sess, Sched: sched, Version: version}
	refH := &handlers.ReferenceHandler{Session: sess}
	scansH := &handlers.ScansHandler{Session: sess}
	matchesH := &handlers.MatchesHandler{Session: sess}
	downloadsH := &handlers.DownloadsHandler{Session: sess}
	eventsH := &handlers.EventsHandler{Session: sess}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Put("/reference", refH.Put)
		r.Get("/reference/preview", refH.Preview)

		r.Post("/scans", scansH.Create)
		r.Get("/scans", scansH.List)
		r.Delete("/scans/current", scansH.Cancel)

		r.Get("/matches", matchesH.List)
		r.Get("/matches/{id}/preview", matchesH.Preview)

		r.Post("/downloads", downloadsH.Create)
		r.Get("/downloads/last", downloadsH.Last)
		r.Delete("/downloads/current", downloadsH.Cancel)

		r.Get("/events", eventsH.ServeHTTP)
	})
	return r
}

// New returns a Server ready to Run.
func New(addr string, sess *session.Session, sched *scheduler.Scheduler, version string) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(sess, sched, version),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	// Long-lived event streams end with ctx.
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
