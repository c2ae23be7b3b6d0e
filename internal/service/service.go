// Package service exposes the relay over HTTP: live fan-out, status, metrics and the device
// lifecycle hooks used by the device-management service.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/InsulaLabs/relay/internal/backend"
	"github.com/InsulaLabs/relay/internal/buffer"
	"github.com/InsulaLabs/relay/internal/devices"
	"github.com/InsulaLabs/relay/internal/registry"
)

type Lifecycle interface {
	Initialize(ctx context.Context) error
	Apply(ctx context.Context, ev devices.Event) error
}

type LiveHub interface {
	http.Handler
	Clients() int
}

type Liveness interface {
	Status() backend.Status
}

type Subscriptions interface {
	Entries() []registry.Entry
}

type Buffer interface {
	Pending() (int, error)
	List(limit int) ([]buffer.Entry, error)
	Drop(deviceID string) (int, error)
}

type Config struct {
	Logger *slog.Logger
	AppCtx context.Context

	Binding    string
	AdminToken string

	// RateLimit and RateBurst apply per client IP. A limit <= 0 disables limiting.
	RateLimit float64
	RateBurst int

	Hub           LiveHub
	Liveness      Liveness
	Subscriptions Subscriptions
	Buffer        Buffer
	Lifecycle     Lifecycle
	Metrics       http.Handler

	// BreakerState is optional and reported on /status.
	BreakerState func() string
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	limiters *clientLimiters
	router   chi.Router

	startedAt time.Time
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.WithGroup("http"),
		startedAt: time.Now(),
	}
	if cfg.RateLimit > 0 {
		s.limiters = newClientLimiters(cfg.RateLimit, cfg.RateBurst)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/live", s.cfg.Hub.ServeHTTP)
		r.Get("/status", s.statusHandler)
	})
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.requireAdmin)
		r.Post("/devices/events", s.deviceEventHandler)
		r.Post("/devices/resync", s.resyncHandler)
		r.Get("/buffer", s.bufferListHandler)
		r.Delete("/buffer/{deviceID}", s.bufferDropHandler)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			http.Error(w, "admin endpoints are disabled", http.StatusForbidden)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.logger.Warn("unauthorized admin request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until the app context is cancelled, then shuts down with a 5 second grace
// period.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:              s.cfg.Binding,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-s.cfg.AppCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
		if s.limiters != nil {
			s.limiters.stop()
		}
	}()

	s.logger.Info("starting http server", "listen_addr", s.cfg.Binding)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
