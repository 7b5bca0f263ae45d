// Package web serves the device's health, status and metrics over HTTP.
package web

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/kitmage/jarvipy/internal/state"
)

// StatusSource is the state controller as seen by the status endpoints.
type StatusSource interface {
	Snapshot() state.Snapshot
}

type Config struct {
	Addr     string
	Version  string
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Clock    clock.Clock
}

type Server struct {
	app     *fiber.App
	cfg     Config
	source  StatusSource
	started time.Time
}

type HealthResponse struct {
	Status  string      `json:"status"`
	State   state.State `json:"state"`
	UptimeS int64       `json:"uptime_s"`
	Version string      `json:"version,omitempty"`
}

func NewServer(cfg Config, source StatusSource) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	s := &Server{
		cfg:     cfg,
		source:  source,
		started: cfg.Clock.Now(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "jarvipy",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	app.Get("/health", s.handleHealth)
	app.Get("/status", s.handleStatus)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	s.app = app
	return s
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	snap := s.source.Snapshot()
	return c.JSON(HealthResponse{
		Status:  "ok",
		State:   snap.State,
		UptimeS: int64(s.cfg.Clock.Now().Sub(s.started).Seconds()),
		Version: s.cfg.Version,
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.source.Snapshot())
}

// App exposes the fiber app for in-process requests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens until ctx is done, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("Status server listening")
		errc <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Status server shutdown")
		}
		return nil
	}
}
