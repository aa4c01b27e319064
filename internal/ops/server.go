// Package ops serves the operational HTTP endpoints of a worker process:
// health probes, build version, engine statistics and Prometheus metrics.
package ops

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/worker"
)

// Options configures a Server. Nil sources leave their part of /stats out.
type Options struct {
	Version string

	Metrics  *api.BasicMetrics
	Queue    interface{ Len() int }
	Worker   *worker.Worker
	Gatherer prometheus.Gatherer

	// Ready reports whether the process can take work, typically by
	// pinging the backend. Nil means always ready.
	Ready func(ctx context.Context) error

	Logger *slog.Logger
}

// Stats is the body of GET /stats.
type Stats struct {
	Engine     *api.BasicMetricsSnapshot `json:"engine,omitempty"`
	Worker     *worker.Stats             `json:"worker,omitempty"`
	QueueDepth *int                      `json:"queue_depth,omitempty"`
}

type Server struct {
	opts Options
	app  *fiber.App
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{opts: opts}
	s.app = s.routes()
	return s
}

// App returns the fiber application, for tests and embedding.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{AppName: "durable-worker"})

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			if s.opts.Ready == nil {
				return true
			}
			if err := s.opts.Ready(c.Context()); err != nil {
				s.opts.Logger.Warn("readiness_probe_failed", slog.Any("error", err))
				return false
			}
			return true
		},
	}))

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/version", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"version": s.opts.Version})
	})
	app.Get("/stats", func(c fiber.Ctx) error {
		return c.JSON(s.stats())
	})

	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return app
}

func (s *Server) stats() Stats {
	var out Stats
	if s.opts.Metrics != nil {
		snap := s.opts.Metrics.Snapshot()
		out.Engine = &snap
	}
	if s.opts.Worker != nil {
		ws := s.opts.Worker.Stats()
		out.Worker = &ws
	}
	if s.opts.Queue != nil {
		n := s.opts.Queue.Len()
		out.QueueDepth = &n
	}
	return out
}

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.opts.Logger.Info("ops_server_listening", slog.String("addr", addr))
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
