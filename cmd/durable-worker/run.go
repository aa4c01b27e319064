package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/examples/orders"
	"github.com/petrijr/durable/internal/metrics"
	"github.com/petrijr/durable/internal/ops"
	"github.com/petrijr/durable/internal/stream"
)

const shutdownTimeout = 15 * time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Poll the task queue and serve the ops endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bind-addr",
				Usage:   "Address the ops server binds to",
				Sources: cli.EnvVars("BIND_ADDR"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port of the ops server",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "task-queue",
				Usage:   "Task queue to poll",
				Sources: cli.EnvVars("TASK_QUEUE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Publish history events to these Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "kafka-topic",
				Usage:   "Topic history events are published to",
				Value:   "durable.history",
				Sources: cli.EnvVars("KAFKA_TOPIC"),
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("bind-addr") {
		cfg.Ops.BindAddr = cmd.String("bind-addr")
	}
	if cmd.IsSet("port") {
		cfg.Ops.Port = cmd.Int("port")
	}
	if cmd.IsSet("task-queue") {
		cfg.Worker.TaskQueue = cmd.String("task-queue")
	}
	if brokers := cmd.StringSlice("kafka-brokers"); len(brokers) > 0 {
		cfg.Stream = &stream.Config{Brokers: brokers, Topic: cmd.String("kafka-topic")}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promObserver, err := metrics.NewPrometheusObserver(registry)
	if err != nil {
		return err
	}
	basic := &durable.BasicMetrics{}
	observers := []durable.Observer{basic, promObserver, durable.NewLoggingObserver(logger)}

	if cfg.Stream != nil {
		publisher, err := stream.NewKafkaPublisher(*cfg.Stream, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error("history_publisher_close_failed", slog.Any("error", err))
			}
		}()
		observers = append(observers, publisher)
		logger.Info("history_publisher_enabled", slog.String("topic", cfg.Stream.Topic), slog.Any("brokers", cfg.Stream.Brokers))
	}

	b, err := durable.OpenBundle(ctx, cfg.Backend.URL, bundleOptions(cfg, logger, durable.NewCompositeObserver(observers...)))
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("backend_close_failed", slog.Any("error", err))
		}
	}()

	if err := orders.Register(b, orders.Simulated(logger), orders.Config{}); err != nil {
		return err
	}

	if cfg.Worker.Recover {
		n, err := b.Recover(ctx)
		if err != nil {
			return err
		}
		logger.Info("executions_recovered", slog.Int("count", n))
	}

	var srv *ops.Server
	serveErr := make(chan error, 1)
	if !cfg.Ops.Disabled {
		srv = ops.New(ops.Options{
			Version:  version,
			Metrics:  basic,
			Queue:    b.Queue(),
			Worker:   b.Worker,
			Gatherer: registry,
			Ready:    b.Ping,
			Logger:   logger,
		})
		go func() { serveErr <- srv.Listen(cfg.Ops.Addr()) }()
	}

	b.Start(ctx)
	logger.Info("durable_worker_started", slog.String("backend", redact(cfg.Backend.URL)), slog.String("version", version))

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error("ops_server_failed", slog.Any("error", err))
	}

	logger.Info("durable_worker_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	b.Stop()
	return err
}
