package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/examples/orders"
	"github.com/petrijr/durable/internal/config"
	"github.com/petrijr/durable/pkg/worker"
)

// loadConfig reads the config file, if any, and applies flag and
// environment overrides on top.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	if cmd.IsSet("backend-url") {
		cfg.Backend.URL = cmd.String("backend-url")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = cmd.String("log-format")
	}
	return cfg, nil
}

func bundleOptions(cfg config.Config, logger *slog.Logger, observer durable.Observer) durable.Options {
	return durable.Options{
		Logger:   logger,
		Observer: observer,
		Prefix:   cfg.Backend.Prefix,
		Worker: worker.Config{
			TaskQueue:                  cfg.Worker.TaskQueue,
			Identity:                   cfg.Worker.Identity,
			MaxConcurrentWorkflowTasks: cfg.Worker.MaxConcurrentWorkflowTasks,
			MaxConcurrentActivityTasks: cfg.Worker.MaxConcurrentActivityTasks,
			MaxTaskAttempts:            cfg.Worker.MaxTaskAttempts,
			TaskRetryBackoff:           cfg.Worker.TaskRetryBackoff,
			LeaseTTL:                   cfg.Worker.LeaseTTL,
		},
	}
}

// openClient opens the configured backend for the client commands. The
// workflows are registered so queries against closed runs can be served,
// but the worker is not started.
func openClient(ctx context.Context, cmd *cli.Command) (*durable.Bundle, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	b, err := durable.OpenBundle(ctx, cfg.Backend.URL, bundleOptions(cfg, logger, nil))
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	if err := orders.Register(b, orders.Simulated(logger), orders.Config{}); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// redact hides the password of a backend URL before it is logged.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	if u.User == nil {
		return raw
	}
	return u.Redacted()
}
