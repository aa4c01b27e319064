// Package config loads the settings of a durable-worker process from YAML.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/durable/internal/stream"
	"github.com/petrijr/durable/pkg/api"
)

// Config is the top level of a config file. Every section is optional.
type Config struct {
	Log     Log            `yaml:"log"`
	Backend Backend        `yaml:"backend"`
	Worker  Worker         `yaml:"worker"`
	Ops     Ops            `yaml:"ops"`
	Stream  *stream.Config `yaml:"stream" validate:"omitempty"`
}

type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Backend selects where histories and tasks are kept. URL's scheme picks
// the adapter: memory, sqlite, postgres, redis or mongodb.
type Backend struct {
	URL string `yaml:"url" validate:"required"`

	// Prefix namespaces redis keys and names the mongo database.
	Prefix string `yaml:"prefix"`
}

type Worker struct {
	TaskQueue                  string        `yaml:"task_queue"`
	Identity                   string        `yaml:"identity"`
	MaxConcurrentWorkflowTasks int           `yaml:"max_concurrent_workflow_tasks" validate:"gte=0"`
	MaxConcurrentActivityTasks int           `yaml:"max_concurrent_activity_tasks" validate:"gte=0"`
	MaxTaskAttempts            int           `yaml:"max_task_attempts" validate:"gte=0"`
	TaskRetryBackoff           time.Duration `yaml:"task_retry_backoff" validate:"gte=0"`
	LeaseTTL                   time.Duration `yaml:"lease_ttl" validate:"gte=0"`

	// Recover reschedules every running execution at startup.
	Recover bool `yaml:"recover"`
}

type Ops struct {
	BindAddr string `yaml:"bind_addr"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Disabled bool   `yaml:"disabled"`
}

// Addr is the listen address of the ops server.
func (o Ops) Addr() string {
	return fmt.Sprintf("%s:%d", o.BindAddr, o.Port)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:     Log{Level: "info", Format: "text"},
		Backend: Backend{URL: "memory://", Prefix: "durable"},
		Worker:  Worker{TaskQueue: api.DefaultTaskQueue, Recover: true},
		Ops:     Ops{BindAddr: "0.0.0.0", Port: 8080},
	}
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := api.Validator().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Backend.Scheme(); err != nil {
		return err
	}
	return nil
}

// Scheme returns the adapter named by the backend URL.
func (b Backend) Scheme() (string, error) {
	scheme, _, ok := strings.Cut(b.URL, "://")
	if !ok {
		return "", fmt.Errorf("config: backend url %q has no scheme", b.URL)
	}
	switch scheme {
	case "memory", "sqlite", "postgres", "postgresql", "redis", "rediss", "mongodb", "mongodb+srv":
		return scheme, nil
	}
	return "", fmt.Errorf("config: unsupported backend %q", scheme)
}

// SlogLevel maps Level onto slog, defaulting to info.
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by l.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
