// Package watcher turns the one-shot queue run into a long-lived service:
// after a listing pass drains it waits out the poll interval and starts a
// fresh pass, picking up objects that arrived in between.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/queue"
)

// Config parameterizes watch mode.
type Config struct {
	Enabled      bool          `env:"WATCH_ENABLED" yaml:"enabled"`
	PollInterval time.Duration `env:"WATCH_POLL_INTERVAL" envDefault:"30s" yaml:"poll_interval"`
}

// PassFunc runs one complete pass over the current listing.
type PassFunc func(ctx context.Context) error

// Watcher repeats passes until shutdown. Claims and leases are re-negotiated
// per pass through the coordination store, so already-processed objects are
// filtered out by their records rather than by local state.
type Watcher struct {
	cfg   Config
	pass  PassFunc
	flags *queue.Flags
	log   *slog.Logger
}

func New(cfg Config, pass PassFunc, flags *queue.Flags) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Watcher{cfg: cfg, pass: pass, flags: flags, log: logging.Component("watcher")}
}

// Run blocks until shutdown or a pass fails.
func (w *Watcher) Run(ctx context.Context) error {
	for pass := 1; ; pass++ {
		w.log.Info("starting listing pass", "pass", pass)
		if err := w.pass(ctx); err != nil {
			return err
		}
		if w.flags.Stopping() {
			return nil
		}

		w.log.Debug("listing drained, waiting for new objects", "poll_interval", w.cfg.PollInterval.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
		if w.flags.Stopping() {
			return nil
		}
	}
}
