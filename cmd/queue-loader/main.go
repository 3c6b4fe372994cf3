package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/config"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/coord"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/objstore"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/queue"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/rows"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/sink"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/watcher"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	cfg := config.MustLoad()
	logging.Setup(cfg.Logging)

	logger := logging.Component("main")
	logger.Info("queue loader starting", "version", Version, "git_sha", GitSHA)

	if cfg.Metrics.Enabled {
		metrics.Init("queue_loader")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flags := &queue.Flags{}

	// Shutdown is cooperative: in-flight files are committed as cancelled
	// and stay retryable. A second signal aborts outright.
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		logger.Info("shutdown requested", "signal", sig.String())
		flags.RequestShutdown()
		<-ch
		logger.Warn("second signal, aborting")
		cancel()
	}()

	if err := run(ctx, cfg, flags, logger); err != nil {
		log.Fatalf("queue loader failed: %v", err)
	}

	logger.Info("queue loader stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}

func run(ctx context.Context, cfg config.Config, flags *queue.Flags, logger *slog.Logger) error {
	objects, err := objstore.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	defer objects.Close()

	store, err := coord.NewStore(cfg.Coord)
	if err != nil {
		return fmt.Errorf("create coordination store: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.NewAppender(cfg.Audit)
	if err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	defer auditLog.Close()

	factory, err := rows.NewFactory(cfg.Queue.Format)
	if err != nil {
		return fmt.Errorf("create row reader factory: %w", err)
	}

	inserter, err := sink.NewInserter(cfg.Sink)
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}
	defer inserter.Close()

	owner := fmt.Sprintf("loader-%s", uuid.NewString())
	logger.Info("queue configured",
		"owner", owner,
		"buckets", cfg.Queue.Buckets,
		"processors", cfg.Queue.Processors,
		"format", cfg.Queue.Format,
		"backend", cfg.Store.Backend,
		"coordination", cfg.Coord.Backend,
		"watch", cfg.Watch.Enabled)

	// Each pass runs over a fresh listing; claims and leases go through the
	// coordination store, so repeated passes skip already-processed objects.
	pass := func(ctx context.Context) error {
		iterator := queue.NewFileIterator(store, objects.NewLister(), queue.IteratorConfig{
			Owner:          owner,
			Buckets:        cfg.Queue.Buckets,
			MaxOpenRetries: cfg.Queue.MaxOpenRetries,
		}, nil)

		progress := queue.NewProgress()
		sources := make([]*queue.Source, cfg.Queue.Processors)
		for i := range sources {
			sources[i] = queue.NewSource(queue.SourceConfig{
				ProcessorID:           uint64(i),
				MaxBatchRows:          cfg.Queue.MaxBatchRows,
				DeleteAfterProcessing: cfg.Queue.DeleteAfterProcessing,
				Commit:                cfg.Commit,
			}, iterator, store, objects, factory, progress, flags, auditLog)
		}

		return queue.NewRunner(sources, iterator, inserter, flags).Run(ctx)
	}

	if cfg.Watch.Enabled {
		return watcher.New(cfg.Watch, pass, flags).Run(ctx)
	}
	return pass(ctx)
}
