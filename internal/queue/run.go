package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/rows"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/sink"
)

// Runner drives N processor lanes over one shared iterator until the listing
// and every retry is drained, or shutdown is requested.
type Runner struct {
	sources  []*Source
	iterator *FileIterator
	inserter sink.Inserter
	flags    *Flags
	log      *slog.Logger
}

// NewRunner wires one Source per processor lane. All lanes share the iterator,
// the progress counters behind each source's commit settings, and the flags.
func NewRunner(sources []*Source, iterator *FileIterator, inserter sink.Inserter, flags *Flags) *Runner {
	return &Runner{
		sources:  sources,
		iterator: iterator,
		inserter: inserter,
		flags:    flags,
		log:      logging.Component("runner"),
	}
}

// Run blocks until all lanes finish. The first lane error is returned;
// remaining lanes stop cooperatively via the shared flags.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("starting processors",
		"processors", len(r.sources),
		"ordered", r.iterator.Ordered(),
		"estimated_files", r.iterator.EstimatedKeysCount())

	var wg sync.WaitGroup
	errCh := make(chan error, len(r.sources))

	for i, src := range r.sources {
		wg.Add(1)
		go func(id int, src *Source) {
			defer wg.Done()
			if err := r.runLane(ctx, src); err != nil {
				errCh <- fmt.Errorf("processor %d: %w", id, err)
				// Stop the sibling lanes; their in-flight files are
				// committed as cancelled and stay retryable.
				r.flags.RequestShutdown()
			}
		}(i, src)
	}

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
		r.log.Error("processor failed", "error", err)
	}
	if firstErr != nil {
		return firstErr
	}

	r.log.Info("processors finished", "drained", r.iterator.IsFinished())
	return nil
}

// runLane pulls batches from one source until an empty pull finds nothing left
// for this lane. Without CommitOnceProcessed the lane runs transactionally:
// chunks accumulate across a commit window, the sink insert happens once, and
// its outcome decides the finalized state of every file in the window.
func (r *Runner) runLane(ctx context.Context, src *Source) error {
	auto := src.cfg.Commit.CommitOnceProcessed

	var window []*rows.Chunk
	for {
		chunk, err := src.Generate(ctx)
		if err != nil {
			if !auto {
				// Nothing was inserted for this window.
				if commitErr := src.Commit(ctx, false, err.Error()); commitErr != nil {
					return fmt.Errorf("%w (commit: %v)", err, commitErr)
				}
			}
			return err
		}

		if chunk != nil {
			if auto {
				// Streaming mode: rows are inserted as they decode and
				// the source finalizes records on its own schedule.
				if err := r.insert(ctx, []*rows.Chunk{chunk}); err != nil {
					if commitErr := src.Commit(ctx, false, err.Error()); commitErr != nil {
						return fmt.Errorf("%w (commit: %v)", err, commitErr)
					}
					return err
				}
				continue
			}
			window = append(window, chunk)
			continue
		}

		// Pull boundary. In transactional mode flush the window and
		// finalize its files according to the insert outcome.
		if !auto && len(src.Pending()) > 0 {
			if err := r.flushWindow(ctx, src, window); err != nil {
				return err
			}
			window = window[:0]
		}

		if r.flags.Stopping() || r.laneDone(src) {
			return nil
		}

		// Empty pull with the queue not yet drained: another lane still
		// holds work that may come back as retries. Back off briefly.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idlePollInterval):
		}
	}
}

// idlePollInterval paces a drained lane while siblings still hold buckets.
const idlePollInterval = 100 * time.Millisecond

func (r *Runner) flushWindow(ctx context.Context, src *Source, window []*rows.Chunk) error {
	// A cancelled file stays retryable and is re-read from the start on
	// redelivery, so any partial chunks it contributed must be discarded
	// before the insert or its rows would land twice.
	cancelled := make(map[string]bool)
	for _, pf := range src.Pending() {
		if pf.State == FileCancelled {
			cancelled[pf.Descriptor.Path] = true
		}
	}
	if len(cancelled) > 0 {
		kept := window[:0]
		for _, chunk := range window {
			if !cancelled[chunk.Path] {
				kept = append(kept, chunk)
			}
		}
		window = kept
	}

	if err := r.insert(ctx, window); err != nil {
		if commitErr := src.Commit(ctx, false, err.Error()); commitErr != nil {
			return fmt.Errorf("%w (commit: %v)", err, commitErr)
		}
		return err
	}
	return src.Commit(ctx, true, "")
}

func (r *Runner) insert(ctx context.Context, chunks []*rows.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.inserter.Insert(ctx, chunks); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncInsertErrors()
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// laneDone reports whether a nil pull means this lane is finished rather than
// merely at a commit boundary. The shared iterator can still hold work for
// other lanes' buckets, and this lane's buckets can refill from retries.
func (r *Runner) laneDone(src *Source) bool {
	return r.iterator.IsFinished() && len(src.Pending()) == 0
}
