package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/coord"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/objstore"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/rows"
)

// FileState is the local processing state of one claimed file.
type FileState int

const (
	FileProcessing FileState = iota
	FileErrorOnRead
	FileCancelled
	FileProcessed
)

func (s FileState) String() string {
	switch s {
	case FileProcessing:
		return "processing"
	case FileErrorOnRead:
		return "error_on_read"
	case FileCancelled:
		return "cancelled"
	case FileProcessed:
		return "processed"
	default:
		return "unknown"
	}
}

// ProcessedFile tracks one claimed file until it is committed. It is owned
// exclusively by the Source for the duration of one commit cycle.
type ProcessedFile struct {
	State      FileState
	Descriptor *objstore.Descriptor
	Rows       int64
	Bytes      int64
	ReadError  string
}

// SourceConfig parameterizes one Source lane.
type SourceConfig struct {
	ProcessorID           uint64
	MaxBatchRows          int
	DeleteAfterProcessing bool
	Commit                CommitSettings
}

// Source is the pipeline stage that pulls files from the shared iterator,
// drives the row reader over each file and tracks per-file outcome until
// commit.
type Source struct {
	cfg      SourceConfig
	iterator *FileIterator
	store    coord.Store
	objects  objstore.Store
	factory  rows.Factory
	progress *Progress
	flags    *Flags
	audit    audit.Appender
	log      *slog.Logger

	reader    rows.Reader
	current   *ProcessedFile
	processed []*ProcessedFile
}

// NewSource creates one processor lane over the shared iterator and progress.
func NewSource(
	cfg SourceConfig,
	iterator *FileIterator,
	store coord.Store,
	objects objstore.Store,
	factory rows.Factory,
	progress *Progress,
	flags *Flags,
	auditLog audit.Appender,
) *Source {
	return &Source{
		cfg:      cfg,
		iterator: iterator,
		store:    store,
		objects:  objects,
		factory:  factory,
		progress: progress,
		flags:    flags,
		audit:    auditLog,
		log:      slog.With("component", "queue_source", "processor", cfg.ProcessorID),
	}
}

// Pending returns the files tracked since the last commit. Exposed for the
// run loop's accounting and for tests.
func (s *Source) Pending() []*ProcessedFile { return s.processed }

// Generate pulls the next row batch. A nil chunk with nil error signals a
// pull boundary: either a commit threshold was reached, the iterator is
// exhausted for this processor, or cancellation was observed. When
// CommitOnceProcessed is set, Generate commits on its own at boundaries and
// after errors.
func (s *Source) Generate(ctx context.Context) (*rows.Chunk, error) {
	chunk, err := s.generateImpl(ctx)
	if err != nil {
		if s.cfg.Commit.CommitOnceProcessed {
			if commitErr := s.Commit(ctx, false, err.Error()); commitErr != nil {
				return nil, errors.Join(err, commitErr)
			}
		}
		return nil, err
	}

	if s.cfg.Commit.CommitOnceProcessed && chunk == nil {
		if err := s.Commit(ctx, true, ""); err != nil {
			return nil, err
		}
	}
	return chunk, nil
}

func (s *Source) generateImpl(ctx context.Context) (*rows.Chunk, error) {
	for {
		// Cooperative cancellation wins over everything, including error
		// reporting for the file in flight.
		if s.flags.Stopping() {
			s.cancelCurrent()
			return nil, nil
		}

		if s.reader == nil {
			// Commit boundary after a file completes and before the next
			// one is claimed, never while a file is mid-read. With
			// CommitOnceProcessed the wrapper commits; otherwise the
			// owning pipeline must commit before pulling again.
			if len(s.processed) > 0 && s.cfg.Commit.ShouldCommit(s.progress) {
				return nil, nil
			}
			opened, err := s.openNext(ctx)
			if err != nil {
				return nil, err
			}
			if !opened {
				return nil, nil
			}
		}

		chunk, err := s.reader.Next(s.cfg.MaxBatchRows)
		if err == io.EOF {
			s.finishCurrent(ctx)
			continue
		}
		if err != nil {
			return nil, s.failCurrent(err)
		}

		s.current.Rows += int64(len(chunk.Rows))
		s.current.Bytes += chunk.Bytes
		s.progress.AddRows(int64(len(chunk.Rows)))
		s.progress.AddBytes(chunk.Bytes)
		if m := metrics.Get(); m != nil {
			m.AddRows(len(chunk.Rows))
			m.AddBytes(chunk.Bytes)
		}
		return chunk, nil
	}
}

// openNext claims the next file and opens its reader. Returns false when the
// iterator has nothing for this processor right now.
func (s *Source) openNext(ctx context.Context) (bool, error) {
	for {
		d, err := s.iterator.Next(ctx, s.cfg.ProcessorID)
		if err != nil {
			return false, err
		}
		if d == nil {
			return false, nil
		}
		if s.flags.Stopping() {
			// Claimed but never read: track as cancelled so commit
			// returns the record to a retryable state.
			s.processed = append(s.processed, &ProcessedFile{State: FileCancelled, Descriptor: d})
			return false, nil
		}

		rc, err := s.objects.Open(ctx, d.Path)
		if err != nil {
			if objstore.IsNotFound(err) {
				// The object vanished between listing and read; put it
				// back so it is redelivered as if never removed.
				if retryErr := s.iterator.ReturnForRetry(d); retryErr != nil {
					if errors.Is(retryErr, ErrRetryExhausted) {
						pf := &ProcessedFile{State: FileErrorOnRead, Descriptor: d, ReadError: retryErr.Error()}
						s.processed = append(s.processed, pf)
						return false, fmt.Errorf("open %s: %w", d.Path, retryErr)
					}
					return false, retryErr
				}
				if m := metrics.Get(); m != nil {
					m.IncOpenRetries()
				}
				s.log.Debug("object vanished before read, returned for retry", "path", d.Path)
				continue
			}
			return false, err
		}

		reader, err := s.factory(rc, d.Path)
		if err != nil {
			pf := &ProcessedFile{State: FileErrorOnRead, Descriptor: d, ReadError: err.Error()}
			s.processed = append(s.processed, pf)
			return false, err
		}

		s.current = &ProcessedFile{State: FileProcessing, Descriptor: d}
		s.processed = append(s.processed, s.current)
		s.reader = reader
		s.log.Debug("processing file", "path", d.Path, "size", d.Size)
		return true, nil
	}
}

// finishCurrent marks the open file fully read and applies the
// delete-after-processing policy.
func (s *Source) finishCurrent(ctx context.Context) {
	s.closeReader()
	s.current.State = FileProcessed
	s.progress.AddFile()

	if s.cfg.DeleteAfterProcessing {
		// Best effort; a leftover object is re-filtered by its record.
		if err := s.objects.Delete(ctx, s.current.Descriptor.Path); err != nil {
			s.log.Warn("delete after processing failed", "path", s.current.Descriptor.Path, "error", err)
		}
	}
	s.current = nil
}

// failCurrent records a decode failure. Under cooperative shutdown the
// failure downgrades to a cancellation and no error escapes.
func (s *Source) failCurrent(err error) error {
	s.closeReader()
	s.current.ReadError = err.Error()
	if s.flags.Stopping() {
		s.current.State = FileCancelled
		s.current = nil
		return nil
	}
	s.current.State = FileErrorOnRead
	path := s.current.Descriptor.Path
	s.current = nil
	return fmt.Errorf("read %s: %w", path, err)
}

func (s *Source) cancelCurrent() {
	if s.current == nil {
		return
	}
	s.closeReader()
	s.current.State = FileCancelled
	s.current = nil
}

func (s *Source) closeReader() {
	if s.reader == nil {
		return
	}
	if err := s.reader.Close(); err != nil {
		s.log.Warn("close reader", "error", err)
	}
	s.reader = nil
}

// Commit finalizes every tracked file against the coordination store, appends
// one audit record per file and releases finished buckets. insertSucceeded
// reports whether the surrounding table write went through; on failure every
// non-cancelled file is finalized as failed with excMessage. Coordination
// failures propagate: an un-finalized record risks duplicate reprocessing or
// a stuck bucket lease.
func (s *Source) Commit(ctx context.Context, insertSucceeded bool, excMessage string) error {
	if s.current != nil {
		// Commit while a file is mid-read only happens on the failure
		// path; treat the open file as cancelled.
		s.cancelCurrent()
	}

	start := time.Now()
	for _, pf := range s.processed {
		var outcome coord.Outcome
		var detail string
		switch {
		case pf.State == FileCancelled:
			// Interrupted work stays retryable, never a failure.
			outcome = coord.OutcomeRetryable
			detail = pf.ReadError
		case !insertSucceeded:
			outcome = coord.OutcomeFailed
			detail = excMessage
			if pf.ReadError != "" {
				detail = pf.ReadError
			}
		case pf.State == FileProcessed:
			outcome = coord.OutcomeProcessed
		case pf.State == FileErrorOnRead:
			outcome = coord.OutcomeFailed
			detail = pf.ReadError
		default:
			// Never finished reading; give it back.
			outcome = coord.OutcomeRetryable
		}

		prior, err := s.store.FileStatus(ctx, pf.Descriptor.Path)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if err := s.store.Finalize(ctx, pf.Descriptor.Path, outcome, detail); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		s.iterator.FileFinalized(pf.Descriptor.Path)

		if err := s.audit.Append(ctx, audit.Record{
			Path:        pf.Descriptor.Path,
			PriorStatus: string(prior),
			NewStatus:   string(outcomeStatus(outcome)),
			Processed:   outcome == coord.OutcomeProcessed,
			Rows:        pf.Rows,
			Bytes:       pf.Bytes,
			Error:       detail,
			ProcessorID: s.cfg.ProcessorID,
			Timestamp:   time.Now().UTC(),
		}); err != nil {
			s.log.Warn("append audit record", "path", pf.Descriptor.Path, "error", err)
		}

		if m := metrics.Get(); m != nil {
			m.IncFileOutcome(string(outcomeStatus(outcome)))
		}
	}

	if err := s.iterator.ReleaseFinishedBuckets(ctx, s.cfg.ProcessorID); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.log.Info("committed batch",
		"files", len(s.processed),
		"insert_succeeded", insertSucceeded,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if m := metrics.Get(); m != nil {
		m.ObserveCommitDuration(time.Since(start).Seconds())
	}

	s.processed = s.processed[:0]
	s.progress.Reset()
	return nil
}

func outcomeStatus(outcome coord.Outcome) coord.Status {
	switch outcome {
	case coord.OutcomeProcessed:
		return coord.StatusProcessed
	case coord.OutcomeFailed:
		return coord.StatusFailed
	default:
		return coord.StatusUnprocessed
	}
}
