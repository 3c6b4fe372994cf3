package queue

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/coord"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/rows"
)

// recordingInserter captures every chunk handed to the sink.
type recordingInserter struct {
	mu     sync.Mutex
	chunks []*rows.Chunk
}

func (r *recordingInserter) Insert(_ context.Context, chunks []*rows.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunks...)
	return nil
}

func (r *recordingInserter) Close() error { return nil }

func (r *recordingInserter) rowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, c := range r.chunks {
		n += len(c.Rows)
	}
	return n
}

func TestRunnerTransactionalFlush(t *testing.T) {
	f := newSourceFixture(t, map[string]string{
		"data/a.jsonl": "{\"n\":1}\n{\"n\":2}\n",
		"data/b.jsonl": "{\"n\":3}\n",
	}, SourceConfig{})

	inserter := &recordingInserter{}
	runner := NewRunner([]*Source{f.src}, f.src.iterator, inserter, f.flags)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := inserter.rowCount(); n != 3 {
		t.Fatalf("sink received %d row(s), want 3", n)
	}
	for _, path := range []string{"data/a.jsonl", "data/b.jsonl"} {
		status, err := f.store.FileStatus(context.Background(), path)
		if err != nil {
			t.Fatalf("FileStatus: %v", err)
		}
		if status != coord.StatusProcessed {
			t.Errorf("%s status = %s, want processed", path, status)
		}
	}
}

// stoppingReader raises the shutdown flag as it hands out each batch, so the
// flag is observed while its file is still mid-read.
type stoppingReader struct {
	inner rows.Reader
	flags *Flags
}

func (r *stoppingReader) Next(maxRows int) (*rows.Chunk, error) {
	chunk, err := r.inner.Next(maxRows)
	r.flags.RequestShutdown()
	return chunk, err
}

func (r *stoppingReader) Close() error { return r.inner.Close() }

func TestRunnerDiscardsCancelledFilePartialRows(t *testing.T) {
	f := newSourceFixture(t, map[string]string{
		"data/a.jsonl": "{\"n\":1}\n{\"n\":2}\n",
	}, SourceConfig{MaxBatchRows: 1})
	base := f.src.factory
	f.src.factory = func(rc io.ReadCloser, path string) (rows.Reader, error) {
		inner, err := base(rc, path)
		if err != nil {
			return nil, err
		}
		return &stoppingReader{inner: inner, flags: f.flags}, nil
	}

	inserter := &recordingInserter{}
	runner := NewRunner([]*Source{f.src}, f.src.iterator, inserter, f.flags)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The interrupted file stays retryable and is re-read from the start
	// next time, so inserting its partial rows would deliver them twice.
	if n := inserter.rowCount(); n != 0 {
		t.Fatalf("sink received %d row(s) from a cancelled file, want 0", n)
	}
	status, err := f.store.FileStatus(context.Background(), "data/a.jsonl")
	if err != nil {
		t.Fatalf("FileStatus: %v", err)
	}
	if status != coord.StatusUnprocessed {
		t.Errorf("status = %s, want unprocessed", status)
	}
	claimed, err := f.store.TryClaimFile(context.Background(), "data/a.jsonl", "loader-2")
	if err != nil || !claimed {
		t.Errorf("re-claim after cancellation: got %v, %v", claimed, err)
	}
}
