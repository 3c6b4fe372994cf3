// Package sink is the downstream table-write consumer of the queue. A commit
// batch is all-or-nothing: if Insert returns an error the whole batch is
// finalized as failed upstream.
package sink

import (
	"context"
	"errors"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/rows"
)

// Inserter receives committed row batches.
type Inserter interface {
	// Insert writes every chunk of one batch, atomically from the
	// caller's point of view.
	Insert(ctx context.Context, chunks []*rows.Chunk) error

	Close() error
}

// Config selects the sink backend.
type Config struct {
	Backend string `env:"SINK_BACKEND" envDefault:"parquet" yaml:"backend"` // "parquet" | "noop"
	Table   string `env:"SINK_TABLE" envDefault:"queue_rows_raw" yaml:"table"`

	// Parquet sink target bucket (same backends as the object store).
	Bucket   string `env:"SINK_BUCKET" yaml:"bucket"`
	Prefix   string `env:"SINK_PREFIX" envDefault:"loaded/" yaml:"prefix"`
	LocalDir string `env:"SINK_LOCAL_DIR" yaml:"local_dir"`
	Scheme   string `env:"SINK_SCHEME" envDefault:"file" yaml:"scheme"` // "s3" | "gs" | "file" | "mem"
}

var ErrUnknownBackend = errors.New("unknown sink backend")

// NewInserter creates a sink based on configuration.
func NewInserter(cfg Config) (Inserter, error) {
	switch cfg.Backend {
	case "noop":
		return noopInserter{}, nil
	case "parquet", "":
		return NewParquetSink(cfg)
	default:
		return nil, ErrUnknownBackend
	}
}

type noopInserter struct{}

func (noopInserter) Insert(context.Context, []*rows.Chunk) error { return nil }
func (noopInserter) Close() error                                { return nil }
