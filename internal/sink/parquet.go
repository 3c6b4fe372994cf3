package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/rows"
)

// loadedRow is the bronze-layer record written per source row. The payload is
// kept as canonical JSON so downstream readers can evolve their schema without
// rewriting history.
type loadedRow struct {
	SourcePath string `parquet:"source_path,zstd"`
	RowNumber  int64  `parquet:"row_number"`
	Payload    string `parquet:"payload,zstd"`
	LoadedAtMs int64  `parquet:"loaded_at_ms"`
}

// ParquetSink writes one parquet object per committed batch.
type ParquetSink struct {
	bucket *blob.Bucket
	cfg    Config
	log    *slog.Logger
}

// NewParquetSink opens the configured target bucket.
func NewParquetSink(cfg Config) (*ParquetSink, error) {
	var bucketURL string
	switch cfg.Scheme {
	case "s3":
		bucketURL = fmt.Sprintf("s3://%s", cfg.Bucket)
	case "gs":
		bucketURL = fmt.Sprintf("gs://%s", cfg.Bucket)
	case "file":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for file sink")
		}
		bucketURL = fmt.Sprintf("file://%s", cfg.LocalDir)
	case "mem":
		bucketURL = "mem://"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Scheme)
	}

	bucket, err := blob.OpenBucket(context.Background(), bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open sink bucket %s: %w", bucketURL, err)
	}
	return NewParquetSinkWithBucket(bucket, cfg), nil
}

// NewParquetSinkWithBucket wraps an already-open bucket. Used by tests and by
// deployments that load back into the source backend.
func NewParquetSinkWithBucket(bucket *blob.Bucket, cfg Config) *ParquetSink {
	return &ParquetSink{bucket: bucket, cfg: cfg, log: logging.Component("sink")}
}

func (s *ParquetSink) Insert(ctx context.Context, chunks []*rows.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	now := time.Now()
	records := make([]loadedRow, 0, batchRows(chunks))
	for _, ch := range chunks {
		for i, row := range ch.Rows {
			payload, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("encode row %d of %s: %w", i, ch.Path, err)
			}
			records = append(records, loadedRow{
				SourcePath: ch.Path,
				RowNumber:  int64(i),
				Payload:    string(payload),
				LoadedAtMs: now.UnixMilli(),
			})
		}
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[loadedRow](&buf)
	if _, err := w.Write(records); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}

	key := fmt.Sprintf("%s%s/load-%s-%s.parquet",
		s.cfg.Prefix, s.cfg.Table, now.UTC().Format("20060102T150405"), uuid.NewString())
	if err := s.bucket.WriteAll(ctx, key, buf.Bytes(), nil); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	if m := metrics.Get(); m != nil {
		m.IncInsertedBatches()
	}
	s.log.Info("batch loaded",
		"table", s.cfg.Table,
		"key", key,
		"rows", len(records),
		"parquet_bytes", buf.Len())
	return nil
}

func (s *ParquetSink) Close() error { return s.bucket.Close() }

func batchRows(chunks []*rows.Chunk) int {
	n := 0
	for _, ch := range chunks {
		n += len(ch.Rows)
	}
	return n
}
