// Package rows decodes object bytes into row batches. The queue core only
// depends on the Reader capability; concrete formats (jsonl, csv) and
// transparent zstd decompression live here.
package rows

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/objstore"
)

// Row is one decoded record.
type Row map[string]any

// Chunk is one decoded batch of rows from a single file.
type Chunk struct {
	Path  string
	Rows  []Row
	Bytes int64 // raw input bytes consumed by this batch
}

// Reader decodes a single file into row batches.
type Reader interface {
	// Next returns up to maxRows decoded rows, or io.EOF when the file
	// is exhausted. A decode failure may surface at any point.
	Next(maxRows int) (*Chunk, error)

	Close() error
}

// Factory opens a Reader over a raw byte stream for a path.
type Factory func(rc io.ReadCloser, path string) (Reader, error)

var ErrUnknownFormat = errors.New("unknown row format")

// NewFactory returns a Factory for the named format ("jsonl" | "csv").
// Keys ending in .zst are decompressed before decoding.
func NewFactory(format string) (Factory, error) {
	switch format {
	case "jsonl", "":
		return func(rc io.ReadCloser, path string) (Reader, error) {
			r, closer, err := maybeDecompress(rc, path)
			if err != nil {
				return nil, err
			}
			return newJSONLReader(r, closer, path), nil
		}, nil
	case "csv":
		return func(rc io.ReadCloser, path string) (Reader, error) {
			r, closer, err := maybeDecompress(rc, path)
			if err != nil {
				return nil, err
			}
			return newCSVReader(r, closer, path), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// maybeDecompress wraps the stream in a zstd decoder for .zst keys.
func maybeDecompress(rc io.ReadCloser, path string) (io.Reader, io.Closer, error) {
	if !objstore.IsCompressed(path) {
		return rc, rc, nil
	}
	dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
	if err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return dec, closerFunc(func() error {
		dec.Close()
		return rc.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
