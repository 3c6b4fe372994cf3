// Package objstore provides listing, reading and deletion of objects in a
// cloud bucket behind a small capability interface. All backends are served
// through gocloud.dev/blob so the rest of the loader never sees a concrete
// provider SDK.
package objstore

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Descriptor identifies a single listed object.
type Descriptor struct {
	Path string
	Size int64
	ETag string
}

// Lister yields descriptors one at a time in lexicographic key order.
// A Lister is single-use; create a new one per run.
type Lister interface {
	// Next returns the next descriptor, or io.EOF when the listing
	// is exhausted.
	Next(ctx context.Context) (*Descriptor, error)

	// EstimatedCount returns a best-effort hint of how many keys the
	// listing will produce. It must never be used for correctness.
	EstimatedCount() int
}

// Store is the object store capability surface consumed by the queue.
type Store interface {
	// NewLister starts a fresh listing of all eligible objects.
	NewLister() Lister

	// Open returns a reader over the object's bytes.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an object. Used by the delete-after-processing policy.
	Delete(ctx context.Context, path string) error

	// URI returns the canonical URI for a key (s3://, gs://, file://, mem://).
	URI(key string) string

	Close() error
}

var ErrUnknownBackend = errors.New("unknown object store backend")

// Config selects and parameterizes the backend.
type Config struct {
	Backend string `env:"OBJECT_BACKEND" envDefault:"file" yaml:"backend"` // "s3" | "gcs" | "file" | "mem"
	Bucket  string `env:"OBJECT_BUCKET" yaml:"bucket"`
	Prefix  string `env:"OBJECT_PREFIX" yaml:"prefix"`

	// Local filesystem backend
	LocalDir string `env:"OBJECT_LOCAL_DIR" yaml:"local_dir"`

	// S3-compatible backends (AWS, B2, R2, MinIO)
	S3Endpoint string `env:"OBJECT_S3_ENDPOINT" yaml:"s3_endpoint"`
	S3Region   string `env:"OBJECT_S3_REGION" yaml:"s3_region"`

	// Only keys with one of these suffixes are listed. Empty = all keys.
	Suffixes []string `env:"OBJECT_SUFFIXES" envSeparator:"," yaml:"suffixes"`
}

// eligible reports whether a key passes the suffix filter.
func (c Config) eligible(key string) bool {
	if len(c.Suffixes) == 0 {
		return true
	}
	lower := strings.ToLower(key)
	for _, s := range c.Suffixes {
		if strings.HasSuffix(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// IsCompressed reports whether a key names a zstd-compressed object.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".zst")
}
