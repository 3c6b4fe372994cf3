package objstore

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver (tests)
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore implements Store over a gocloud blob bucket.
type BlobStore struct {
	bucket *blob.Bucket
	cfg    Config
	scheme string
}

// NewStore opens the configured backend.
func NewStore(cfg Config) (*BlobStore, error) {
	ctx := context.Background()

	var bucketURL, scheme string
	switch cfg.Backend {
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		bucketURL = fmt.Sprintf("s3://%s", cfg.Bucket)
		params := url.Values{}
		if cfg.S3Region != "" {
			params.Set("region", cfg.S3Region)
		}
		if cfg.S3Endpoint != "" {
			params.Set("endpoint", cfg.S3Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			bucketURL = bucketURL + "?" + params.Encode()
		}
		scheme = "s3"
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		bucketURL = fmt.Sprintf("gs://%s", cfg.Bucket)
		scheme = "gs"
	case "file":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for file backend")
		}
		bucketURL = fmt.Sprintf("file://%s", cfg.LocalDir)
		scheme = "file"
	case "mem":
		bucketURL = "mem://"
		scheme = "mem"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	return &BlobStore{bucket: bucket, cfg: cfg, scheme: scheme}, nil
}

// Bucket exposes the underlying blob bucket. Used by tests and by sinks that
// share the same backend.
func (s *BlobStore) Bucket() *blob.Bucket { return s.bucket }

// NewLister starts a listing under the configured prefix.
// Object stores return list results in UTF-8 binary (lexicographic) order,
// which is the order the queue relies on for bucketed processing.
func (s *BlobStore) NewLister() Lister {
	return &blobLister{
		iter: s.bucket.List(&blob.ListOptions{Prefix: s.cfg.Prefix}),
		cfg:  s.cfg,
	}
}

func (s *BlobStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", path, err)
	}
	return r, nil
}

func (s *BlobStore) Delete(ctx context.Context, path string) error {
	if err := s.bucket.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete object %s: %w", path, err)
	}
	return nil
}

func (s *BlobStore) URI(key string) string {
	switch s.scheme {
	case "file":
		return fmt.Sprintf("file://%s/%s", s.cfg.LocalDir, key)
	case "mem":
		return fmt.Sprintf("mem://%s", key)
	default:
		return fmt.Sprintf("%s://%s/%s", s.scheme, s.cfg.Bucket, key)
	}
}

func (s *BlobStore) Close() error { return s.bucket.Close() }

// IsNotFound reports whether an error means the object no longer exists.
// Objects routinely vanish between listing and read when another agent
// deletes them; callers treat this as a transient claim race.
func IsNotFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// blobLister adapts a blob.ListIterator to the Lister contract.
type blobLister struct {
	iter     *blob.ListIterator
	cfg      Config
	seen     int
	finished bool
}

func (l *blobLister) Next(ctx context.Context) (*Descriptor, error) {
	for {
		obj, err := l.iter.Next(ctx)
		if err == io.EOF {
			l.finished = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		if obj.IsDir || !l.cfg.eligible(obj.Key) {
			continue
		}
		l.seen++
		return &Descriptor{
			Path: obj.Key,
			Size: obj.Size,
			ETag: string(obj.MD5),
		}, nil
	}
}

// EstimatedCount is exact once the listing finished; before that it only
// reflects keys seen so far. Scheduling heuristics only.
func (l *blobLister) EstimatedCount() int {
	if l.finished {
		return l.seen
	}
	return l.seen + 1
}
