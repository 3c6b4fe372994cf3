package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/cespare/xxhash/v2"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/coord"
)

// Bucket is a deterministic partition of file paths. Files sharing a bucket
// must keep their relative listing order, so a bucket is only ever processed
// under one lease at a time.
type Bucket = uint64

// BucketOf maps a path to its bucket.
func BucketOf(path string, buckets uint64) Bucket {
	return xxhash.Sum64String(path) % buckets
}

// BucketHolder is the local handle for an acquired bucket lease. It is owned
// exclusively by the FileIterator that acquired it; the iterator mutex guards
// the pending counter.
type BucketHolder struct {
	bucket   Bucket
	owner    string
	store    coord.Store
	log      *slog.Logger
	pending  int // files claimed under this holder, not yet finalized
	released bool
}

func newBucketHolder(bucket Bucket, owner string, store coord.Store, log *slog.Logger) *BucketHolder {
	h := &BucketHolder{bucket: bucket, owner: owner, store: store, log: log}
	// A holder must be released explicitly before it is discarded. A stuck
	// lease blocks the whole fleet on that bucket, so a leaked holder is
	// worth a loud warning.
	runtime.SetFinalizer(h, func(h *BucketHolder) {
		if !h.released {
			h.log.Warn("bucket holder dropped without release", "bucket", h.bucket)
		}
	})
	return h
}

// Bucket returns the bucket this holder leases.
func (h *BucketHolder) Bucket() Bucket { return h.bucket }

// release frees the lease. Idempotent. Errors are surfaced to the caller:
// a failed release must not be swallowed.
func (h *BucketHolder) release(ctx context.Context) error {
	if h.released {
		return nil
	}
	if err := h.store.ReleaseBucketLease(ctx, h.bucket, h.owner); err != nil {
		return fmt.Errorf("release bucket %d: %w", h.bucket, err)
	}
	h.released = true
	runtime.SetFinalizer(h, nil)
	return nil
}
