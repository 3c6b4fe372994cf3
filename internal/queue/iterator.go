package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/coord"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/objstore"
)

// ErrRetryExhausted is returned by ReturnForRetry when a descriptor has been
// re-queued more than the configured bound. The caller records the file as a
// read failure instead of re-queueing, so a persistently unreadable object
// cannot livelock a processor.
var ErrRetryExhausted = errors.New("open retry budget exhausted")

// FileIterator hands out the next file a processor may legally process. It
// wraps the object lister and the coordination store; in bucketed mode it
// additionally enforces that files of one bucket are delivered in strict
// listing order under a single fleet-wide lease.
//
// All mutable state is serialized through one mutex. File claiming is cheap
// next to reading and decoding, which happen outside the lock.
type FileIterator struct {
	store          coord.Store
	lister         objstore.Lister
	owner          string
	buckets        uint64 // >1 enables bucketed (ordered) mode
	maxOpenRetries int
	log            *slog.Logger

	mu       sync.Mutex
	finished bool // lister exhausted

	// Bucketed mode. listedKeys caches descriptors seen by listing but not
	// yet claimable by the pulling processor; insertion order is listing
	// order and is never rearranged.
	listedKeys   map[Bucket]*listedKeys
	holders      map[uint64][]*BucketHolder
	holderByPath map[string]*BucketHolder

	// Unordered mode re-delivery queue.
	retryQueue []*objstore.Descriptor

	retryCounts map[string]int
}

type listedKeys struct {
	keys []queuedKey
	// processor currently draining this bucket, nil when unassigned.
	processor *uint64
}

type queuedKey struct {
	d *objstore.Descriptor
	// claimed marks a descriptor re-queued by ReturnForRetry: it is still
	// claimed by us and must not go through TryClaimFile again.
	claimed bool
}

// IteratorConfig parameterizes a FileIterator.
type IteratorConfig struct {
	// Owner is a fleet-unique identity for this loader instance.
	Owner string
	// Buckets enables ordered mode when > 1.
	Buckets uint64
	// MaxOpenRetries bounds ReturnForRetry per descriptor.
	MaxOpenRetries int
}

// NewFileIterator creates an iterator over one listing run.
func NewFileIterator(store coord.Store, lister objstore.Lister, cfg IteratorConfig, log *slog.Logger) *FileIterator {
	if cfg.MaxOpenRetries < 1 {
		cfg.MaxOpenRetries = 3
	}
	if log == nil {
		log = slog.With("component", "file_iterator")
	}
	return &FileIterator{
		store:          store,
		lister:         lister,
		owner:          cfg.Owner,
		buckets:        cfg.Buckets,
		maxOpenRetries: cfg.MaxOpenRetries,
		log:            log,
		listedKeys:     make(map[Bucket]*listedKeys),
		holders:        make(map[uint64][]*BucketHolder),
		holderByPath:   make(map[string]*BucketHolder),
		retryCounts:    make(map[string]int),
	}
}

// Ordered reports whether bucketed mode is active.
func (it *FileIterator) Ordered() bool { return it.buckets > 1 }

// leaseOwner is the coordination-store identity for one processor lane.
// Lanes of the same loader compete for buckets like remote owners do.
func (it *FileIterator) leaseOwner(processor uint64) string {
	return fmt.Sprintf("%s/p%d", it.owner, processor)
}

// Next returns the next file this processor may process, or nil when nothing
// is claimable right now. Listing and claim failures abort the pull.
func (it *FileIterator) Next(ctx context.Context, processor uint64) (*objstore.Descriptor, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !it.Ordered() {
		return it.nextUnordered(ctx)
	}
	return it.nextFromBuckets(ctx, processor)
}

func (it *FileIterator) nextUnordered(ctx context.Context) (*objstore.Descriptor, error) {
	// Re-deliveries come before newly listed keys.
	if len(it.retryQueue) > 0 {
		d := it.retryQueue[0]
		it.retryQueue = it.retryQueue[1:]
		return d, nil
	}

	for !it.finished {
		d, err := it.lister.Next(ctx)
		if err == io.EOF {
			it.finished = true
			break
		}
		if err != nil {
			return nil, err
		}

		claimed, err := it.store.TryClaimFile(ctx, d.Path, it.owner)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", d.Path, err)
		}
		if claimed {
			return d, nil
		}
		// Already claimed or in a terminal state elsewhere.
	}
	return nil, nil
}

func (it *FileIterator) nextFromBuckets(ctx context.Context, processor uint64) (*objstore.Descriptor, error) {
	for {
		// 1. Drain buckets this processor already holds, oldest key first.
		for _, holder := range it.holders[processor] {
			d, err := it.popFromBucket(ctx, holder)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}

		// 2. Adopt cached buckets nobody is draining. The lease may have
		// been freed since the keys were listed.
		for bucket, lk := range it.listedKeys {
			if lk.processor != nil || len(lk.keys) == 0 {
				continue
			}
			holder, err := it.tryHoldBucket(ctx, bucket, processor)
			if err != nil {
				return nil, err
			}
			if holder == nil {
				continue
			}
			d, err := it.popFromBucket(ctx, holder)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}

		if it.finished {
			// Exhausted for now. Keys cached under foreign leases stay
			// cached; they become claimable once those owners commit.
			return nil, nil
		}

		// 3. Pull fresh descriptors from the lister.
		d, err := it.lister.Next(ctx)
		if err == io.EOF {
			it.finished = true
			continue
		}
		if err != nil {
			return nil, err
		}

		bucket := BucketOf(d.Path, it.buckets)
		lk := it.listedKeys[bucket]
		if lk == nil {
			lk = &listedKeys{}
			it.listedKeys[bucket] = lk
		}

		if lk.processor != nil {
			if *lk.processor == processor {
				// Our bucket and its queue is already drained, so this
				// key is next in listing order.
				holder := it.holderForBucket(processor, bucket)
				got, err := it.claimAndTrack(ctx, d, holder)
				if err != nil {
					return nil, err
				}
				if got {
					return d, nil
				}
				continue
			}
			// Another lane is draining this bucket. First listed stays
			// first served once the bucket frees up.
			lk.keys = append(lk.keys, queuedKey{d: d})
			continue
		}

		holder, err := it.tryHoldBucket(ctx, bucket, processor)
		if err != nil {
			return nil, err
		}
		if holder == nil {
			// Lease held by a remote owner; cache for later.
			lk.keys = append(lk.keys, queuedKey{d: d})
			continue
		}
		got, err := it.claimAndTrack(ctx, d, holder)
		if err != nil {
			return nil, err
		}
		if got {
			return d, nil
		}
	}
}

// popFromBucket serves the oldest claimable key of a held bucket.
func (it *FileIterator) popFromBucket(ctx context.Context, holder *BucketHolder) (*objstore.Descriptor, error) {
	lk := it.listedKeys[holder.bucket]
	if lk == nil {
		return nil, nil
	}
	for len(lk.keys) > 0 {
		key := lk.keys[0]
		lk.keys = lk.keys[1:]

		if key.claimed {
			it.track(key.d, holder)
			return key.d, nil
		}
		got, err := it.claimAndTrack(ctx, key.d, holder)
		if err != nil {
			return nil, err
		}
		if got {
			return key.d, nil
		}
	}
	return nil, nil
}

// tryHoldBucket acquires the bucket lease for a processor lane.
func (it *FileIterator) tryHoldBucket(ctx context.Context, bucket Bucket, processor uint64) (*BucketHolder, error) {
	ok, err := it.store.TryAcquireBucketLease(ctx, bucket, it.leaseOwner(processor))
	if err != nil {
		return nil, fmt.Errorf("acquire bucket %d: %w", bucket, err)
	}
	if !ok {
		return nil, nil
	}
	holder := newBucketHolder(bucket, it.leaseOwner(processor), it.store, it.log)
	it.holders[processor] = append(it.holders[processor], holder)
	lk := it.listedKeys[bucket]
	if lk == nil {
		lk = &listedKeys{}
		it.listedKeys[bucket] = lk
	}
	p := processor
	lk.processor = &p
	if m := metrics.Get(); m != nil {
		m.SetHeldBuckets(it.totalHolders())
	}
	return holder, nil
}

func (it *FileIterator) totalHolders() int {
	n := 0
	for _, hs := range it.holders {
		n += len(hs)
	}
	return n
}

func (it *FileIterator) holderForBucket(processor uint64, bucket Bucket) *BucketHolder {
	for _, h := range it.holders[processor] {
		if h.bucket == bucket {
			return h
		}
	}
	return nil
}

func (it *FileIterator) claimAndTrack(ctx context.Context, d *objstore.Descriptor, holder *BucketHolder) (bool, error) {
	claimed, err := it.store.TryClaimFile(ctx, d.Path, it.owner)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", d.Path, err)
	}
	if !claimed {
		return false, nil
	}
	it.track(d, holder)
	return true, nil
}

func (it *FileIterator) track(d *objstore.Descriptor, holder *BucketHolder) {
	if holder != nil {
		holder.pending++
		it.holderByPath[d.Path] = holder
	}
}

// ReturnForRetry re-queues a descriptor whose object could not be opened due
// to a transient condition. It is redelivered before newly listed keys, as if
// it had never been removed. Returns ErrRetryExhausted once the per-file
// bound is hit.
func (it *FileIterator) ReturnForRetry(d *objstore.Descriptor) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.retryCounts[d.Path]++
	if it.retryCounts[d.Path] > it.maxOpenRetries {
		return fmt.Errorf("%w: %s returned %d times", ErrRetryExhausted, d.Path, it.retryCounts[d.Path]-1)
	}

	if !it.Ordered() {
		it.retryQueue = append([]*objstore.Descriptor{d}, it.retryQueue...)
		return nil
	}

	holder := it.holderByPath[d.Path]
	if holder == nil {
		return fmt.Errorf("return for retry: %s was not handed out by this iterator", d.Path)
	}
	// The descriptor stops being pending until it is handed out again.
	holder.pending--
	delete(it.holderByPath, d.Path)

	lk := it.listedKeys[holder.bucket]
	lk.keys = append([]queuedKey{{d: d, claimed: true}}, lk.keys...)
	return nil
}

// FileFinalized tells the iterator a claimed file reached a committed
// terminal state. Bookkeeping for releaseFinishedBuckets.
func (it *FileIterator) FileFinalized(path string) {
	it.mu.Lock()
	defer it.mu.Unlock()

	delete(it.retryCounts, path)
	holder, ok := it.holderByPath[path]
	if !ok {
		return
	}
	holder.pending--
	delete(it.holderByPath, path)
}

// ReleaseFinishedBuckets frees every bucket this processor holds whose
// claimed files have all been committed. A release failure is surfaced:
// a stuck lease blocks cluster-wide progress on that bucket.
func (it *FileIterator) ReleaseFinishedBuckets(ctx context.Context, processor uint64) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	held := it.holders[processor]
	var kept []*BucketHolder
	for i, holder := range held {
		if holder.pending > 0 {
			kept = append(kept, holder)
			continue
		}
		if err := holder.release(ctx); err != nil {
			it.holders[processor] = append(kept, held[i:]...)
			return err
		}
		if lk := it.listedKeys[holder.bucket]; lk != nil {
			lk.processor = nil
		}
	}
	it.holders[processor] = kept
	if m := metrics.Get(); m != nil {
		m.SetHeldBuckets(it.totalHolders())
	}
	return nil
}

// IsFinished reports whether the listing is exhausted and no cached or
// re-queued descriptor remains anywhere.
func (it *FileIterator) IsFinished() bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !it.finished || len(it.retryQueue) > 0 {
		return false
	}
	for _, lk := range it.listedKeys {
		if len(lk.keys) > 0 {
			return false
		}
	}
	return true
}

// EstimatedKeysCount is a scheduling hint only, never authoritative.
func (it *FileIterator) EstimatedKeysCount() int {
	return it.lister.EstimatedCount()
}
