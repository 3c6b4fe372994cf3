package coord

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps all coordination state in process memory. It provides
// the same linearizable semantics as the durable backends for a single node
// and is the backend the queue tests run against.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[uint64]string
	files  map[string]*fileRecord
}

type fileRecord struct {
	status    Status
	owner     string
	detail    string
	claimedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[uint64]string),
		files:  make(map[string]*fileRecord),
	}
}

func (s *MemoryStore) TryAcquireBucketLease(_ context.Context, bucket uint64, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	holder, held := s.leases[bucket]
	if held && holder != owner {
		return false, nil
	}
	s.leases[bucket] = owner
	return true, nil
}

func (s *MemoryStore) ReleaseBucketLease(_ context.Context, bucket uint64, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	holder, held := s.leases[bucket]
	if !held {
		return nil
	}
	if holder != owner {
		return ErrNotOwner
	}
	delete(s.leases, bucket)
	return nil
}

func (s *MemoryStore) TryClaimFile(_ context.Context, path, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[path]
	if !ok {
		s.files[path] = &fileRecord{status: StatusProcessing, owner: owner, claimedAt: time.Now()}
		return true, nil
	}
	if rec.status != StatusUnprocessed {
		return false, nil
	}
	rec.status = StatusProcessing
	rec.owner = owner
	rec.claimedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) Finalize(_ context.Context, path string, outcome Outcome, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[path]
	if !ok {
		rec = &fileRecord{}
		s.files[path] = rec
	}
	// Idempotent: a processed record stays processed.
	if rec.status == StatusProcessed {
		return nil
	}
	switch outcome {
	case OutcomeProcessed:
		rec.status = StatusProcessed
	case OutcomeFailed:
		rec.status = StatusFailed
	case OutcomeRetryable:
		rec.status = StatusUnprocessed
		rec.owner = ""
	}
	rec.detail = detail
	return nil
}

func (s *MemoryStore) FileStatus(_ context.Context, path string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[path]
	if !ok {
		return StatusUnprocessed, nil
	}
	return rec.status, nil
}

func (s *MemoryStore) Close() error { return nil }

// LeaseOwner returns the current holder of a bucket, for tests.
func (s *MemoryStore) LeaseOwner(bucket uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.leases[bucket]
	return owner, ok
}
