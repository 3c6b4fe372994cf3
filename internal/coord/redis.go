package coord

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	r "github.com/redis/go-redis/v9"
)

// RedisStore implements Store on redis. Bucket leases are SET NX keys with a
// TTL; file records are plain string keys of the form "<status>|<detail>".
// Processing claims carry the lease TTL so a crashed owner's claim expires;
// terminal statuses are written without expiry.
type RedisStore struct {
	rdb      *r.Client
	leaseTTL time.Duration
}

const (
	bucketKeyPrefix = "queue:bucket:"
	fileKeyPrefix   = "queue:file:"
)

func NewRedisStore(cfg Config) (*RedisStore, error) {
	rdb := r.NewClient(&r.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{rdb: rdb, leaseTTL: cfg.LeaseTTL}, nil
}

func bucketKey(bucket uint64) string {
	return bucketKeyPrefix + strconv.FormatUint(bucket, 10)
}

func fileKey(path string) string { return fileKeyPrefix + path }

// acquireScript grants the lease when free or already held by the caller,
// refreshing the TTL either way.
var acquireScript = r.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == false or holder == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

func (s *RedisStore) TryAcquireBucketLease(ctx context.Context, bucket uint64, owner string) (bool, error) {
	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{bucketKey(bucket)}, owner, s.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire bucket lease: %w", err)
	}
	return res == 1, nil
}

// releaseScript deletes the lease only when held by the caller.
var releaseScript = r.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == false then
	return 1
end
if holder == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

func (s *RedisStore) ReleaseBucketLease(ctx context.Context, bucket uint64, owner string) error {
	res, err := releaseScript.Run(ctx, s.rdb, []string{bucketKey(bucket)}, owner).Int()
	if err != nil {
		return fmt.Errorf("release bucket lease: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("%w: bucket %d", ErrNotOwner, bucket)
	}
	return nil
}

// claimScript claims a file that has no record or an unprocessed one. The
// processing value carries a TTL so abandoned claims expire on their own.
var claimScript = r.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false or string.sub(v, 1, 11) == "unprocessed" then
	redis.call("SET", KEYS[1], "processing|" .. ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

func (s *RedisStore) TryClaimFile(ctx context.Context, path, owner string) (bool, error) {
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{fileKey(path)}, owner, s.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("claim file %s: %w", path, err)
	}
	return res == 1, nil
}

// finalizeScript writes a terminal status unless the record is already
// processed. Retryable outcomes delete the key so the next claim succeeds.
var finalizeScript = r.NewScript(`
local v = redis.call("GET", KEYS[1])
if v ~= false and string.sub(v, 1, 9) == "processed" then
	return 1
end
if ARGV[1] == "unprocessed" then
	redis.call("DEL", KEYS[1])
else
	redis.call("SET", KEYS[1], ARGV[1] .. "|" .. ARGV[2])
end
return 1
`)

func (s *RedisStore) Finalize(ctx context.Context, path string, outcome Outcome, detail string) error {
	var status string
	switch outcome {
	case OutcomeProcessed:
		status = string(StatusProcessed)
	case OutcomeFailed:
		status = string(StatusFailed)
	case OutcomeRetryable:
		status = string(StatusUnprocessed)
	default:
		return fmt.Errorf("finalize %s: unknown outcome %q", path, outcome)
	}
	if err := finalizeScript.Run(ctx, s.rdb,
		[]string{fileKey(path)}, status, detail).Err(); err != nil {
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) FileStatus(ctx context.Context, path string) (Status, error) {
	v, err := s.rdb.Get(ctx, fileKey(path)).Result()
	if err == r.Nil {
		return StatusUnprocessed, nil
	}
	if err != nil {
		return "", fmt.Errorf("file status %s: %w", path, err)
	}
	status, _, _ := strings.Cut(v, "|")
	return Status(status), nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
