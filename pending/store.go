package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRequestGone covers both "never existed" and "expired"; callers must
	// not be able to distinguish the two.
	ErrRequestGone = errors.New("expired_request")
	// ErrVersionConflict is returned when a CAS write lost to a concurrent
	// writer; the caller re-reads and retries.
	ErrVersionConflict = errors.New("pending request version conflict")
	// ErrBackendUnavailable wraps Redis transport failures.
	ErrBackendUnavailable = errors.New("pending store backend unavailable")
)

// Store persists pending authorization requests. Implementations are
// injected at construction time; there are no package-level registries.
type Store interface {
	// Create persists a new request under its rid with the given TTL.
	Create(ctx context.Context, req *Request, ttl time.Duration) error
	// Get returns the request, or ErrRequestGone uniformly when absent or
	// past TTL.
	Get(ctx context.Context, rid string) (*Request, error)
	// CompareAndSwap writes req if the stored version still equals
	// req.Version, bumping the version and preserving the remaining TTL.
	CompareAndSwap(ctx context.Context, req *Request) error
	// Delete evicts the request. Idempotent: deleting a missing rid is a
	// no-op.
	Delete(ctx context.Context, rid string) error
}

const (
	casStatusGone     int64 = 0
	casStatusConflict int64 = 1
	casStatusSwapped  int64 = 2
)

const casScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local rec = cjson.decode(data)
if tonumber(rec.version) ~= tonumber(ARGV[1]) then
  return 1
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  redis.call("DEL", KEYS[1])
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
return 2
`

var casLua = redis.NewScript(casScript)

// RedisStore is the distributed Store used by multi-instance deployments.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed pending-request store.
func NewRedisStore(redisClient redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pr"
	}
	return &RedisStore{redis: redisClient, prefix: prefix}
}

func (s *RedisStore) key(rid string) string {
	return s.prefix + ":" + rid
}

func (s *RedisStore) Create(ctx context.Context, req *Request, ttl time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(req.RID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, rid string) (*Request, error) {
	data, err := s.redis.Get(ctx, s.key(rid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRequestGone
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Expired(time.Now()) {
		_ = s.redis.Del(ctx, s.key(rid)).Err()
		return nil, ErrRequestGone
	}
	return &req, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, req *Request) error {
	expected := req.Version
	next := *req
	next.Version = expected + 1

	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	status, err := casLua.Run(ctx, s.redis, []string{s.key(req.RID)}, expected, data).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	switch status {
	case casStatusGone:
		return ErrRequestGone
	case casStatusConflict:
		return ErrVersionConflict
	case casStatusSwapped:
		req.Version = next.Version
		return nil
	default:
		return fmt.Errorf("%w: unknown cas script status %d", ErrBackendUnavailable, status)
	}
}

func (s *RedisStore) Delete(ctx context.Context, rid string) error {
	if err := s.redis.Del(ctx, s.key(rid)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// MemoryStore is the in-process Store for single-instance deployments and
// tests. Lifetime is process-scoped; Close releases everything.
type MemoryStore struct {
	mu   sync.Mutex
	reqs map[string]*memoryEntry
}

type memoryEntry struct {
	data      []byte
	version   int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Create(_ context.Context, req *Request, ttl time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reqs[req.RID] = &memoryEntry{
		data:      data,
		version:   req.Version,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, rid string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveEntry(rid)
	if !ok {
		return nil, ErrRequestGone
	}

	var req Request
	if err := json.Unmarshal(entry.data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveEntry(req.RID)
	if !ok {
		return ErrRequestGone
	}
	if entry.version != req.Version {
		return ErrVersionConflict
	}

	next := *req
	next.Version = req.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	entry.data = data
	entry.version = next.Version
	req.Version = next.Version
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, rid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.reqs, rid)
	return nil
}

// Close evicts all entries. Explicit teardown for process shutdown.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reqs = make(map[string]*memoryEntry)
}

// liveEntry returns the entry if present and unexpired, purging it lazily
// otherwise. Callers hold s.mu.
func (s *MemoryStore) liveEntry(rid string) (*memoryEntry, bool) {
	entry, ok := s.reqs[rid]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(entry.expiresAt) {
		delete(s.reqs, rid)
		return nil, false
	}
	return entry, true
}
