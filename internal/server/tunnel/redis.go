package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const leaseKeyPrefix = "outray:lease:"

// LeaseRecord is the value stored under a lease key. It doubles as the
// compare token for owner-checked renew/release: the exact encoded bytes
// written at acquire time are what the Lua scripts compare against, so a
// lease reclaimed by another process can never be renewed or released by
// the previous holder. Other processes may decode it to see who owns an
// identity.
type LeaseRecord struct {
	Identity   string `msgpack:"identity"`
	Owner      string `msgpack:"owner"`
	AcquiredAt int64  `msgpack:"acquired_at"`
}

// renewScript extends the TTL only while the stored value matches ours.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only while the stored value matches ours.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string][]byte // identity -> encoded record we wrote
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		tokens: make(map[string][]byte),
	}
}

func leaseKey(identity string) string { return leaseKeyPrefix + identity }

func (s *RedisStore) encode(identity, owner string) ([]byte, error) {
	rec := LeaseRecord{
		Identity:   identity,
		Owner:      owner,
		AcquiredAt: time.Now().UnixMilli(),
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode lease record: %w", err)
	}
	return data, nil
}

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, identity, owner string, ttl time.Duration) (bool, error) {
	data, err := s.encode(identity, owner)
	if err != nil {
		return false, err
	}

	ok, err := s.client.SetNX(ctx, leaseKey(identity), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %q: %w", identity, err)
	}
	if ok {
		s.mu.Lock()
		s.tokens[identity] = data
		s.mu.Unlock()
	}
	return ok, nil
}

// Renew implements Store.
func (s *RedisStore) Renew(ctx context.Context, identity, owner string, ttl time.Duration) (bool, error) {
	token, ok := s.token(identity)
	if !ok {
		return false, nil
	}

	n, err := renewScript.Run(ctx, s.client, []string{leaseKey(identity)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease renew %q: %w", identity, err)
	}
	return n == 1, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, identity, owner string) error {
	token, ok := s.token(identity)
	if !ok {
		return nil
	}
	s.mu.Lock()
	delete(s.tokens, identity)
	s.mu.Unlock()

	if _, err := releaseScript.Run(ctx, s.client, []string{leaseKey(identity)}, token).Int(); err != nil {
		return fmt.Errorf("lease release %q: %w", identity, err)
	}
	return nil
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, identity, owner string, ttl time.Duration) error {
	data, err := s.encode(identity, owner)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, leaseKey(identity), data, ttl).Err(); err != nil {
		return fmt.Errorf("lease takeover %q: %w", identity, err)
	}
	s.mu.Lock()
	s.tokens[identity] = data
	s.mu.Unlock()
	return nil
}

// Holder decodes the current lease record for identity, if any.
func (s *RedisStore) Holder(ctx context.Context, identity string) (*LeaseRecord, error) {
	data, err := s.client.Get(ctx, leaseKey(identity)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease lookup %q: %w", identity, err)
	}
	var rec LeaseRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode lease record %q: %w", identity, err)
	}
	return &rec, nil
}

func (s *RedisStore) token(identity string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[identity]
	return token, ok
}
