package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore implements Store against Redis, using SET NX PX for leased
// locks (the standard single-instance Redis locking pattern) and a Lua
// script for compare-and-delete release so a holder can never release a
// lock it does not own, even if its lease has since expired and been
// reacquired by someone else.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance at addr.
func NewRedisStore(addr, password string, db int) (*redisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	return &redisStore{client: client}, nil
}

func (s *redisStore) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return fmt.Errorf("store: acquire lock %q: %w", name, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// releaseScript deletes the key only if its value matches the caller's
// token, preventing a stale holder from releasing a lock someone else has
// since acquired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

func (s *redisStore) ReleaseLock(ctx context.Context, name, token string) error {
	res, err := s.client.Eval(ctx, releaseScript, []string{lockKey(name)}, token).Result()
	if err != nil {
		return fmt.Errorf("store: release lock %q: %w", name, err)
	}
	deleted, _ := res.(int64)
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *redisStore) Read(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, dataKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read %q: %w", key, err)
	}
	return val, nil
}

func (s *redisStore) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, dataKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("store: write %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func lockKey(name string) string { return "enclave-notify:lock:" + name }
func dataKey(key string) string  { return "enclave-notify:data:" + key }
