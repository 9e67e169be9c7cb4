// Package store defines the coordination-store abstraction the Parent
// Coordinator uses for genesis election, peer registry entries, and
// leased locks. Production deployments use redisStore; tests use memStore,
// per spec.md's own guidance of one production backend plus one in-memory
// test double.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned by AcquireLock when another holder already owns
// the named lock.
var ErrLockHeld = errors.New("store: lock already held")

// ErrNotHeld is returned by ReleaseLock when the caller's token does not
// match the current holder (or no lock exists), preventing a caller from
// releasing a lease it does not own.
var ErrNotHeld = errors.New("store: lock not held by caller")

// ErrNotFound is returned by Read when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the coordination primitive the Parent Coordinator builds
// genesis election and peer discovery on top of.
type Store interface {
	// AcquireLock attempts to take the named lock for ttl under token, a
	// value chosen by the caller that must be presented to ReleaseLock. It
	// returns ErrLockHeld if another token currently holds it.
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) error

	// ReleaseLock releases the named lock if and only if token matches
	// the current holder.
	ReleaseLock(ctx context.Context, name, token string) error

	// Read returns the value stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores value under key. A ttl of zero means no expiration.
	Write(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases any resources held by the store.
	Close() error
}
