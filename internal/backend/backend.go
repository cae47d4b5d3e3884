// Package backend defines the coordination backend contract: a strongly
// consistent, watchable key-value store with per-write sequence stamps and a
// lease-based try-lock primitive. The engine never talks to etcd or the
// in-memory store directly; everything goes through this seam.
package backend

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("backend: not found")
	// ErrCASMismatch indicates a conditional write lost the race.
	ErrCASMismatch = errors.New("backend: cas mismatch")
	// ErrLockHeld indicates the requested lock slot is currently owned.
	ErrLockHeld = errors.New("backend: lock held")
	// ErrUnavailable indicates the backend could not be reached at all.
	// Callers decide backoff policy; the engine performs no internal retry.
	ErrUnavailable = errors.New("backend: unavailable")
)

// KV is one stored key with its backend-assigned sequence stamp. Sequence
// stamps are strictly increasing across writes, which is what gives queue
// prefixes their total submission order.
type KV struct {
	Key      string
	Value    []byte
	Sequence int64
}

// Subscription delivers coalesced change hints for a watched prefix. An
// event means "something under the prefix changed, re-read"; consumers must
// not assume one event per write.
type Subscription interface {
	Events() <-chan struct{}
	Close() error
}

// LockHandle represents one held lock slot. Unlock is idempotent; releasing
// an already-expired handle is a no-op. The lease behind the handle expires
// on its own if the holder stops renewing it (crash safety).
type LockHandle interface {
	Name() string
	Unlock(ctx context.Context) error
}

// Store is the coordination backend contract.
type Store interface {
	// Put writes key and returns the assigned sequence stamp.
	Put(ctx context.Context, key string, value []byte) (int64, error)
	// PutTTL writes key bound to a lease so it expires after ttl.
	PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)
	// PutIfAbsent writes key only when it does not exist yet.
	PutIfAbsent(ctx context.Context, key string, value []byte) (int64, error)
	// Get returns the stored KV or ErrNotFound.
	Get(ctx context.Context, key string) (*KV, error)
	// List returns all keys under prefix ordered ascending by sequence.
	List(ctx context.Context, prefix string) ([]KV, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Watch subscribes to change hints for prefix.
	Watch(prefix string) (Subscription, error)
	// TryLock grabs the named lock without blocking. Returns ErrLockHeld
	// when another holder owns it. The handle's lease is kept alive until
	// Unlock or holder failure.
	TryLock(ctx context.Context, name string, ttl time.Duration) (LockHandle, error)
	// Close releases backend resources.
	Close() error
}

// Unavailable wraps err as an ErrUnavailable so callers can classify
// connectivity loss without inspecting backend-specific error types.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return unavailableError{err: err}
}

type unavailableError struct {
	err error
}

func (u unavailableError) Error() string { return "backend: unavailable: " + u.err.Error() }
func (u unavailableError) Unwrap() error { return u.err }
func (u unavailableError) Is(target error) bool {
	return target == ErrUnavailable
}
