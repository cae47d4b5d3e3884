// Package memory implements the backend contract in-process. It is intended
// for tests and single-node development; cross-process exclusion obviously
// does not hold, but sequence, watch, TTL, and lease semantics mirror the
// etcd adapter closely enough that the engine cannot tell them apart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchyard-net/switchyard/internal/backend"
	"github.com/switchyard-net/switchyard/internal/clock"
)

// Config tunes the in-memory store.
type Config struct {
	// Clock drives TTL and lease expiry. Defaults to the real clock.
	Clock clock.Clock
}

// Store implements backend.Store in memory.
type Store struct {
	mu      sync.Mutex
	clk     clock.Clock
	seq     int64
	entries map[string]*entry
	locks   map[string]*lockState
	subs    map[*subscription]struct{}
	closed  bool
}

type entry struct {
	value     []byte
	seq       int64
	expiresAt time.Time // zero means no TTL
}

type lockState struct {
	holderID  string
	ttl       time.Duration
	expiresAt time.Time
	abandoned bool
}

// New returns a ready to use in-memory store.
func New() *Store { return NewWithConfig(Config{}) }

// NewWithConfig returns an in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		clk:     clk,
		entries: make(map[string]*entry),
		locks:   make(map[string]*lockState),
		subs:    make(map[*subscription]struct{}),
	}
}

// Put writes key and returns the assigned sequence stamp.
func (s *Store) Put(_ context.Context, key string, value []byte) (int64, error) {
	return s.put(key, value, 0)
}

// PutTTL writes key with a lease so it expires after ttl.
func (s *Store) PutTTL(_ context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	return s.put(key, value, ttl)
}

func (s *Store) put(key string, value []byte, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	s.seq++
	e := &entry{value: append([]byte(nil), value...), seq: s.seq}
	if ttl > 0 {
		e.expiresAt = s.clk.Now().Add(ttl)
	}
	s.entries[key] = e
	seq := s.seq
	s.notifyLocked(key)
	s.mu.Unlock()
	return seq, nil
}

// PutIfAbsent writes key only when it does not exist.
func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !s.expiredLocked(e) {
		return 0, backend.ErrCASMismatch
	}
	s.seq++
	s.entries[key] = &entry{value: append([]byte(nil), value...), seq: s.seq}
	s.notifyLocked(key)
	return s.seq, nil
}

// Get returns the stored KV or backend.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) (*backend.KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.expiredLocked(e) {
		delete(s.entries, key)
		return nil, backend.ErrNotFound
	}
	return &backend.KV{Key: key, Value: append([]byte(nil), e.value...), Sequence: e.seq}, nil
}

// List returns keys under prefix ascending by sequence stamp.
func (s *Store) List(_ context.Context, prefix string) ([]backend.KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []backend.KV
	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if s.expiredLocked(e) {
			delete(s.entries, key)
			continue
		}
		out = append(out, backend.KV{Key: key, Value: append([]byte(nil), e.value...), Sequence: e.seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Delete removes key; missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.notifyLocked(key)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) expiredLocked(e *entry) bool {
	return !e.expiresAt.IsZero() && !s.clk.Now().Before(e.expiresAt)
}

// TryLock grabs the named lock without blocking. A live in-process holder is
// treated as continuously renewing; an abandoned holder's lease lapses one
// TTL after the abandon point, which is when waiters get through.
func (s *Store) TryLock(_ context.Context, name string, ttl time.Duration) (backend.LockHandle, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if ls, ok := s.locks[name]; ok {
		if !ls.abandoned {
			// Holder is alive in this process: implicit renewal.
			ls.expiresAt = now.Add(ls.ttl)
			return nil, backend.ErrLockHeld
		}
		if now.Before(ls.expiresAt) {
			return nil, backend.ErrLockHeld
		}
		delete(s.locks, name)
	}
	id := uuid.NewString()
	s.locks[name] = &lockState{holderID: id, ttl: ttl, expiresAt: now.Add(ttl)}
	return &Handle{store: s, name: name, holderID: id}, nil
}

// Handle is the in-memory lock handle. Abandon simulates a crashed holder.
type Handle struct {
	store    *Store
	name     string
	holderID string
}

// Name returns the lock name.
func (h *Handle) Name() string { return h.name }

// Unlock releases the lock. Releasing an expired or stolen handle is a no-op.
func (h *Handle) Unlock(_ context.Context) error {
	h.store.mu.Lock()
	if ls, ok := h.store.locks[h.name]; ok && ls.holderID == h.holderID {
		delete(h.store.locks, h.name)
	}
	h.store.mu.Unlock()
	return nil
}

// Abandon stops lease renewal without releasing, as a crashed holder would.
// The lease lapses one TTL later and the next TryLock succeeds.
func (h *Handle) Abandon() {
	h.store.mu.Lock()
	if ls, ok := h.store.locks[h.name]; ok && ls.holderID == h.holderID {
		ls.abandoned = true
		ls.expiresAt = h.store.clk.Now().Add(ls.ttl)
	}
	h.store.mu.Unlock()
}

// HeldLocks reports currently held lock names, for invariant checks in tests.
func (s *Store) HeldLocks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	var held []string
	for name, ls := range s.locks {
		if ls.abandoned && !now.Before(ls.expiresAt) {
			continue
		}
		held = append(held, name)
	}
	sort.Strings(held)
	return held
}

// Watch subscribes to change hints for prefix.
func (s *Store) Watch(prefix string) (backend.Subscription, error) {
	sub := &subscription{store: s, prefix: prefix, ch: make(chan struct{}, 1)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

func (s *Store) notifyLocked(key string) {
	for sub := range s.subs {
		if !strings.HasPrefix(key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

type subscription struct {
	store  *Store
	prefix string
	ch     chan struct{}
	once   sync.Once
}

func (sub *subscription) Events() <-chan struct{} { return sub.ch }

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		sub.store.mu.Unlock()
	})
	return nil
}

// Close drops all subscriptions and state.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()
	return nil
}
