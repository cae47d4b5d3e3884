// Package etcdv3 adapts an etcd cluster to the backend contract. Sequence
// stamps are etcd create revisions, watches are native prefix watches, and
// locks ride on concurrency sessions whose leases expire when the holder
// stops its keepalive (crash safety).
package etcdv3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/switchyard-net/switchyard/internal/backend"
)

// Config carries the connection descriptor supplied by the deployment.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	TLS         *tls.Config
}

// Store implements backend.Store over etcd client/v3.
type Store struct {
	cli *clientv3.Client

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// New connects to the cluster described by cfg.
func New(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcdv3: endpoints required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLS:         cfg.TLS,
	})
	if err != nil {
		return nil, backend.Unavailable(err)
	}
	return &Store{cli: cli}, nil
}

// Put writes key and returns the header revision as the sequence stamp.
func (s *Store) Put(ctx context.Context, key string, value []byte) (int64, error) {
	resp, err := s.cli.Put(ctx, key, string(value))
	if err != nil {
		return 0, backend.Unavailable(err)
	}
	return resp.Header.Revision, nil
}

// PutTTL writes key attached to a fresh lease of ttl.
func (s *Store) PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	grant, err := s.cli.Grant(ctx, seconds)
	if err != nil {
		return 0, backend.Unavailable(err)
	}
	resp, err := s.cli.Put(ctx, key, string(value), clientv3.WithLease(grant.ID))
	if err != nil {
		return 0, backend.Unavailable(err)
	}
	return resp.Header.Revision, nil
}

// PutIfAbsent creates key only when it has no create revision yet.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte) (int64, error) {
	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return 0, backend.Unavailable(err)
	}
	if !resp.Succeeded {
		return 0, backend.ErrCASMismatch
	}
	return resp.Header.Revision, nil
}

// Get returns the stored KV or backend.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*backend.KV, error) {
	resp, err := s.cli.Get(ctx, key)
	if err != nil {
		return nil, backend.Unavailable(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, backend.ErrNotFound
	}
	return kvFromEtcd(resp.Kvs[0]), nil
}

// List returns all keys under prefix ascending by create revision, which is
// assignment order and therefore submission order.
func (s *Store) List(ctx context.Context, prefix string) ([]backend.KV, error) {
	resp, err := s.cli.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	)
	if err != nil {
		return nil, backend.Unavailable(err)
	}
	out := make([]backend.KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, *kvFromEtcd(kv))
	}
	return out, nil
}

func kvFromEtcd(kv *mvccpb.KeyValue) *backend.KV {
	return &backend.KV{
		Key:      string(kv.Key),
		Value:    append([]byte(nil), kv.Value...),
		Sequence: kv.CreateRevision,
	}
}

// Delete removes key; missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.cli.Delete(ctx, key); err != nil {
		return backend.Unavailable(err)
	}
	return nil
}

// Watch subscribes to coalesced change hints for prefix.
func (s *Store) Watch(prefix string) (backend.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	events := make(chan struct{}, 1)
	wch := s.cli.Watch(ctx, prefix, clientv3.WithPrefix())
	go func() {
		defer close(events)
		for resp := range wch {
			if resp.Canceled {
				return
			}
			if len(resp.Events) == 0 {
				continue
			}
			select {
			case events <- struct{}{}:
			default:
			}
		}
	}()
	return &subscription{events: events, cancel: cancel}, nil
}

type subscription struct {
	events chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (sub *subscription) Events() <-chan struct{} { return sub.events }

func (sub *subscription) Close() error {
	sub.once.Do(sub.cancel)
	return nil
}

// TryLock grabs name via a concurrency mutex on a fresh session. The session
// keepalive renews the lease until Unlock; if the process dies, the lease
// expires server-side and the next waiter gets through.
func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (backend.LockHandle, error) {
	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	sess, err := concurrency.NewSession(s.cli, concurrency.WithTTL(seconds), concurrency.WithContext(ctx))
	if err != nil {
		return nil, backend.Unavailable(err)
	}
	mu := concurrency.NewMutex(sess, name)
	if err := mu.TryLock(ctx); err != nil {
		_ = sess.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, backend.ErrLockHeld
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, backend.Unavailable(err)
	}
	return &lockHandle{name: name, mu: mu, sess: sess}, nil
}

type lockHandle struct {
	name string
	mu   *concurrency.Mutex
	sess *concurrency.Session
	once sync.Once
}

func (h *lockHandle) Name() string { return h.name }

// Unlock releases the mutex and closes the session. Errors from an already
// expired session are swallowed: the lease is gone either way.
func (h *lockHandle) Unlock(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		err = h.mu.Unlock(ctx)
		_ = h.sess.Close()
	})
	if err != nil && errors.Is(err, concurrency.ErrSessionExpired) {
		return nil
	}
	return err
}

// Close cancels outstanding watches and closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	s.mu.Unlock()
	return s.cli.Close()
}
