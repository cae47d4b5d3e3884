// Package results publishes per-submission results under the device-scoped
// output namespace and lets submitters wait for them. Publishing is an
// idempotent overwrite keyed by request_id: a worker replaying the
// publish/delete pair after a crash rewrites the identical result, so a
// result is delivered at most once and never diverges.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/switchyard-net/switchyard/api"
	"github.com/switchyard-net/switchyard/internal/backend"
	"github.com/switchyard-net/switchyard/internal/clock"
)

const outputPrefix = "output/"

// Config wires a Store.
type Config struct {
	Store backend.Store
	// TTL bounds how long an unclaimed result lives before the backend
	// expires it. Results for submitters that timed out are never read;
	// the TTL is what keeps them from leaking.
	TTL time.Duration
	// PollInterval is the safety poll used alongside the watch, covering
	// backends whose notifications degrade.
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

// Store writes and awaits results.
type Store struct {
	store        backend.Store
	ttl          time.Duration
	pollInterval time.Duration
	clk          clock.Clock
	logger       pslog.Logger
}

// New constructs a result Store.
func New(cfg Config) (*Store, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("results: store required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{store: cfg.Store, ttl: ttl, pollInterval: poll, clk: clk, logger: logger}, nil
}

// Key returns the backend key a result is stored under.
func Key(deviceID, requestID string) string {
	return outputPrefix + deviceID + "/" + requestID
}

// Publish writes the result, overwriting any identical copy from an earlier
// crashed attempt. The result expires via TTL if nobody consumes it.
func (s *Store) Publish(ctx context.Context, res *api.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := s.store.PutTTL(ctx, Key(res.DeviceID, res.RequestID), payload, s.ttl); err != nil {
		return err
	}
	s.logger.Debug("results.publish",
		"device", res.DeviceID,
		"request_id", res.RequestID,
		"outcomes", len(res.Outcomes),
		"failed", res.Failed(),
	)
	return nil
}

// Get reads a result without consuming it.
func (s *Store) Get(ctx context.Context, deviceID, requestID string) (*api.Result, error) {
	kv, err := s.store.Get(ctx, Key(deviceID, requestID))
	if err != nil {
		return nil, err
	}
	var res api.Result
	if err := json.Unmarshal(kv.Value, &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &res, nil
}

// Await blocks until the result for requestID arrives, then consumes it
// (read exactly once, then deleted). It watches the result key and falls
// back to bounded polling; wait bounds the whole operation and a zero wait
// is rejected by the engine before it gets here.
func (s *Store) Await(ctx context.Context, deviceID, requestID string, wait time.Duration) (*api.Result, error) {
	key := Key(deviceID, requestID)
	sub, err := s.store.Watch(key)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	deadline := s.clk.After(wait)
	for {
		res, err := s.Get(ctx, deviceID, requestID)
		switch {
		case err == nil:
			_ = s.Delete(ctx, deviceID, requestID)
			return res, nil
		case errors.Is(err, backend.ErrNotFound):
			// keep waiting
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			s.logger.Debug("results.await.timeout",
				"device", deviceID,
				"request_id", requestID,
				"wait_seconds", wait.Seconds(),
			)
			return nil, api.Failure{
				Code:       api.CodeSubmitTimeout,
				Detail:     fmt.Sprintf("no result for %s within %s", requestID, wait),
				RetryAfter: 1,
			}
		case <-sub.Events():
		case <-s.clk.After(s.pollInterval):
		}
	}
}

// Delete discards a result. Await consumes through it; the TTL covers
// results nobody ever claims.
func (s *Store) Delete(ctx context.Context, deviceID, requestID string) error {
	return s.store.Delete(ctx, Key(deviceID, requestID))
}
