// Package locking provides bounded-wait mutual exclusion per device on top
// of the coordination backend's lease-based try-lock. A device with
// max_sessions > 1 is modelled as a fixed pool of lock slots; acquiring any
// free slot admits one session, so the slot count is the sole enforcement of
// the device's concurrent-session cap.
package locking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/switchyard-net/switchyard/api"
	"github.com/switchyard-net/switchyard/internal/backend"
	"github.com/switchyard-net/switchyard/internal/clock"
)

const lockPrefix = "lock/"

// Jittered backoff between pool sweeps, mirroring the random 0..1s retry
// wait the acquisition loop has always used.
const (
	sweepBackoffStart      = 50 * time.Millisecond
	sweepBackoffMax        = 1 * time.Second
	sweepBackoffMultiplier = 1.6
)

// Config wires a Manager.
type Config struct {
	Store backend.Store
	// LeaseTTL is how long a slot lease survives without renewal. Holder
	// failure releases the slot after at most this long.
	LeaseTTL time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Manager acquires and releases device lock slots.
type Manager struct {
	store    backend.Store
	leaseTTL time.Duration
	clk      clock.Clock
	logger   pslog.Logger
}

// New constructs a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("locking: store required")
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Manager{store: cfg.Store, leaseTTL: ttl, clk: clk, logger: logger}, nil
}

// Handle is a held lock slot for a device.
type Handle struct {
	DeviceID string
	Slot     string

	inner    backend.LockHandle
	released atomic.Bool
	logger   pslog.Logger
}

// SlotNames returns the backend lock names for a device's slot pool.
func SlotNames(deviceID string, slots int) []string {
	if slots <= 1 {
		return []string{lockPrefix + deviceID}
	}
	names := make([]string, 0, slots)
	for i := 0; i < slots; i++ {
		names = append(names, fmt.Sprintf("%s%s/%d", lockPrefix, deviceID, i))
	}
	return names
}

// Acquire grabs the first available slot for deviceID, sweeping the pool
// with jittered backoff until a slot is free or timeout elapses. A timeout
// of zero waits forever. The caller's context cancels the wait early.
func (m *Manager) Acquire(ctx context.Context, deviceID string, slots int, timeout time.Duration) (*Handle, error) {
	names := SlotNames(deviceID, slots)
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = m.logger
	}
	logger.Debug("lock.acquire.begin",
		"device", deviceID,
		"slots", len(names),
		"timeout_seconds", timeout.Seconds(),
	)

	var deadline time.Time
	if timeout > 0 {
		deadline = m.clk.Now().Add(timeout)
	}
	backoff := sweepBackoffStart
	start := m.clk.Now()
	for attempt := 0; ; attempt++ {
		name := names[attempt%len(names)]
		handle, err := m.store.TryLock(ctx, name, m.leaseTTL)
		switch {
		case err == nil:
			logger.Debug("lock.acquire.success",
				"device", deviceID,
				"slot", name,
				"wait_seconds", m.clk.Now().Sub(start).Seconds(),
			)
			return &Handle{DeviceID: deviceID, Slot: name, inner: handle, logger: logger}, nil
		case errors.Is(err, backend.ErrLockHeld):
			// try next slot, or back off after a full sweep
		case errors.Is(err, backend.ErrUnavailable):
			return nil, err
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("try lock %s: %w", name, err)
		}

		if (attempt+1)%len(names) != 0 {
			continue
		}
		now := m.clk.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			logger.Info("lock.acquire.timeout",
				"device", deviceID,
				"slots", len(names),
				"timeout_seconds", timeout.Seconds(),
			)
			return nil, api.Failure{
				Code:       api.CodeLockTimeout,
				Detail:     fmt.Sprintf("no free lock slot for %s within %s", deviceID, timeout),
				RetryAfter: retryAfterSeconds(m.leaseTTL),
			}
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		if !deadline.IsZero() {
			if remaining := deadline.Sub(now); remaining < sleep {
				sleep = remaining
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clk.After(sleep):
		}
		backoff = time.Duration(float64(backoff) * sweepBackoffMultiplier)
		if backoff > sweepBackoffMax {
			backoff = sweepBackoffMax
		}
	}
}

// Release unlocks the handle. Releasing twice, or releasing a handle whose
// lease already expired, is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if err := h.inner.Unlock(ctx); err != nil {
		h.logger.Warn("lock.release.failed", "device", h.DeviceID, "slot", h.Slot, "error", err)
		return
	}
	h.logger.Debug("lock.release.success", "device", h.DeviceID, "slot", h.Slot)
}

func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Seconds()))
}
