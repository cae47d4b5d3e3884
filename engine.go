package switchyard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/switchyard-net/switchyard/api"
	"github.com/switchyard-net/switchyard/internal/backend"
	"github.com/switchyard-net/switchyard/internal/clock"
	"github.com/switchyard-net/switchyard/internal/cmdqueue"
	"github.com/switchyard-net/switchyard/internal/locking"
	"github.com/switchyard-net/switchyard/internal/metrics"
	"github.com/switchyard-net/switchyard/internal/results"
	"github.com/switchyard-net/switchyard/internal/svcfields"
	"github.com/switchyard-net/switchyard/internal/worker"
)

// Option customises Engine construction.
type Option func(*Engine)

// WithLogger installs the base logger (Noop when omitted).
func WithLogger(logger pslog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the engine clock, used by tests.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithStore injects a pre-built coordination backend instead of opening one
// from cfg.Store. The caller keeps ownership and closes it.
func WithStore(store backend.Store) Option {
	return func(e *Engine) { e.store = store; e.ownStore = false }
}

// WithMetrics installs Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the submitter API plus the per-device batch workers. One Engine
// per process; multiple processes may run engines for the same devices, with
// the coordination backend as the sole arbiter of who executes.
type Engine struct {
	cfg     Config
	devices map[string]api.Device

	store    backend.Store
	ownStore bool
	locks    *locking.Manager
	queue    *cmdqueue.Queue
	results  *results.Store
	dial     api.SessionFunc

	logger  pslog.Logger
	clk     clock.Clock
	metrics *metrics.Metrics

	workers map[string]*worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New constructs an Engine. dial is the collaborator-supplied session
// opener; the engine never opens device sessions any other way.
func New(cfg Config, dial api.SessionFunc, opts ...Option) (*Engine, error) {
	if dial == nil {
		return nil, fmt.Errorf("switchyard: session func required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		dial:     dial,
		ownStore: true,
		logger:   pslog.NoopLogger(),
		clk:      clock.Real{},
		devices:  make(map[string]api.Device, len(cfg.Devices)),
		workers:  make(map[string]*worker.Worker),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = pslog.NoopLogger()
	}
	if e.clk == nil {
		e.clk = clock.Real{}
	}

	if e.store == nil {
		store, err := openStore(cfg, e.clk)
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	var err error
	e.locks, err = locking.New(locking.Config{
		Store:    e.store,
		LeaseTTL: cfg.LockLeaseTTL,
		Clock:    e.clk,
		Logger:   svcfields.WithSubsystem(e.logger, "locks"),
	})
	if err != nil {
		return nil, err
	}
	e.queue, err = cmdqueue.New(e.store, svcfields.WithSubsystem(e.logger, "queue"))
	if err != nil {
		return nil, err
	}
	e.results, err = results.New(results.Config{
		Store:        e.store,
		TTL:          cfg.ResultTTL,
		PollInterval: cfg.PollInterval,
		Clock:        e.clk,
		Logger:       svcfields.WithSubsystem(e.logger, "results"),
	})
	if err != nil {
		return nil, err
	}

	for _, dev := range cfg.Devices {
		resolved := cfg.resolveDevice(dev)
		e.devices[resolved.DeviceID] = resolved
		if !resolved.BatchingEnabled {
			continue
		}
		w, err := worker.New(worker.Config{
			Device:       resolved,
			Queue:        e.queue,
			Locks:        e.locks,
			Results:      e.results,
			Dial:         e.dial,
			Clock:        e.clk,
			Logger:       svcfields.WithSubsystem(e.logger, "worker"),
			Metrics:      e.metrics,
			PollInterval: cfg.PollInterval,
			PollJitter:   cfg.PollJitter,
		})
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", resolved.DeviceID, err)
		}
		e.workers[resolved.DeviceID] = w
	}
	return e, nil
}

// Device returns the resolved configuration record for deviceID.
func (e *Engine) Device(deviceID string) (api.Device, bool) {
	dev, ok := e.devices[deviceID]
	return dev, ok
}

// Start launches the batch workers. It returns immediately; workers run
// until Close or ctx cancellation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("switchyard: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	for _, w := range e.workers {
		group.Go(func() error {
			err := w.Run(runCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	e.cancel = cancel
	e.group = group
	e.started = true
	e.logger.Info("engine.start", "devices", len(e.devices), "workers", len(e.workers))
	return nil
}

// Close stops the workers and releases the backend when the engine owns it.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel, group := e.cancel, e.group
	e.cancel, e.group = nil, nil
	e.started = false
	e.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if group != nil {
		err = group.Wait()
	}
	if e.ownStore {
		if cerr := e.store.Close(); err == nil {
			err = cerr
		}
	}
	e.logger.Info("engine.stop")
	return err
}

// Submit executes commands against deviceID and blocks until the
// per-command results are available or wait elapses (zero wait uses the
// device default). Coordination failures (lock timeout, submit timeout,
// backend unavailable) come back as api.Failure errors; device-level
// failures are carried inside the Result's outcomes.
func (e *Engine) Submit(ctx context.Context, deviceID string, commands []string, wait time.Duration) (*api.Result, error) {
	dev, ok := e.devices[deviceID]
	if !ok {
		return nil, api.Failure{Code: api.CodeUnknownDevice, Detail: fmt.Sprintf("device %q not in inventory", deviceID)}
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("switchyard: empty command list")
	}
	if wait <= 0 {
		wait = dev.WaitTimeout
	}

	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = e.logger
	}
	logger.Info("submit.begin",
		"device", deviceID,
		"commands", len(commands),
		"batched", dev.BatchingEnabled,
		"wait_seconds", wait.Seconds(),
	)

	var (
		res *api.Result
		err error
	)
	if dev.BatchingEnabled {
		res, err = e.submitBatched(ctx, dev, commands, wait)
	} else {
		res, err = e.submitDirect(ctx, dev, commands)
	}
	e.metrics.ObserveSubmission(deviceID, submissionOutcome(res, err))
	if err != nil {
		logger.Warn("submit.failed", "device", deviceID, "error", err)
		return nil, err
	}
	logger.Info("submit.done", "device", deviceID, "request_id", res.RequestID, "failed", res.Failed())
	return res, nil
}

// submitBatched enqueues the command and waits for its result to appear in
// the output namespace. A timed-out submission stops watching; the entry may
// still be processed later and its result expires via TTL unread.
func (e *Engine) submitBatched(ctx context.Context, dev api.Device, commands []string, wait time.Duration) (*api.Result, error) {
	cmd := api.Command{
		DeviceID:        dev.DeviceID,
		RequestID:       xid.New().String(),
		Commands:        commands,
		SubmittedAtUnix: e.clk.Now().Unix(),
	}
	if _, err := e.queue.Enqueue(ctx, cmd); err != nil {
		return nil, classifyBackendErr(err)
	}
	if w := e.workers[dev.DeviceID]; w != nil {
		w.Notify()
	}
	res, err := e.results.Await(ctx, dev.DeviceID, cmd.RequestID, wait)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return res, nil
}

// submitDirect is the un-queued critical section for non-batched devices:
// take a lock slot, run the single command list over one session, release.
// The result goes straight back to the caller; nothing is written to the
// output namespace because no other process ever reads it.
func (e *Engine) submitDirect(ctx context.Context, dev api.Device, commands []string) (*api.Result, error) {
	handle, err := e.locks.Acquire(ctx, dev.DeviceID, dev.MaxSessions, dev.AcquireTimeout)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	defer e.locks.Release(context.WithoutCancel(ctx), handle)

	res := &api.Result{
		RequestID: xid.New().String(),
		DeviceID:  dev.DeviceID,
	}
	sess, err := e.dial(ctx, dev)
	if err != nil {
		res.Outcomes = api.FailedOutcomes(commands, err.Error(), api.CodeSessionError)
	} else {
		reported, runErr := sess.Run(ctx, commands)
		_ = sess.Close()
		res.Outcomes = api.NormalizeOutcomes(commands, reported, runErr)
	}
	res.CompletedAtUnix = e.clk.Now().Unix()
	return res, nil
}

func classifyBackendErr(err error) error {
	if errors.Is(err, backend.ErrUnavailable) {
		return api.Failure{Code: api.CodeBackendUnavailable, Detail: err.Error(), RetryAfter: 1}
	}
	return err
}

func submissionOutcome(res *api.Result, err error) string {
	switch {
	case err == nil && res != nil && !res.Failed():
		return "ok"
	case err == nil:
		return "failed"
	default:
		if code := api.FailureCode(err); code != "" {
			return code
		}
		return "error"
	}
}
