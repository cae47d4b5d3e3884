// Package worker runs the per-device batch loop: watch the device's input
// queue, take the device lock, drain a bounded batch in sequence order,
// execute it over one management session, publish per-submission results,
// delete the processed entries, release the lock.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"pkt.systems/pslog"

	"github.com/switchyard-net/switchyard/api"
	"github.com/switchyard-net/switchyard/internal/backend"
	"github.com/switchyard-net/switchyard/internal/clock"
	"github.com/switchyard-net/switchyard/internal/cmdqueue"
	"github.com/switchyard-net/switchyard/internal/locking"
	"github.com/switchyard-net/switchyard/internal/metrics"
	"github.com/switchyard-net/switchyard/internal/results"
)

// Worker states, logged on transition.
const (
	stateIdle           = "idle"
	stateWaitingForLock = "waiting_for_lock"
	stateDraining       = "draining"
	stateExecuting      = "executing"
	statePublishing     = "publishing"
)

// Config wires a Worker. Device fields must already be resolved against the
// engine defaults (AcquireTimeout, MaxBatchSize).
type Config struct {
	Device       api.Device
	Queue        *cmdqueue.Queue
	Locks        *locking.Manager
	Results      *results.Store
	Dial         api.SessionFunc
	Clock        clock.Clock
	Logger       pslog.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	PollJitter   time.Duration
}

// Worker owns the batch loop for one device.
type Worker struct {
	device       api.Device
	queue        *cmdqueue.Queue
	locks        *locking.Manager
	results      *results.Store
	dial         api.SessionFunc
	clk          clock.Clock
	logger       pslog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	pollJitter   time.Duration

	notify chan struct{}
	state  string
}

// New constructs a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil || cfg.Locks == nil || cfg.Results == nil {
		return nil, fmt.Errorf("worker: queue, locks and results required")
	}
	if cfg.Dial == nil {
		return nil, fmt.Errorf("worker: session func required")
	}
	if cfg.Device.DeviceID == "" {
		return nil, fmt.Errorf("worker: device required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &Worker{
		device:       cfg.Device,
		queue:        cfg.Queue,
		locks:        cfg.Locks,
		results:      cfg.Results,
		dial:         cfg.Dial,
		clk:          clk,
		logger:       logger.With("device", cfg.Device.DeviceID),
		metrics:      cfg.Metrics,
		pollInterval: poll,
		pollJitter:   cfg.PollJitter,
		notify:       make(chan struct{}, 1),
		state:        stateIdle,
	}, nil
}

// Notify wakes the worker without waiting for a backend watch event; the
// engine calls it after a local enqueue as a latency fast path.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Worker) setState(state string) {
	if w.state == state {
		return
	}
	w.logger.Debug("worker.state", "from", w.state, "to", state)
	w.state = state
}

// Run executes the batch loop until ctx is cancelled. Watch notifications
// drive the loop; a jittered poll covers missed events and backends without
// watch support (documented degradation mode).
func (w *Worker) Run(ctx context.Context) error {
	var events <-chan struct{}
	sub, err := w.queue.Watch(w.device.DeviceID)
	if err != nil {
		w.logger.Warn("worker.watch.unavailable", "error", err)
	} else {
		events = sub.Events()
		defer sub.Close()
	}
	w.logger.Info("worker.start",
		"max_sessions", w.device.MaxSessions,
		"max_batch", w.device.MaxBatchSize,
		"poll_seconds", w.pollInterval.Seconds(),
	)

	for {
		for {
			n, err := w.drainOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("worker.drain.failed", "error", err)
				break
			}
			if n == 0 {
				break
			}
		}
		w.setState(stateIdle)
		select {
		case <-ctx.Done():
			w.logger.Info("worker.stop")
			return ctx.Err()
		case <-w.notify:
		case <-events:
		case <-w.clk.After(w.nextPoll()):
		}
	}
}

func (w *Worker) nextPoll() time.Duration {
	d := w.pollInterval
	if w.pollJitter > 0 {
		d += time.Duration(rand.Int63n(int64(w.pollJitter)))
	}
	return d
}

// drainOnce processes at most one batch and reports how many entries it
// handled. A lock timeout is not an error and fails nothing: the entries
// stay queued and a later attempt (here or in another process) picks them
// up.
func (w *Worker) drainOnce(ctx context.Context) (int, error) {
	pending, err := w.queue.ListPending(ctx, w.device.DeviceID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	w.setState(stateWaitingForLock)
	lockStart := w.clk.Now()
	handle, err := w.locks.Acquire(ctx, w.device.DeviceID, w.device.MaxSessions, w.device.AcquireTimeout)
	if err != nil {
		if api.IsLockTimeout(err) {
			w.logger.Debug("worker.lock.timeout", "pending", len(pending))
			return 0, nil
		}
		return 0, err
	}
	w.metrics.ObserveLockWait(w.clk.Now().Sub(lockStart).Seconds())
	releaseCtx := context.WithoutCancel(ctx)
	defer w.locks.Release(releaseCtx, handle)

	// Re-list under the lock: another holder may have drained the queue
	// between the emptiness check and acquisition.
	w.setState(stateDraining)
	pending, err = w.queue.ListPending(ctx, w.device.DeviceID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	batch := pending
	if max := w.device.MaxBatchSize; max > 0 && len(batch) > max {
		batch = batch[:max]
	}

	// An entry whose result already exists was processed by a holder that
	// crashed after publish but before delete. The device must not see those
	// commands a second time: keep the published result and finish the
	// delete half of the pair.
	replayed := 0
	todo := make([]cmdqueue.Entry, 0, len(batch))
	for _, entry := range batch {
		_, err := w.results.Get(ctx, entry.DeviceID, entry.RequestID)
		switch {
		case err == nil:
			if err := w.queue.Remove(releaseCtx, entry); err != nil {
				w.logger.Warn("worker.remove.failed", "request_id", entry.RequestID, "error", err)
				return replayed, err
			}
			w.logger.Info("worker.entry.replayed", "request_id", entry.RequestID)
			replayed++
		case errors.Is(err, backend.ErrNotFound):
			todo = append(todo, entry)
		default:
			return replayed, err
		}
	}
	if len(todo) == 0 {
		return replayed, nil
	}

	w.setState(stateExecuting)
	outcomes := w.execute(ctx, todo)

	w.setState(statePublishing)
	published := replayed
	for i, entry := range todo {
		res := &api.Result{
			RequestID:       entry.RequestID,
			DeviceID:        entry.DeviceID,
			Outcomes:        outcomes[i],
			CompletedAtUnix: w.clk.Now().Unix(),
		}
		// Publish before delete: if we crash between the two, the next
		// holder finds the result above and skips execution.
		if err := w.results.Publish(releaseCtx, res); err != nil {
			w.logger.Error("worker.publish.failed", "request_id", entry.RequestID, "error", err)
			return published, err
		}
		if err := w.queue.Remove(releaseCtx, entry); err != nil {
			w.logger.Warn("worker.remove.failed", "request_id", entry.RequestID, "error", err)
			return published, err
		}
		published++
	}
	w.metrics.ObserveBatch(len(todo))
	w.logger.Info("worker.batch.done", "entries", len(todo), "replayed", replayed)
	return replayed + len(todo), nil
}

// execute runs the batch over exactly one session, strictly in entry order.
// A failed command does not abort the session; a lost session fails every
// not-yet-executed command with the transport error, and the session is not
// redialled within this batch.
func (w *Worker) execute(ctx context.Context, batch []cmdqueue.Entry) [][]api.Outcome {
	out := make([][]api.Outcome, len(batch))

	sess, dialErr := w.dial(ctx, w.device)
	if dialErr != nil {
		w.logger.Warn("worker.session.dial_failed", "error", dialErr)
		w.metrics.ObserveSessionFailure(w.device.DeviceID)
		for i, entry := range batch {
			out[i] = api.FailedOutcomes(entry.Commands, dialErr.Error(), api.CodeSessionError)
		}
		return out
	}
	defer sess.Close()

	var sessionErr error
	for i, entry := range batch {
		if sessionErr != nil {
			out[i] = api.FailedOutcomes(entry.Commands, sessionErr.Error(), api.CodeSessionError)
			continue
		}
		reported, err := sess.Run(ctx, entry.Commands)
		out[i] = api.NormalizeOutcomes(entry.Commands, reported, err)
		if err != nil {
			sessionErr = err
			w.metrics.ObserveSessionFailure(w.device.DeviceID)
			w.logger.Warn("worker.session.lost",
				"request_id", entry.RequestID,
				"executed", len(reported),
				"error", err,
			)
		}
	}
	return out
}
