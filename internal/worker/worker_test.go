package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/switchyard-net/switchyard/api"
	"github.com/switchyard-net/switchyard/internal/backend"
	"github.com/switchyard-net/switchyard/internal/backend/memory"
	"github.com/switchyard-net/switchyard/internal/cmdqueue"
	"github.com/switchyard-net/switchyard/internal/locking"
	"github.com/switchyard-net/switchyard/internal/results"
)

// scriptedExec records executed commands and loses the session when it hits
// failOn.
type scriptedExec struct {
	mu     sync.Mutex
	log    []string
	failOn string
	closed int
}

func (s *scriptedExec) session() api.SessionFunc {
	return func(_ context.Context, _ api.Device) (api.Session, error) {
		s.mu.Lock()
		s.log = append(s.log, "<dial>")
		s.mu.Unlock()
		return &scriptedSession{exec: s}, nil
	}
}

func (s *scriptedExec) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func (s *scriptedExec) dials() int {
	n := 0
	for _, entry := range s.executed() {
		if entry == "<dial>" {
			n++
		}
	}
	return n
}

type scriptedSession struct {
	exec *scriptedExec
}

func (ss *scriptedSession) Run(_ context.Context, commands []string) ([]api.Outcome, error) {
	var out []api.Outcome
	for _, cmd := range commands {
		if cmd == ss.exec.failOn {
			return out, errors.New("connection reset by peer")
		}
		ss.exec.mu.Lock()
		ss.exec.log = append(ss.exec.log, cmd)
		ss.exec.mu.Unlock()
		out = append(out, api.Outcome{Command: cmd, Output: "ok"})
	}
	return out, nil
}

func (ss *scriptedSession) Close() error {
	ss.exec.mu.Lock()
	ss.exec.closed++
	ss.exec.mu.Unlock()
	return nil
}

type rig struct {
	store   *memory.Store
	queue   *cmdqueue.Queue
	locks   *locking.Manager
	results *results.Store
	exec    *scriptedExec
	worker  *Worker
}

func newRig(t *testing.T, device api.Device) *rig {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	queue, err := cmdqueue.New(store, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	locks, err := locking.New(locking.Config{Store: store, LeaseTTL: 5 * time.Second})
	if err != nil {
		t.Fatalf("new locks: %v", err)
	}
	res, err := results.New(results.Config{Store: store, PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new results: %v", err)
	}
	exec := &scriptedExec{}
	w, err := New(Config{
		Device:       device,
		Queue:        queue,
		Locks:        locks,
		Results:      res,
		Dial:         exec.session(),
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return &rig{store: store, queue: queue, locks: locks, results: res, exec: exec, worker: w}
}

func (r *rig) enqueue(t *testing.T, device, requestID string, commands ...string) cmdqueue.Entry {
	t.Helper()
	entry, err := r.queue.Enqueue(context.Background(), api.Command{
		DeviceID:  device,
		RequestID: requestID,
		Commands:  commands,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", requestID, err)
	}
	return entry
}

func testDevice() api.Device {
	return api.Device{
		DeviceID:        "sw1",
		MaxSessions:     1,
		BatchingEnabled: true,
		AcquireTimeout:  time.Second,
		MaxBatchSize:    8,
	}
}

func TestDrainBatchesInSubmissionOrder(t *testing.T) {
	r := newRig(t, testDevice())
	ctx := context.Background()

	r.enqueue(t, "sw1", "r1", "vlan 10", "commit")
	r.enqueue(t, "sw1", "r2", "vlan 20")
	r.enqueue(t, "sw1", "r3", "vlan 30")

	n, err := r.worker.drainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 entries drained, got %d", n)
	}

	// One session, all commands strictly in submission order.
	want := []string{"<dial>", "vlan 10", "commit", "vlan 20", "vlan 30"}
	got := r.exec.executed()
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order: %v, want %v", got, want)
		}
	}
	if r.exec.closed != 1 {
		t.Fatalf("session closed %d times", r.exec.closed)
	}

	for _, id := range []string{"r1", "r2", "r3"} {
		res, err := r.results.Get(ctx, "sw1", id)
		if err != nil {
			t.Fatalf("result %s: %v", id, err)
		}
		if res.Failed() {
			t.Fatalf("result %s failed: %+v", id, res)
		}
	}
	pending, err := r.queue.ListPending(ctx, "sw1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("queue not drained: %v", pending)
	}
	if held := r.store.HeldLocks(); len(held) != 0 {
		t.Fatalf("lock not released: %v", held)
	}
}

func TestSessionLossFailsRemainingWithoutRedial(t *testing.T) {
	r := newRig(t, testDevice())
	r.exec.failOn = "vlan 20"
	ctx := context.Background()

	r.enqueue(t, "sw1", "r1", "vlan 10")
	r.enqueue(t, "sw1", "r2", "vlan 15", "vlan 20", "vlan 25")
	r.enqueue(t, "sw1", "r3", "vlan 30")

	if _, err := r.worker.drainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if dials := r.exec.dials(); dials != 1 {
		t.Fatalf("session redialled: %d dials", dials)
	}

	r1, err := r.results.Get(ctx, "sw1", "r1")
	if err != nil || r1.Failed() {
		t.Fatalf("r1 should succeed before the loss: %+v %v", r1, err)
	}

	// r2 executed one command, then lost the session; the rest carry the
	// transport error.
	r2, err := r.results.Get(ctx, "sw1", "r2")
	if err != nil {
		t.Fatalf("r2: %v", err)
	}
	if len(r2.Outcomes) != 3 {
		t.Fatalf("r2 outcomes: %+v", r2.Outcomes)
	}
	if r2.Outcomes[0].Failed() {
		t.Fatalf("r2 first command should have executed: %+v", r2.Outcomes[0])
	}
	for i := 1; i < 3; i++ {
		if r2.Outcomes[i].Code != api.CodeSessionError {
			t.Fatalf("r2 outcome %d: expected session_error, got %+v", i, r2.Outcomes[i])
		}
	}

	r3, err := r.results.Get(ctx, "sw1", "r3")
	if err != nil {
		t.Fatalf("r3: %v", err)
	}
	for _, o := range r3.Outcomes {
		if o.Code != api.CodeSessionError {
			t.Fatalf("r3 outcome: expected session_error, got %+v", o)
		}
	}

	// The lock is free for the next batch despite the failure.
	if held := r.store.HeldLocks(); len(held) != 0 {
		t.Fatalf("lock leaked after session loss: %v", held)
	}
}

func TestLockTimeoutLeavesQueueIntact(t *testing.T) {
	dev := testDevice()
	dev.AcquireTimeout = 100 * time.Millisecond
	r := newRig(t, dev)
	ctx := context.Background()

	blocker, err := r.store.TryLock(ctx, "lock/sw1", 30*time.Second)
	if err != nil {
		t.Fatalf("blocker lock: %v", err)
	}
	r.enqueue(t, "sw1", "r1", "vlan 10")

	n, err := r.worker.drainOnce(ctx)
	if err != nil {
		t.Fatalf("drain should not error on lock timeout: %v", err)
	}
	if n != 0 {
		t.Fatalf("drained %d entries without the lock", n)
	}
	if len(r.exec.executed()) != 0 {
		t.Fatalf("commands executed without the lock: %v", r.exec.executed())
	}
	if _, err := r.results.Get(ctx, "sw1", "r1"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("result published without execution: %v", err)
	}

	// Entry survives for a later attempt.
	if err := blocker.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	n, err = r.worker.drainOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry drain: n=%d err=%v", n, err)
	}
}

func TestReplayAfterCrashSkipsExecution(t *testing.T) {
	r := newRig(t, testDevice())
	ctx := context.Background()

	entry := r.enqueue(t, "sw1", "r1", "vlan 10")

	// Simulate a worker that crashed after publish but before delete: the
	// result exists and the entry is still queued.
	if err := r.results.Publish(ctx, &api.Result{
		RequestID: entry.RequestID,
		DeviceID:  entry.DeviceID,
		Outcomes:  []api.Outcome{{Command: "vlan 10", Output: "applied earlier"}},
	}); err != nil {
		t.Fatalf("pre-publish: %v", err)
	}

	n, err := r.worker.drainOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("replay drain: n=%d err=%v", n, err)
	}
	// The device never sees the commands again; the earlier result stands.
	if got := r.exec.executed(); len(got) != 0 {
		t.Fatalf("replay re-executed against the device: %v", got)
	}
	res, err := r.results.Get(ctx, "sw1", "r1")
	if err != nil {
		t.Fatalf("result after replay: %v", err)
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Output != "applied earlier" {
		t.Fatalf("replay diverged from the published result: %+v", res)
	}
	pending, err := r.queue.ListPending(ctx, "sw1")
	if err != nil || len(pending) != 0 {
		t.Fatalf("entry not removed after replay: %v %v", pending, err)
	}
}

func TestReplayMixedWithFreshEntries(t *testing.T) {
	r := newRig(t, testDevice())
	ctx := context.Background()

	done := r.enqueue(t, "sw1", "r1", "vlan 10")
	r.enqueue(t, "sw1", "r2", "vlan 20")

	if err := r.results.Publish(ctx, &api.Result{
		RequestID: done.RequestID,
		DeviceID:  done.DeviceID,
		Outcomes:  []api.Outcome{{Command: "vlan 10", Output: "applied earlier"}},
	}); err != nil {
		t.Fatalf("pre-publish: %v", err)
	}

	n, err := r.worker.drainOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	// Only the fresh entry reaches the device.
	want := []string{"<dial>", "vlan 20"}
	got := r.exec.executed()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("executed %v, want %v", got, want)
	}
	r1, err := r.results.Get(ctx, "sw1", "r1")
	if err != nil || r1.Outcomes[0].Output != "applied earlier" {
		t.Fatalf("replayed result diverged: %+v %v", r1, err)
	}
	r2, err := r.results.Get(ctx, "sw1", "r2")
	if err != nil || r2.Failed() {
		t.Fatalf("fresh entry result: %+v %v", r2, err)
	}
	pending, err := r.queue.ListPending(ctx, "sw1")
	if err != nil || len(pending) != 0 {
		t.Fatalf("queue not drained: %v %v", pending, err)
	}
}

func TestDrainHonoursBatchBound(t *testing.T) {
	dev := testDevice()
	dev.MaxBatchSize = 2
	r := newRig(t, dev)
	ctx := context.Background()

	r.enqueue(t, "sw1", "r1", "vlan 10")
	r.enqueue(t, "sw1", "r2", "vlan 20")
	r.enqueue(t, "sw1", "r3", "vlan 30")

	n, err := r.worker.drainOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("first drain: n=%d err=%v", n, err)
	}
	pending, err := r.queue.ListPending(ctx, "sw1")
	if err != nil || len(pending) != 1 || pending[0].RequestID != "r3" {
		t.Fatalf("unexpected remainder: %v %v", pending, err)
	}
	n, err = r.worker.drainOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("second drain: n=%d err=%v", n, err)
	}
	// Two batches, two sessions.
	if dials := r.exec.dials(); dials != 2 {
		t.Fatalf("expected 2 sessions, got %d", dials)
	}
}

// watchlessStore refuses watch subscriptions, forcing the poll-only
// degradation path.
type watchlessStore struct {
	backend.Store
}

func (s *watchlessStore) Watch(string) (backend.Subscription, error) {
	return nil, errors.New("watch unsupported")
}

func TestRunPollsWhenWatchUnavailable(t *testing.T) {
	mem := memory.New()
	t.Cleanup(func() { mem.Close() })
	store := &watchlessStore{Store: mem}

	queue, err := cmdqueue.New(store, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	locks, err := locking.New(locking.Config{Store: store, LeaseTTL: 5 * time.Second})
	if err != nil {
		t.Fatalf("new locks: %v", err)
	}
	res, err := results.New(results.Config{Store: store, PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new results: %v", err)
	}
	exec := &scriptedExec{}
	w, err := New(Config{
		Device:       testDevice(),
		Queue:        queue,
		Locks:        locks,
		Results:      res,
		Dial:         exec.session(),
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// No Notify and no watch events: only the poll can find the entry.
	if _, err := queue.Enqueue(ctx, api.Command{
		DeviceID:  "sw1",
		RequestID: "r1",
		Commands:  []string{"vlan 10"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if _, err := res.Get(context.Background(), "sw1", "r1"); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("poll-only worker never processed the entry")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunDrainsOnNotify(t *testing.T) {
	r := newRig(t, testDevice())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = r.worker.Run(ctx)
		close(done)
	}()

	r.enqueue(t, "sw1", "r1", "vlan 10")
	r.worker.Notify()

	deadline := time.After(5 * time.Second)
	for {
		if _, err := r.results.Get(context.Background(), "sw1", "r1"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker never processed the notified entry")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop on cancellation")
	}
}
