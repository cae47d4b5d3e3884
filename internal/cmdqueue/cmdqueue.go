// Package cmdqueue is the per-device FIFO of pending command submissions,
// built from the backend's ordered keys. The backend assigns each entry a
// sequence stamp at write time; listing a device's input prefix in sequence
// order is what gives the engine FIFO semantics across every process that
// enqueues against the same device.
package cmdqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/pslog"

	"github.com/switchyard-net/switchyard/api"
	"github.com/switchyard-net/switchyard/internal/backend"
)

const inputPrefix = "input/"

// Entry is a queued Command plus its backend-assigned sequence stamp.
type Entry struct {
	api.Command
	Sequence int64
	Key      string
}

// Queue provides enqueue/list/remove over the device-scoped input namespace.
type Queue struct {
	store  backend.Store
	logger pslog.Logger
}

// New constructs a Queue.
func New(store backend.Store, logger pslog.Logger) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("cmdqueue: store required")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Queue{store: store, logger: logger}, nil
}

// EntryKey returns the backend key for a device/request pair.
func EntryKey(deviceID, requestID string) string {
	return inputPrefix + deviceID + "/" + requestID
}

// DevicePrefix returns the input prefix holding a device's pending entries.
func DevicePrefix(deviceID string) string {
	return inputPrefix + deviceID + "/"
}

// Enqueue appends cmd to its device's queue. The returned entry carries the
// sequence stamp the backend assigned atomically at write time.
func (q *Queue) Enqueue(ctx context.Context, cmd api.Command) (Entry, error) {
	if cmd.DeviceID == "" || cmd.RequestID == "" {
		return Entry{}, fmt.Errorf("cmdqueue: device_id and request_id required")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Entry{}, fmt.Errorf("encode command: %w", err)
	}
	key := EntryKey(cmd.DeviceID, cmd.RequestID)
	seq, err := q.store.Put(ctx, key, payload)
	if err != nil {
		return Entry{}, err
	}
	q.logger.Debug("queue.enqueue",
		"device", cmd.DeviceID,
		"request_id", cmd.RequestID,
		"commands", len(cmd.Commands),
		"sequence", seq,
	)
	return Entry{Command: cmd, Sequence: seq, Key: key}, nil
}

// ListPending returns a device's queued entries ascending by sequence.
// Entries that fail to decode are skipped and logged; they cannot be
// executed and would otherwise wedge the queue head.
func (q *Queue) ListPending(ctx context.Context, deviceID string) ([]Entry, error) {
	kvs, err := q.store.List(ctx, DevicePrefix(deviceID))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		var cmd api.Command
		if err := json.Unmarshal(kv.Value, &cmd); err != nil {
			q.logger.Warn("queue.entry.undecodable", "device", deviceID, "key", kv.Key, "error", err)
			_ = q.store.Delete(ctx, kv.Key)
			continue
		}
		entries = append(entries, Entry{Command: cmd, Sequence: kv.Sequence, Key: kv.Key})
	}
	return entries, nil
}

// Remove deletes a processed entry. Removing an already-removed entry is
// not an error, which is what makes crash-replay of the publish/delete pair
// safe.
func (q *Queue) Remove(ctx context.Context, entry Entry) error {
	return q.store.Delete(ctx, entry.Key)
}

// Watch subscribes to change hints for a device's input prefix.
func (q *Queue) Watch(deviceID string) (backend.Subscription, error) {
	return q.store.Watch(DevicePrefix(deviceID))
}
