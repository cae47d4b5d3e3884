// Package api defines the transport-neutral types exchanged between the
// switchyard engine, its batch workers, and the collaborators that supply
// device sessions or submit command lists. All durations stored in the
// coordination backend are expressed as Unix seconds so that any adapter can
// round-trip them without locale or precision surprises.
package api

import (
	"context"
	"time"
)

// Device is the per-device configuration record supplied by the inventory
// collaborator. It is immutable for the process lifetime.
type Device struct {
	// DeviceID names the switch (hostname or hardware address).
	DeviceID string `json:"device_id"`
	// MaxSessions caps concurrent management sessions; lock slots enforce it.
	MaxSessions int `json:"max_sessions"`
	// BatchingEnabled routes submissions through the queued batch worker.
	BatchingEnabled bool `json:"batching_enabled"`
	// AcquireTimeout bounds device lock acquisition. Zero waits forever.
	AcquireTimeout time.Duration `json:"-"`
	// WaitTimeout is the default submit wait for this device. Zero uses the
	// engine default.
	WaitTimeout time.Duration `json:"-"`
	// MaxBatchSize bounds how many queue entries one session drains. Zero
	// uses the engine default.
	MaxBatchSize int `json:"max_batch_size,omitempty"`
}

// Command is one submission: an ordered list of command strings destined for
// a single device. It is created by the engine on enqueue and never mutated.
type Command struct {
	// DeviceID names the target switch.
	DeviceID string `json:"device_id"`
	// RequestID is the caller-unique identifier keying the eventual Result.
	RequestID string `json:"request_id"`
	// Commands are executed strictly in order within one session.
	Commands []string `json:"commands"`
	// SubmittedAtUnix records enqueue time as a Unix timestamp in seconds.
	SubmittedAtUnix int64 `json:"submitted_at_unix"`
}

// Outcome captures the result of one command string.
type Outcome struct {
	// Command echoes the executed command string.
	Command string `json:"command"`
	// Output is the captured device output on success.
	Output string `json:"output,omitempty"`
	// Error describes the failure when the command did not succeed.
	Error string `json:"error,omitempty"`
	// Code classifies the failure (command_error, session_error,
	// backend_unavailable). Empty on success.
	Code string `json:"code,omitempty"`
}

// Failed reports whether the command string failed.
func (o Outcome) Failed() bool { return o.Error != "" || o.Code != "" }

// Result is the per-submission outcome written once under the device-scoped
// output namespace and read exactly once by the waiting submitter.
type Result struct {
	// RequestID matches the originating Command.
	RequestID string `json:"request_id"`
	// DeviceID names the switch the commands ran against.
	DeviceID string `json:"device_id"`
	// Outcomes holds one entry per submitted command string, in order.
	Outcomes []Outcome `json:"outcomes"`
	// CompletedAtUnix records when the worker finished the submission.
	CompletedAtUnix int64 `json:"completed_at_unix"`
}

// Failed reports whether any command in the submission failed.
func (r *Result) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Failed() {
			return true
		}
	}
	return false
}

// FirstError returns the first per-command error description, or "".
func (r *Result) FirstError() string {
	for _, o := range r.Outcomes {
		if o.Failed() {
			if o.Error != "" {
				return o.Error
			}
			return o.Code
		}
	}
	return ""
}

// Session is one open management connection to a device. Run executes one
// submission's command strings in order and reports one Outcome per string.
// A non-nil error always means the session itself is unusable (connection
// drop, transport reset); per-command failures are reported inside the
// outcomes with a nil error so siblings continue.
type Session interface {
	Run(ctx context.Context, commands []string) ([]Outcome, error)
	Close() error
}

// SessionFunc opens a session to a device. Supplied by the vendor-command
// execution collaborator; the engine never opens more than one session per
// batch and never retries a lost session within a batch.
type SessionFunc func(ctx context.Context, device Device) (Session, error)
