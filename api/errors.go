package api

import (
	"errors"
	"fmt"
)

// Failure codes surfaced to callers. All four command-path kinds are
// retryable by the caller; the engine never retries device commands itself.
const (
	// CodeLockTimeout: the device stayed busy past the acquire timeout.
	CodeLockTimeout = "lock_timeout"
	// CodeSubmitTimeout: no Result was observed within the wait timeout.
	// In-flight processing may still complete after the caller gives up.
	CodeSubmitTimeout = "submit_timeout"
	// CodeSessionError: the management session failed mid-batch. Commands
	// not yet executed in that batch carry this code.
	CodeSessionError = "session_error"
	// CodeCommandError: the device rejected or failed one command. Sibling
	// commands in the same batch still execute.
	CodeCommandError = "command_error"
	// CodeBackendUnavailable: the coordination backend is unreachable.
	CodeBackendUnavailable = "backend_unavailable"
	// CodeUnknownDevice: the device is not present in the inventory.
	CodeUnknownDevice = "unknown_device"
)

// Failure captures a transport-neutral error with a stable code that HTTP or
// RPC adapters can map onto their own status vocabulary.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds, advisory
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// FailureCode extracts the failure code from err, or "".
func FailureCode(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsLockTimeout reports whether err is a bounded-wait lock acquisition miss.
func IsLockTimeout(err error) bool { return FailureCode(err) == CodeLockTimeout }

// IsSubmitTimeout reports whether err is a submitter wait timeout.
func IsSubmitTimeout(err error) bool { return FailureCode(err) == CodeSubmitTimeout }

// IsSessionError reports whether err is a transport/session failure.
func IsSessionError(err error) bool { return FailureCode(err) == CodeSessionError }

// IsBackendUnavailable reports whether err means the coordination backend
// could not be reached at all.
func IsBackendUnavailable(err error) bool { return FailureCode(err) == CodeBackendUnavailable }
