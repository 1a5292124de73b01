// Package errdefs defines the error kinds shared by the gateway, the
// pipelines and the job runner. Callers classify with Kind or the Is*
// helpers instead of matching strings.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrKind names a class of failure
type ErrKind string

const (
	KindAuthFailed            ErrKind = "AuthFailed"
	KindUnreachable           ErrKind = "Unreachable"
	KindTLSError              ErrKind = "TLSError"
	KindNotFound              ErrKind = "NotFound"
	KindConflict              ErrKind = "Conflict"
	KindStateInvalid          ErrKind = "StateInvalid"
	KindTaskFailed            ErrKind = "TaskFailed"
	KindTimeout               ErrKind = "Timeout"
	KindPortsExhausted        ErrKind = "PortsExhausted"
	KindVMIDAcquisitionFailed ErrKind = "VMIDAcquisitionFailed"
	KindStorageUnavailable    ErrKind = "StorageUnavailable"
	KindTemplateUnavailable   ErrKind = "TemplateUnavailable"
	KindExecFailed            ErrKind = "ExecFailed"
	KindUpdateAborted         ErrKind = "UpdateAborted"
	KindCloneAborted          ErrKind = "CloneAborted"
	KindDeploymentFailed      ErrKind = "DeploymentFailed"
	KindDatabaseError         ErrKind = "DatabaseError"
	KindCanceled              ErrKind = "Canceled"
	KindUnknown               ErrKind = "Unknown"
)

// Error is the concrete error type carrying a kind and optional detail
type Error struct {
	ErrKind ErrKind
	Message string
	Detail  map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind
func New(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{ErrKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause
func Wrap(kind ErrKind, cause error, format string, args ...interface{}) *Error {
	return &Error{ErrKind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Kind classifies any error; wrapped *Error kinds survive %w chains.
func Kind(err error) ErrKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.ErrKind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// NotFound reports a missing resource (container, node, storage, template,
// backup, application).
func NotFound(resource, id string) *Error {
	return &Error{
		ErrKind: KindNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
		Detail:  map[string]string{"resource": resource, "id": id},
	}
}

// Conflict reports an already-taken hostname, port or VMID
func Conflict(resource, value string) *Error {
	return &Error{
		ErrKind: KindConflict,
		Message: fmt.Sprintf("%s %q already in use", resource, value),
		Detail:  map[string]string{"resource": resource, "value": value},
	}
}

// StateInvalid reports an action not legal for the current status
func StateInvalid(current, requested string) *Error {
	return &Error{
		ErrKind: KindStateInvalid,
		Message: fmt.Sprintf("cannot %s while %s", requested, current),
		Detail:  map[string]string{"current": current, "requested": requested},
	}
}

// TaskFailed reports a PVE task that stopped with a non-OK exit status.
// The tail of the task log (last lines) is attached for diagnosis.
func TaskFailed(taskID, reason string, logTail []string) *Error {
	return &Error{
		ErrKind: KindTaskFailed,
		Message: fmt.Sprintf("task %s failed: %s", taskID, reason),
		Detail:  map[string]string{"task": taskID, "log": strings.Join(logTail, "\n")},
	}
}

// Timeout reports an operation that outlived its deadline
func Timeout(op string, d time.Duration) *Error {
	return &Error{
		ErrKind: KindTimeout,
		Message: fmt.Sprintf("%s timed out after %s", op, d),
		Detail:  map[string]string{"op": op, "duration": d.String()},
	}
}

// ExecFailed reports a pct exec that returned non-zero when the caller did
// not allow it.
func ExecFailed(exitCode int, stderr string) *Error {
	return &Error{
		ErrKind: KindExecFailed,
		Message: fmt.Sprintf("command exited %d: %s", exitCode, strings.TrimSpace(stderr)),
		Detail:  map[string]string{"exit": fmt.Sprintf("%d", exitCode), "stderr": stderr},
	}
}

// UpdateAborted reports an update stopped before touching the workload
func UpdateAborted(reason string) *Error {
	return New(KindUpdateAborted, "update aborted: %s", reason)
}

// CloneAborted reports a clone stopped and rolled back
func CloneAborted(reason string) *Error {
	return New(KindCloneAborted, "clone aborted: %s", reason)
}

// DeploymentFailed reports a deploy pipeline failure at a named step
func DeploymentFailed(step string, cause error) *Error {
	return &Error{
		ErrKind: KindDeploymentFailed,
		Message: fmt.Sprintf("deployment failed at step %q", step),
		Detail:  map[string]string{"step": step},
		cause:   cause,
	}
}

// IsRetryable reports whether the job runner should retry the attempt.
// Transient connection-layer failures and timeouts are retryable; logic
// errors and conflicts are terminal.
func IsRetryable(err error) bool {
	switch Kind(err) {
	case KindUnreachable, KindTLSError, KindTimeout:
		return true
	}
	return false
}

// IsNotFound reports whether err is a NotFound of any resource
func IsNotFound(err error) bool { return Kind(err) == KindNotFound }

// IsConflict reports whether err is a Conflict of any resource
func IsConflict(err error) bool { return Kind(err) == KindConflict }

// IsStateInvalid reports whether err is a state machine refusal
func IsStateInvalid(err error) bool { return Kind(err) == KindStateInvalid }
