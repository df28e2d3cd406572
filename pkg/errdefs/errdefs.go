package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Handlers translate low-level errors to one of these
// at the component boundary; pkg/api maps them to HTTP statuses.
var (
	// ErrValidation covers malformed input, mutually exclusive flags and
	// unknown targets. Maps to 400.
	ErrValidation = errors.New("validation error")

	// ErrNotFound covers unknown task ids, hostnames and reservations.
	// Maps to 404.
	ErrNotFound = errors.New("not found")

	// ErrExhausted covers "no node matches", "no runner ids left" and
	// "no free IPs". Maps to 503.
	ErrExhausted = errors.New("resource exhausted")

	// ErrRunnerUnreachable is a transport-level failure talking to a
	// runner. The task stays in assigning; the runner owns the truth.
	ErrRunnerUnreachable = errors.New("runner unreachable")

	// ErrRunnerRejected is an explicit HTTP rejection from a runner.
	// Unlike a transport error it fails the task.
	ErrRunnerRejected = errors.New("runner rejected request")

	// ErrImageSync covers a missing tarball or a failed docker load.
	ErrImageSync = errors.New("image sync failed")

	// ErrVMCapability is a VM request landing on a non-VM-capable node.
	ErrVMCapability = errors.New("node is not VM capable")

	// ErrVFIOBind is a failed or timed-out driver-override bind where the
	// override did not land on vfio-pci either.
	ErrVFIOBind = errors.New("vfio bind failed")

	// ErrQMP is an unreachable QMP socket or a rejected QMP command.
	ErrQMP = errors.New("qmp failed")

	// ErrTokenInvalid is a reservation token whose signature or expiry
	// does not verify. Maps to 403.
	ErrTokenInvalid = errors.New("reservation token invalid")

	// ErrStateConflict covers operations illegal in the task's current
	// state, e.g. killing a terminal task. Maps to 409.
	ErrStateConflict = errors.New("state conflict")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Exhaustedf wraps ErrExhausted with a formatted detail message.
func Exhaustedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrExhausted}, args...)...)
}

// Conflictf wraps ErrStateConflict with a formatted detail message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrStateConflict}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}
