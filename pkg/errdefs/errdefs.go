// Package errdefs defines the error taxonomy shared by all Apiary
// components, plus the stable exit-code mapping used by the CLI.
//
// Errors are plain sentinels wrapped with %w, so callers classify with
// errors.Is regardless of how many layers added context.
package errdefs

import "errors"

var (
	// ErrNoRoute means the topology rejects the sender→recipient pair.
	ErrNoRoute = errors.New("no route")

	// ErrUnknownNode means an identifier names no agent, mailbox, or human.
	ErrUnknownNode = errors.New("unknown node")

	// ErrValidation means a config or mail failed structural validation.
	ErrValidation = errors.New("validation failed")

	// ErrMailCorrupt means a mail file could not be read or parsed; the
	// file has been moved to its directory's poison quarantine.
	ErrMailCorrupt = errors.New("mail corrupt")

	// ErrContainerRuntime means the underlying container runtime failed or
	// exceeded its per-call deadline.
	ErrContainerRuntime = errors.New("container runtime error")

	// ErrAlreadyExists means a create collided with an existing entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusy means a concurrent mutation conflict.
	ErrBusy = errors.New("busy")

	// ErrIO means a filesystem operation failed.
	ErrIO = errors.New("i/o error")

	// ErrCancelled means the operation observed cancellation.
	ErrCancelled = errors.New("cancelled")
)

// exitCodes is the stable kind→code mapping. Codes never change across
// versions; new kinds get new codes.
var exitCodes = []struct {
	err  error
	code int
}{
	{ErrNoRoute, 2},
	{ErrUnknownNode, 3},
	{ErrValidation, 4},
	{ErrMailCorrupt, 5},
	{ErrContainerRuntime, 6},
	{ErrAlreadyExists, 7},
	{ErrNotFound, 8},
	{ErrBusy, 9},
	{ErrIO, 10},
	{ErrCancelled, 11},
}

// ExitCode returns the stable process exit code for err: 0 for nil, a
// per-kind code for taxonomy errors, 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	for _, ec := range exitCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return 1
}
