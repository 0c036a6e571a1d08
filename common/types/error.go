package types

import (
	"errors"
)

var (
	// ErrKernelClosed is returned when an operation is attempted on a kernel instance that has already been closed.
	// It indicates a use-after-close bug in the caller.
	ErrKernelClosed = errors.New("kernel already closed")

	// ErrConnectionFailed is returned when a session could not obtain a socket to its backing process before the
	// startup deadline elapsed.
	ErrConnectionFailed = errors.New("could not connect to the session server")

	// ErrSessionClosed is returned when an operation is attempted on a session that has been closed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNoSocket is returned when a data operation finds no socket even though acquisition reported success.
	ErrNoSocket = errors.New("no socket")

	// ErrAlreadyRestarting is returned by a restart governor when another restart is still in progress.
	ErrAlreadyRestarting = errors.New("already restarting the session server")

	// ErrRestartedTooRecently is returned by a restart governor when the previous restart completed too recently.
	ErrRestartedTooRecently = errors.New("restarted the session server too recently")
)
