package session

import (
	"golang.org/x/sys/unix"
)

// ProcessSignaler delivers signals to the processes backing sessions.
type ProcessSignaler interface {
	Signal(pid int, sig unix.Signal) error
}

// UnixSignaler signals processes with kill(2).
type UnixSignaler struct{}

func (UnixSignaler) Signal(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}
