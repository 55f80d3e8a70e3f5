//go:build unix && !linux
// +build unix,!linux

package lock

import "golang.org/x/sys/unix"

// Classic process-associated locks: descriptors of the same process do not
// conflict with each other.
const (
	cmdSetLock     = unix.F_SETLK
	cmdSetLockWait = unix.F_SETLKW
	cmdGetLock     = unix.F_GETLK
)
