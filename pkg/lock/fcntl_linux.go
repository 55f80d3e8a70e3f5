//go:build linux
// +build linux

package lock

import "golang.org/x/sys/unix"

const (
	cmdSetLock     = unix.F_OFD_SETLK
	cmdSetLockWait = unix.F_OFD_SETLKW
	cmdGetLock     = unix.F_OFD_GETLK
)
