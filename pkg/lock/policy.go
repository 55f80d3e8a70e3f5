package lock

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/downfa11-org/segstore/pkg/metrics"
	"golang.org/x/sys/unix"
)

// ErrLocked is matched by errors returned when a lock is held by someone
// else and the policy does not wait.
var ErrLocked = errors.New("already held")

// Type is the kind of a byte-range lock.
type Type int16

const (
	Read Type = iota
	Write
	Unlock
)

func (t Type) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unlock"
	}
}

// Region is a byte range of the lock file. Len 0 extends to end of file.
type Region struct {
	Type  Type
	Start int64
	Len   int64
}

func (r Region) String() string {
	return fmt.Sprintf("%s from set:%d len: %d", r.Type, r.Start, r.Len)
}

// LockedError describes the lock that prevented an acquisition.
type LockedError struct {
	Path   string
	Holder Region
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("a %s lock is already held on %s from set:%d len: %d", e.Holder.Type, e.Path, e.Holder.Start, e.Holder.Len)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// Policy applies byte-range locks to an open file.
type Policy interface {
	// SetLock tries to acquire r and reports false if a conflicting lock is held.
	SetLock(f *os.File, r Region) (bool, error)
	// SetLockWait acquires r, waiting for conflicting holders to go away.
	SetLockWait(f *os.File, r Region) error
	// GetLock returns the first lock conflicting with r, if any.
	GetLock(f *os.File, r Region) (Region, bool, error)
}

// NullPolicy grants every request without touching the file.
type NullPolicy struct{}

func (NullPolicy) SetLock(*os.File, Region) (bool, error)         { return true, nil }
func (NullPolicy) SetLockWait(*os.File, Region) error             { return nil }
func (NullPolicy) GetLock(*os.File, Region) (Region, bool, error) { return Region{}, false, nil }

// TestContext changes lock behaviour for tests and counts the lock calls
// made through a policy. It is passed explicitly to the policy.
type TestContext struct {
	// Nowait turns blocking acquisitions into immediate ErrLocked failures.
	Nowait bool

	setlk  atomic.Int64
	setlkw atomic.Int64
	getlk  atomic.Int64
}

// Counts returns how many non-blocking, blocking and query calls were made.
func (tc *TestContext) Counts() (setlk, setlkw, getlk int64) {
	return tc.setlk.Load(), tc.setlkw.Load(), tc.getlk.Load()
}

// OFDPolicy uses fcntl record locks. On Linux these are open file
// description locks, which also conflict between descriptors of the same
// process.
type OFDPolicy struct {
	test *TestContext
}

// NewOFDPolicy returns an fcntl policy; tc may be nil.
func NewOFDPolicy(tc *TestContext) *OFDPolicy {
	return &OFDPolicy{test: tc}
}

func flockFor(r Region) *unix.Flock_t {
	lk := &unix.Flock_t{Whence: 0, Start: r.Start, Len: r.Len}
	switch r.Type {
	case Read:
		lk.Type = unix.F_RDLCK
	case Write:
		lk.Type = unix.F_WRLCK
	default:
		lk.Type = unix.F_UNLCK
	}
	return lk
}

func (p *OFDPolicy) SetLock(f *os.File, r Region) (bool, error) {
	if p.test != nil {
		p.test.setlk.Add(1)
	}
	err := unix.FcntlFlock(f.Fd(), cmdSetLock, flockFor(r))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		metrics.LockConflicts.Inc()
		return false, nil
	}
	return false, fmt.Errorf("cannot lock %s (%s): %w", f.Name(), r, err)
}

func (p *OFDPolicy) SetLockWait(f *os.File, r Region) error {
	if p.test != nil && p.test.Nowait {
		return p.setLockNowait(f, r)
	}
	if p.test != nil {
		p.test.setlkw.Add(1)
	}

	start := time.Now()
	defer metrics.ObserveLockWait(start)
	for {
		err := unix.FcntlFlock(f.Fd(), cmdSetLockWait, flockFor(r))
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return fmt.Errorf("cannot lock %s (%s): %w", f.Name(), r, err)
	}
}

func (p *OFDPolicy) setLockNowait(f *os.File, r Region) error {
	if r.Type != Unlock {
		holder, held, err := p.GetLock(f, r)
		if err != nil {
			return err
		}
		if held {
			metrics.LockConflicts.Inc()
			return &LockedError{Path: f.Name(), Holder: holder}
		}
	}
	ok, err := p.SetLock(f, r)
	if err != nil {
		return err
	}
	if !ok {
		return &LockedError{Path: f.Name(), Holder: r}
	}
	return nil
}

func (p *OFDPolicy) GetLock(f *os.File, r Region) (Region, bool, error) {
	if p.test != nil {
		p.test.getlk.Add(1)
	}
	lk := flockFor(r)
	if err := unix.FcntlFlock(f.Fd(), cmdGetLock, lk); err != nil {
		return Region{}, false, fmt.Errorf("cannot query lock on %s: %w", f.Name(), err)
	}
	if lk.Type == unix.F_UNLCK {
		return Region{}, false, nil
	}
	holder := Region{Type: Read, Start: lk.Start, Len: lk.Len}
	if lk.Type == unix.F_WRLCK {
		holder.Type = Write
	}
	return holder, true, nil
}
