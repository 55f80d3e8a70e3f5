// Package lock implements the advisory locking protocol shared by readers,
// appenders and checkers of a segment.
//
// Locks are byte-range locks on a lock file. Byte 0 guards reading and
// byte 1 guards appending and checking:
//
//	ReadLock         read lock on byte 0
//	AppendLock       write lock on byte 1
//	CheckLock        write lock on byte 1
//	CheckWriteLock   write lock on bytes 0-1, escalated from a CheckLock
//
// Readers therefore run alongside one appender or one checker, and only a
// checker that escalates to modify data excludes readers.
package lock

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	readRegion   = Region{Type: Read, Start: 0, Len: 1}
	appendRegion = Region{Type: Write, Start: 1, Len: 1}
	escalated    = Region{Type: Write, Start: 0, Len: 2}
)

// file is one open description of the lock file. Each lock object owns its
// own, so locks taken through different objects conflict even within one
// process.
type file struct {
	f      *os.File
	policy Policy
	held   Region
}

func openFile(path string, policy Policy, r Region) (*file, error) {
	if policy == nil {
		policy = NullPolicy{}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open lock file %s: %w", path, err)
	}
	lf := &file{f: f, policy: policy}
	if err := policy.SetLockWait(f, r); err != nil {
		return nil, errors.Join(err, f.Close())
	}
	lf.held = r
	return lf, nil
}

func (lf *file) close() error {
	if lf.f == nil {
		return nil
	}
	unlock := Region{Type: Unlock, Start: lf.held.Start, Len: lf.held.Len}
	_, err := lf.policy.SetLock(lf.f, unlock)
	err = errors.Join(err, lf.f.Close())
	lf.f = nil
	return err
}

// ReadLock allows reading a segment while appends and checks go on.
type ReadLock struct {
	lf *file
}

func NewReadLock(path string, policy Policy) (*ReadLock, error) {
	lf, err := openFile(path, policy, readRegion)
	if err != nil {
		return nil, err
	}
	return &ReadLock{lf: lf}, nil
}

func (l *ReadLock) Close() error {
	return l.lf.close()
}

// AppendLock allows appending to a segment.
type AppendLock struct {
	lf *file
}

func NewAppendLock(path string, policy Policy) (*AppendLock, error) {
	lf, err := openFile(path, policy, appendRegion)
	if err != nil {
		return nil, err
	}
	return &AppendLock{lf: lf}, nil
}

func (l *AppendLock) Close() error {
	return l.lf.close()
}

// CheckLock allows inspecting a segment, and escalating to a
// CheckWriteLock to modify it.
type CheckLock struct {
	lf *file

	mu     sync.Mutex
	ticket *CheckWriteLock
}

func NewCheckLock(path string, policy Policy) (*CheckLock, error) {
	lf, err := openFile(path, policy, appendRegion)
	if err != nil {
		return nil, err
	}
	return &CheckLock{lf: lf}, nil
}

// WriteLock escalates to exclusive access, waiting for readers to leave.
// While an escalation is live, further calls return the same ticket with
// its reference count raised; each call must be paired with one Release.
func (l *CheckLock) WriteLock() (*CheckWriteLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lf.f == nil {
		return nil, fmt.Errorf("check lock is closed")
	}
	if l.ticket != nil {
		l.ticket.refs++
		return l.ticket, nil
	}
	if err := l.lf.policy.SetLockWait(l.lf.f, escalated); err != nil {
		return nil, err
	}
	l.lf.held = escalated
	l.ticket = &CheckWriteLock{owner: l, refs: 1}
	return l.ticket, nil
}

// Escalated reports whether a write lock ticket is live.
func (l *CheckLock) Escalated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticket != nil
}

func (l *CheckLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ticket != nil {
		l.ticket.refs = 0
		l.ticket = nil
	}
	return l.lf.close()
}

// downgrade returns to the plain check lock by releasing byte 0.
func (l *CheckLock) downgrade() error {
	l.ticket = nil
	if l.lf.f == nil {
		return nil
	}
	if _, err := l.lf.policy.SetLock(l.lf.f, Region{Type: Unlock, Start: 0, Len: 1}); err != nil {
		return err
	}
	l.lf.held = appendRegion
	return nil
}

// CheckWriteLock is a reference counted escalation of a CheckLock.
type CheckWriteLock struct {
	owner *CheckLock
	refs  int
}

// Release drops one reference; the last one downgrades the owner back to
// a check lock.
func (w *CheckWriteLock) Release() error {
	o := w.owner
	o.mu.Lock()
	defer o.mu.Unlock()

	if w.refs == 0 {
		return nil
	}
	w.refs--
	if w.refs > 0 {
		return nil
	}
	return o.downgrade()
}
