//go:build linux

package lock_test

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/stretchr/testify/require"
)

func nowaitPolicy() (*lock.OFDPolicy, *lock.TestContext) {
	tc := &lock.TestContext{Nowait: true}
	return lock.NewOFDPolicy(tc), tc
}

// TestReadersAndAppenderCoexist verifies that reading and appending do not exclude each other.
func TestReadersAndAppenderCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	policy, _ := nowaitPolicy()

	r1, err := lock.NewReadLock(path, policy)
	require.NoError(t, err)
	defer r1.Close()
	r2, err := lock.NewReadLock(path, policy)
	require.NoError(t, err)
	defer r2.Close()

	a, err := lock.NewAppendLock(path, policy)
	require.NoError(t, err)
	defer a.Close()
}

// TestAppendersExclude verifies that a second appender fails with holder info under nowait.
func TestAppendersExclude(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	policy, _ := nowaitPolicy()

	a1, err := lock.NewAppendLock(path, policy)
	require.NoError(t, err)

	_, err = lock.NewAppendLock(path, policy)
	require.Error(t, err)
	require.True(t, errors.Is(err, lock.ErrLocked), "got %v", err)
	var locked *lock.LockedError
	require.True(t, errors.As(err, &locked))
	require.Equal(t, lock.Write, locked.Holder.Type)
	require.Equal(t, int64(1), locked.Holder.Start)
	require.Equal(t, int64(1), locked.Holder.Len)
	require.Equal(t, path, locked.Path)
	require.True(t, strings.Contains(err.Error(), "already held"), err.Error())

	_, err = lock.NewCheckLock(path, policy)
	require.ErrorIs(t, err, lock.ErrLocked)

	require.NoError(t, a1.Close())
	a2, err := lock.NewAppendLock(path, policy)
	require.NoError(t, err)
	require.NoError(t, a2.Close())
}

// TestCheckEscalation walks a check lock through escalation and downgrade.
func TestCheckEscalation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	policy, _ := nowaitPolicy()

	check, err := lock.NewCheckLock(path, policy)
	require.NoError(t, err)
	defer check.Close()

	reader, err := lock.NewReadLock(path, policy)
	require.NoError(t, err, "readers run alongside a non escalated check")

	_, err = check.WriteLock()
	require.ErrorIs(t, err, lock.ErrLocked, "escalation must wait for readers")
	require.False(t, check.Escalated())

	require.NoError(t, reader.Close())

	w, err := check.WriteLock()
	require.NoError(t, err)
	require.True(t, check.Escalated())

	_, err = lock.NewReadLock(path, policy)
	require.ErrorIs(t, err, lock.ErrLocked, "readers are excluded while escalated")

	require.NoError(t, w.Release())
	require.False(t, check.Escalated())

	reader, err = lock.NewReadLock(path, policy)
	require.NoError(t, err, "downgrade lets readers back in")
	defer reader.Close()

	_, err = lock.NewAppendLock(path, policy)
	require.ErrorIs(t, err, lock.ErrLocked, "downgraded check still excludes appenders")
}

// TestEscalationIsShared verifies that nested escalations reuse the live ticket.
func TestEscalationIsShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	policy, tc := nowaitPolicy()

	check, err := lock.NewCheckLock(path, policy)
	require.NoError(t, err)
	defer check.Close()

	w1, err := check.WriteLock()
	require.NoError(t, err)
	setlk, _, getlk := tc.Counts()

	w2, err := check.WriteLock()
	require.NoError(t, err)
	require.Same(t, w1, w2)

	setlk2, _, getlk2 := tc.Counts()
	require.Equal(t, setlk, setlk2, "no lock call for a shared ticket")
	require.Equal(t, getlk, getlk2)

	require.NoError(t, w2.Release())
	require.True(t, check.Escalated(), "one reference is still live")
	require.NoError(t, w1.Release())
	require.False(t, check.Escalated())
	require.NoError(t, w1.Release(), "extra release is a no-op")

	w3, err := check.WriteLock()
	require.NoError(t, err)
	require.NotSame(t, w1, w3)
	require.NoError(t, w3.Release())
}

func openLock(path, kind string, policy lock.Policy) (io.Closer, error) {
	switch kind {
	case "read":
		return lock.NewReadLock(path, policy)
	case "append":
		return lock.NewAppendLock(path, policy)
	default:
		return lock.NewCheckLock(path, policy)
	}
}

// TestLockConflicts verifies which lock combinations exclude each other,
// whichever is taken first.
func TestLockConflicts(t *testing.T) {
	tests := []struct {
		first, second string
		// escalate takes the write lock of the second (check) lock.
		escalate bool
		conflict bool
	}{
		{"read", "read", false, false},
		{"read", "append", false, false},
		{"read", "check", false, false},
		{"read", "check", true, true},
		{"append", "check", false, true},
		{"check", "append", false, true},
		{"check", "check", false, true},
	}
	for _, tt := range tests {
		name := tt.first + "/" + tt.second
		if tt.escalate {
			name += "/escalated"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "lock")
			policy, _ := nowaitPolicy()

			first, err := openLock(path, tt.first, policy)
			require.NoError(t, err)
			defer first.Close()

			second, err := openLock(path, tt.second, policy)
			if !tt.escalate {
				if tt.conflict {
					require.ErrorIs(t, err, lock.ErrLocked)
					return
				}
				require.NoError(t, err)
				require.NoError(t, second.Close())
				return
			}
			require.NoError(t, err)
			defer second.Close()
			_, err = second.(*lock.CheckLock).WriteLock()
			if tt.conflict {
				require.ErrorIs(t, err, lock.ErrLocked)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// TestNullPolicy verifies that the null policy never refuses.
func TestNullPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	a1, err := lock.NewAppendLock(path, lock.NullPolicy{})
	require.NoError(t, err)
	defer a1.Close()
	a2, err := lock.NewAppendLock(path, nil)
	require.NoError(t, err)
	defer a2.Close()
}

// TestBlockingCounters verifies that the blocking path is counted when nowait is off.
func TestBlockingCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	tc := &lock.TestContext{}
	policy := lock.NewOFDPolicy(tc)

	r, err := lock.NewReadLock(path, policy)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, setlkw, getlk := tc.Counts()
	require.Equal(t, int64(1), setlkw)
	require.Equal(t, int64(0), getlk)
}
