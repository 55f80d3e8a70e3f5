package data

import (
	"errors"
	"fmt"
	"os"
)

// Pending is a prepared change that is applied by Commit or discarded by
// Rollback. Only the first of the two has any effect.
type Pending struct {
	commit   func() error
	rollback func() error
	done     bool
}

func NewPending(commit, rollback func() error) *Pending {
	return &Pending{commit: commit, rollback: rollback}
}

func (p *Pending) Commit() error {
	if p == nil || p.done {
		return nil
	}
	p.done = true
	if p.commit == nil {
		return nil
	}
	return p.commit()
}

func (p *Pending) Rollback() error {
	if p == nil || p.done {
		return nil
	}
	p.done = true
	if p.rollback == nil {
		return nil
	}
	return p.rollback()
}

// renamePending moves tmp files over their targets on commit. A target
// with an empty tmp name is removed instead.
func renamePending(moves [][2]string) *Pending {
	commit := func() error {
		for _, mv := range moves {
			tmp, dst := mv[0], mv[1]
			if tmp == "" {
				if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("cannot remove %s: %w", dst, err)
				}
				continue
			}
			if err := os.Rename(tmp, dst); err != nil {
				return fmt.Errorf("cannot rename %s to %s: %w", tmp, dst, err)
			}
		}
		return nil
	}
	rollback := func() error {
		var errs []error
		for _, mv := range moves {
			if mv[0] == "" {
				continue
			}
			if err := os.Remove(mv[0]); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return NewPending(commit, rollback)
}
