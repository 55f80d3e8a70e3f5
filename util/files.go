package util

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// WriteFileAtomic writes path through a temporary file in the same directory
// and renames it into place once write returns successfully.
func WriteFileAtomic(path string, write func(w io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpPath := f.Name()

	if err := write(f); err != nil {
		return errors.Join(err, f.Close(), os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err), os.Remove(tmpPath))
	}
	return nil
}

// Mtime returns the modification time of path truncated to the second,
// and false if path does not exist.
func Mtime(path string) (time.Time, bool) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return st.ModTime().Truncate(time.Second), true
}

// Touch sets both access and modification time of path.
func Touch(path string, ts time.Time) error {
	if err := os.Chtimes(path, ts, ts); err != nil {
		return fmt.Errorf("failed to set timestamp of %s: %w", path, err)
	}
	return nil
}

// TouchIfExists is Touch that ignores missing files.
func TouchIfExists(path string, ts time.Time) error {
	if err := os.Chtimes(path, ts, ts); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to set timestamp of %s: %w", path, err)
	}
	return nil
}

// RemoveIfExists removes path and reports its size, or 0 if it was missing.
func RemoveIfExists(path string) (int64, error) {
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return st.Size(), nil
}

func FileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PreserveTimes runs fn and then restores the modification time path had
// before, if it existed.
func PreserveTimes(path string, fn func() error) error {
	st, statErr := os.Stat(path)
	err := fn()
	if statErr == nil {
		if terr := os.Chtimes(path, time.Time{}, st.ModTime()); terr != nil && !os.IsNotExist(terr) {
			err = errors.Join(err, terr)
		}
	}
	return err
}
