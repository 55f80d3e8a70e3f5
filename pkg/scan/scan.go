// Package scan finds and decodes records stored back to back in a buffer.
//
// Only what the segment layer needs is decoded: record boundaries, the
// reference time, and a signature check used by accurate segment checks.
package scan

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
)

var (
	// ErrCorrupted is matched by errors about records that fail validation.
	ErrCorrupted = errors.New("corrupted record")
	// ErrNoRefTime is returned when a record carries no reference time.
	ErrNoRefTime = errors.New("record has no reference time")
)

// Scanner knows the framing of one record format.
type Scanner interface {
	Format() types.Format
	// Next finds the first record in buf. It returns the record position and
	// size, and how many bytes of buf it covers including trailing padding.
	// It returns io.EOF when buf holds no further record.
	Next(buf []byte) (start, size, advance int, err error)
	RefTime(rec []byte) (time.Time, error)
	Validate(rec []byte) error
}

func ForFormat(f types.Format) (Scanner, error) {
	switch f {
	case types.FormatGRIB:
		return gribScanner{}, nil
	case types.FormatBUFR:
		return bufrScanner{}, nil
	case types.FormatVM2:
		return vm2Scanner{}, nil
	case types.FormatODIMH5:
		return odimScanner{}, nil
	}
	return nil, fmt.Errorf("no scanner for format %q", f)
}

// Visit is called for each record found by Buffer. Returning false stops
// the scan.
type Visit func(offset, size uint64, reftime time.Time) bool

// Buffer scans buf, which starts at file offset base, calling visit for
// every record. It returns false if visit stopped the scan.
func Buffer(s Scanner, buf []byte, base uint64, visit Visit) (bool, error) {
	pos := 0
	for pos < len(buf) {
		start, size, advance, err := s.Next(buf[pos:])
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("offset %d: %w", base+uint64(pos), err)
		}
		rec := buf[pos+start : pos+start+size]
		rt, err := s.RefTime(rec)
		if err != nil && !errors.Is(err, ErrNoRefTime) {
			return false, fmt.Errorf("offset %d: %w", base+uint64(pos+start), err)
		}
		if !visit(base+uint64(pos+start), uint64(size), rt) {
			return false, nil
		}
		pos += advance
	}
	return true, nil
}

func corrupted(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorrupted, fmt.Sprintf(format, v...))
}

func be(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func mkTime(year, month, day, hour, minute, second int) (time.Time, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 || hour < 0 || hour > 24 || minute < 0 || minute > 59 || second < 0 || second > 60 {
		return time.Time{}, corrupted("invalid reference time %04d-%02d-%02d %02d:%02d:%02d", year, month, day, hour, minute, second)
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}
