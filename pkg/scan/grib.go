package scan

import (
	"bytes"
	"io"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
)

var (
	gribMagic = []byte("GRIB")
	endMagic  = []byte("7777")
)

type gribScanner struct{}

func (gribScanner) Format() types.Format { return types.FormatGRIB }

// gribLength reads the total message length from the indicator section.
func gribLength(rec []byte) (int, error) {
	if len(rec) < 8 || !bytes.Equal(rec[:4], gribMagic) {
		return 0, corrupted("missing GRIB header")
	}
	switch rec[7] {
	case 1:
		return int(be(rec[4:7])), nil
	case 2:
		if len(rec) < 16 {
			return 0, corrupted("truncated GRIB2 indicator section")
		}
		n := be(rec[8:16])
		if n > uint64(len(rec)) {
			return 0, corrupted("GRIB2 message of %d bytes exceeds the %d bytes available", n, len(rec))
		}
		return int(n), nil
	}
	return 0, corrupted("unsupported GRIB edition %d", rec[7])
}

func (gribScanner) Next(buf []byte) (int, int, int, error) {
	start := bytes.Index(buf, gribMagic)
	if start < 0 {
		return 0, 0, 0, io.EOF
	}
	size, err := gribLength(buf[start:])
	if err != nil {
		return 0, 0, 0, err
	}
	if size < 12 || size > len(buf)-start {
		return 0, 0, 0, corrupted("GRIB message of %d bytes exceeds the %d bytes available", size, len(buf)-start)
	}
	return start, size, start + size, nil
}

func (gribScanner) RefTime(rec []byte) (time.Time, error) {
	if len(rec) < 8 {
		return time.Time{}, corrupted("truncated GRIB message")
	}
	switch rec[7] {
	case 1:
		// Section 1 starts right after the 8 byte indicator.
		if len(rec) < 8+25 {
			return time.Time{}, corrupted("truncated GRIB1 section 1")
		}
		s := rec[8:]
		century := int(s[24])
		year := (century-1)*100 + int(s[12])
		if s[12] == 0 {
			year = century * 100
		}
		return mkTime(year, int(s[13]), int(s[14]), int(s[15]), int(s[16]), 0)
	case 2:
		if len(rec) < 16+19 {
			return time.Time{}, corrupted("truncated GRIB2 section 1")
		}
		s := rec[16:]
		if s[4] != 1 {
			return time.Time{}, ErrNoRefTime
		}
		return mkTime(int(be(s[12:14])), int(s[14]), int(s[15]), int(s[16]), int(s[17]), int(s[18]))
	}
	return time.Time{}, corrupted("unsupported GRIB edition %d", rec[7])
}

func (gribScanner) Validate(rec []byte) error {
	size, err := gribLength(rec)
	if err != nil {
		return err
	}
	if size != len(rec) {
		return corrupted("GRIB length %d does not match record size %d", size, len(rec))
	}
	if !bytes.HasSuffix(rec, endMagic) {
		return corrupted("GRIB message does not end with 7777")
	}
	return nil
}
