package scan

import (
	"bytes"
	"io"
	"strconv"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
)

// vm2Scanner reads one observation per line:
// YYYYMMDDHHMM[SS],station,variable,value,...
type vm2Scanner struct{}

func (vm2Scanner) Format() types.Format { return types.FormatVM2 }

func (vm2Scanner) Next(buf []byte) (int, int, int, error) {
	start := 0
	for start < len(buf) && buf[start] == '\n' {
		start++
	}
	if start == len(buf) {
		return 0, 0, 0, io.EOF
	}
	end := bytes.IndexByte(buf[start:], '\n')
	if end < 0 {
		return start, len(buf) - start, len(buf), nil
	}
	return start, end, start + end + 1, nil
}

func (vm2Scanner) RefTime(rec []byte) (time.Time, error) {
	field := rec
	if i := bytes.IndexByte(rec, ','); i >= 0 {
		field = rec[:i]
	}
	if len(field) != 12 && len(field) != 14 {
		return time.Time{}, corrupted("invalid VM2 time %q", field)
	}
	num := func(b []byte) int {
		v, err := strconv.Atoi(string(b))
		if err != nil {
			return -1
		}
		return v
	}
	second := 0
	if len(field) == 14 {
		second = num(field[12:14])
	}
	year := num(field[0:4])
	if year < 0 || second < 0 {
		return time.Time{}, corrupted("invalid VM2 time %q", field)
	}
	return mkTime(year, num(field[4:6]), num(field[6:8]), num(field[8:10]), num(field[10:12]), second)
}

func (s vm2Scanner) Validate(rec []byte) error {
	if bytes.IndexByte(rec, '\n') >= 0 {
		return corrupted("VM2 record spans more than one line")
	}
	if bytes.Count(rec, []byte(",")) < 3 {
		return corrupted("VM2 record %q has too few fields", rec)
	}
	_, err := s.RefTime(rec)
	return err
}

var hdf5Magic = []byte("\x89HDF\r\n\x1a\n")

// odimScanner only recognises the HDF5 signature: ODIM files cannot be
// concatenated, so each record is a whole archive member.
type odimScanner struct{}

func (odimScanner) Format() types.Format { return types.FormatODIMH5 }

func (odimScanner) Next(buf []byte) (int, int, int, error) {
	if len(buf) == 0 {
		return 0, 0, 0, io.EOF
	}
	return 0, len(buf), len(buf), nil
}

func (odimScanner) RefTime([]byte) (time.Time, error) { return time.Time{}, ErrNoRefTime }

func (odimScanner) Validate(rec []byte) error {
	if !bytes.HasPrefix(rec, hdf5Magic) {
		return corrupted("missing HDF5 signature")
	}
	return nil
}
