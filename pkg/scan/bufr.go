package scan

import (
	"bytes"
	"io"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
)

var bufrMagic = []byte("BUFR")

type bufrScanner struct{}

func (bufrScanner) Format() types.Format { return types.FormatBUFR }

func (bufrScanner) Next(buf []byte) (int, int, int, error) {
	start := bytes.Index(buf, bufrMagic)
	if start < 0 {
		return 0, 0, 0, io.EOF
	}
	if len(buf)-start < 8 {
		return 0, 0, 0, corrupted("truncated BUFR indicator section")
	}
	size := int(be(buf[start+4 : start+7]))
	if size < 12 || size > len(buf)-start {
		return 0, 0, 0, corrupted("BUFR message of %d bytes exceeds the %d bytes available", size, len(buf)-start)
	}
	return start, size, start + size, nil
}

func (bufrScanner) RefTime(rec []byte) (time.Time, error) {
	if len(rec) < 8 {
		return time.Time{}, corrupted("truncated BUFR message")
	}
	s := rec[8:]
	switch rec[7] {
	case 4:
		if len(s) < 22 {
			return time.Time{}, corrupted("truncated BUFR4 section 1")
		}
		return mkTime(int(be(s[15:17])), int(s[17]), int(s[18]), int(s[19]), int(s[20]), int(s[21]))
	case 2, 3:
		if len(s) < 17 {
			return time.Time{}, corrupted("truncated BUFR3 section 1")
		}
		year := int(s[12])
		if year < 70 {
			year += 2000
		} else {
			year += 1900
		}
		return mkTime(year, int(s[13]), int(s[14]), int(s[15]), int(s[16]), 0)
	}
	return time.Time{}, corrupted("unsupported BUFR edition %d", rec[7])
}

func (bufrScanner) Validate(rec []byte) error {
	if len(rec) < 12 || !bytes.Equal(rec[:4], bufrMagic) {
		return corrupted("missing BUFR header")
	}
	if size := int(be(rec[4:7])); size != len(rec) {
		return corrupted("BUFR length %d does not match record size %d", size, len(rec))
	}
	if !bytes.HasSuffix(rec, endMagic) {
		return corrupted("BUFR message does not end with 7777")
	}
	return nil
}
