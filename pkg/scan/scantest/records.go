// Package scantest builds small synthetic records for tests.
package scantest

import (
	"encoding/binary"
	"fmt"
	"time"
)

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7) + seed
	}
	return p
}

func put24(b []byte, v int) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// GRIB1 builds an edition 1 GRIB message with the given reference time
// and n bytes of payload.
func GRIB1(t time.Time, n int) []byte {
	const sec1Len = 28
	size := 8 + sec1Len + n + 4
	msg := make([]byte, 0, size)
	is := []byte{'G', 'R', 'I', 'B', 0, 0, 0, 1}
	put24(is[4:7], size)
	msg = append(msg, is...)

	sec1 := make([]byte, sec1Len)
	put24(sec1[0:3], sec1Len)
	century := (t.Year()-1)/100 + 1
	sec1[12] = byte(t.Year() - (century-1)*100)
	sec1[13] = byte(t.Month())
	sec1[14] = byte(t.Day())
	sec1[15] = byte(t.Hour())
	sec1[16] = byte(t.Minute())
	sec1[24] = byte(century)
	msg = append(msg, sec1...)
	msg = append(msg, payload(n, byte(t.Hour()))...)
	return append(msg, '7', '7', '7', '7')
}

// GRIB2 builds an edition 2 GRIB message.
func GRIB2(t time.Time, n int) []byte {
	const sec1Len = 21
	size := 16 + sec1Len + n + 4
	msg := make([]byte, 16, size)
	copy(msg, "GRIB")
	msg[7] = 2
	binary.BigEndian.PutUint64(msg[8:16], uint64(size))

	sec1 := make([]byte, sec1Len)
	binary.BigEndian.PutUint32(sec1[0:4], sec1Len)
	sec1[4] = 1
	binary.BigEndian.PutUint16(sec1[12:14], uint16(t.Year()))
	sec1[14] = byte(t.Month())
	sec1[15] = byte(t.Day())
	sec1[16] = byte(t.Hour())
	sec1[17] = byte(t.Minute())
	sec1[18] = byte(t.Second())
	msg = append(msg, sec1...)
	msg = append(msg, payload(n, byte(t.Minute()))...)
	return append(msg, '7', '7', '7', '7')
}

// BUFR builds an edition 4 BUFR message.
func BUFR(t time.Time, n int) []byte {
	const sec1Len = 22
	size := 8 + sec1Len + n + 4
	msg := []byte{'B', 'U', 'F', 'R', 0, 0, 0, 4}
	put24(msg[4:7], size)

	sec1 := make([]byte, sec1Len)
	put24(sec1[0:3], sec1Len)
	binary.BigEndian.PutUint16(sec1[15:17], uint16(t.Year()))
	sec1[17] = byte(t.Month())
	sec1[18] = byte(t.Day())
	sec1[19] = byte(t.Hour())
	sec1[20] = byte(t.Minute())
	sec1[21] = byte(t.Second())
	msg = append(msg, sec1...)
	msg = append(msg, payload(n, byte(t.Day()))...)
	return append(msg, '7', '7', '7', '7')
}

// VM2 builds one observation line, without the trailing newline.
func VM2(t time.Time, station, variable int, value float64) []byte {
	return []byte(fmt.Sprintf("%s,%d,%d,%g,,,", t.UTC().Format("200601021504"), station, variable, value))
}

// HDF5 builds a blob carrying only the HDF5 signature and some filler.
func HDF5(n int) []byte {
	return append([]byte("\x89HDF\r\n\x1a\n"), payload(n, 3)...)
}
