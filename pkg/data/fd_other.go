//go:build !linux
// +build !linux

package data

import (
	"io"
	"os"
)

func adviseSequential(*os.File) {}

func adviseDontNeed(*os.File, int64, int64) {}

func streamRange(f *os.File, offset, size int64, w io.Writer) (int64, error) {
	return io.Copy(w, io.NewSectionReader(f, offset, size))
}
