//go:build linux
// +build linux

package data

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func adviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}

func adviseDontNeed(f *os.File, offset, size int64) {
	_ = unix.Fadvise(int(f.Fd()), offset, size, unix.FADV_DONTNEED)
}

// streamRange copies size bytes at offset of f to w, with sendfile when w
// is backed by a file descriptor.
func streamRange(f *os.File, offset, size int64, w io.Writer) (int64, error) {
	sc, ok := w.(syscall.Conn)
	if !ok {
		return io.Copy(w, io.NewSectionReader(f, offset, size))
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		return io.Copy(w, io.NewSectionReader(f, offset, size))
	}

	pos := offset
	end := offset + size
	var sendErr error
	if err := rawConn.Control(func(fd uintptr) {
		inFd := int(f.Fd())
		outFd := int(fd)
		for pos < end {
			n, err := unix.Sendfile(outFd, inFd, &pos, int(end-pos))
			if err != nil {
				sendErr = err
				return
			}
			if n == 0 {
				break
			}
		}
	}); err != nil {
		return pos - offset, fmt.Errorf("rawConn.Control: %w", err)
	}
	switch {
	case errors.Is(sendErr, unix.EAGAIN), errors.Is(sendErr, unix.EINVAL), errors.Is(sendErr, unix.ENOSYS):
		// not every descriptor supports sendfile: finish with a plain copy
		n, err := io.Copy(w, io.NewSectionReader(f, pos, end-pos))
		return pos - offset + n, err
	case sendErr != nil:
		return pos - offset, sendErr
	case pos < end:
		return pos - offset, io.ErrUnexpectedEOF
	}
	return size, nil
}
