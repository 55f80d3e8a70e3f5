package data

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/downfa11-org/segstore/pkg/metrics"
	"github.com/downfa11-org/segstore/pkg/scan"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
)

// layout lays out records in a fresh container stream.
type layout interface {
	// wantsData is false for layouts that only need record sizes.
	wantsData() bool
	// add appends one record and returns where it lives in the container.
	add(buf []byte, size uint64) (offset uint64, err error)
	// shift moves every following record away from its natural position.
	shift() error
	// finish flushes the stream and returns the side index, if any.
	finish() ([]byte, error)
}

// countingWriter tracks how many bytes went through it.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// bindSources makes every record in mds read through r.
func bindSources(mds types.Collection, r types.BlobReader) {
	for _, md := range mds {
		md.Source = md.Source.WithReader(r)
	}
}

// writeFiles lays out mds into temporary files next to main and idx, and
// returns the transaction that moves them into place. Record sources are
// updated to their new positions.
func writeFiles(seg *types.Segment, mds types.Collection, cfg types.RepackConfig, main, idx string, newLayout func(io.Writer) layout, sync bool) (*Pending, error) {
	tmpMain := main + types.SuffixRepack
	f, err := os.Create(tmpMain)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", tmpMain, err)
	}
	abort := func(err error) (*Pending, error) {
		return nil, errors.Join(err, f.Close(), os.Remove(tmpMain))
	}

	var validator scan.Scanner
	if s, err := scan.ForFormat(seg.Format); err == nil {
		validator = s
	}

	l := newLayout(f)
	if cfg.TestFlags&types.TestMischiefMoveData != 0 {
		if err := l.shift(); err != nil {
			return abort(err)
		}
	}
	for _, md := range mds {
		var buf []byte
		if l.wantsData() {
			if buf, err = md.GetData(); err != nil {
				return abort(fmt.Errorf("cannot read %s: %w", md.Source, err))
			}
			if validator != nil {
				if err := validator.Validate(buf); err != nil {
					return abort(fmt.Errorf("refusing to store invalid record %s: %w", md.Source, err))
				}
			}
		}
		size := md.DataSize()
		if buf != nil {
			size = uint64(len(buf))
		}
		offset, err := l.add(buf, size)
		if err != nil {
			return abort(fmt.Errorf("cannot write %s into %s: %w", md.Source, tmpMain, err))
		}
		md.Source = seg.Blob(offset, size)
	}
	sideIdx, err := l.finish()
	if err != nil {
		return abort(err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			return abort(fmt.Errorf("cannot sync %s: %w", tmpMain, err))
		}
	}
	if err := f.Close(); err != nil {
		return nil, errors.Join(err, os.Remove(tmpMain))
	}

	moves := [][2]string{{tmpMain, main}}
	if idx != "" {
		if sideIdx == nil {
			moves = append(moves, [2]string{"", idx})
		} else {
			tmpIdx := idx + types.SuffixRepack
			if err := os.WriteFile(tmpIdx, sideIdx, 0o644); err != nil {
				return nil, errors.Join(fmt.Errorf("cannot write %s: %w", tmpIdx, err), os.Remove(tmpMain))
			}
			moves = append(moves, [2]string{tmpIdx, idx})
		}
	}
	return renamePending(moves), nil
}

// createFiles is writeFiles committed right away.
func createFiles(seg *types.Segment, mds types.Collection, cfg types.RepackConfig, main, idx string, newLayout func(io.Writer) layout, sync bool) error {
	p, err := writeFiles(seg, mds, cfg, main, idx, newLayout, sync)
	if err != nil {
		return err
	}
	return p.Commit()
}

// repackWith rewrites the data of d with the records of mds, reading the
// current contents through a fresh reader.
func repackWith(d Data, mds types.Collection, write func() (*Pending, error)) (*Pending, error) {
	var rdr Reader
	if d.Exists() {
		r, err := d.Reader(nil)
		if err != nil {
			return nil, err
		}
		rdr = r
		bindSources(mds, rdr)
	}
	p, err := write()
	if rdr != nil {
		err = errors.Join(err, rdr.Close())
	}
	if err != nil {
		return nil, err
	}
	metrics.Repacks.WithLabelValues(d.Kind().String()).Inc()
	return p, nil
}

// convert moves the records of mds from src into a new container of the
// given kind, then removes src. If the target already exists, a previous
// conversion got as far as creating it, and only the cleanup is redone.
func convert(src Data, chk Checker, mds types.Collection, target Kind, cfg types.RepackConfig, opts Options) (Checker, error) {
	if src.Kind() == target {
		return chk, nil
	}
	seg := src.Segment()
	dst, err := New(target, seg, opts)
	if err != nil {
		return nil, err
	}
	c, ok := dst.(creatable)
	if !ok {
		return nil, fmt.Errorf("%s: converting to %s: %w", seg.RelPath, target, ErrNotSupported)
	}

	if dst.Exists() {
		util.Warn("%s: %s data already exists, reusing it", seg.RelPath, target)
		var offset uint64
		for _, md := range mds {
			size := md.Source.Size
			md.Source = seg.Blob(offset, size)
			offset = dst.NextOffset(offset, size)
		}
	} else {
		rdr, err := src.Reader(nil)
		if err != nil {
			return nil, err
		}
		bindSources(mds, rdr)
		err = c.create(mds, cfg)
		err = errors.Join(err, rdr.Close())
		if err != nil {
			return nil, err
		}
	}

	if _, err := chk.Remove(); err != nil {
		return nil, fmt.Errorf("%s: converted to %s but cannot remove the old data: %w", seg.RelPath, target, err)
	}
	metrics.Conversions.WithLabelValues(target.String()).Inc()
	return dst.Checker()
}
