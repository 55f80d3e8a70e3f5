package data

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/metrics"
	"github.com/downfa11-org/segstore/pkg/scan"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
	"golang.org/x/exp/mmap"
)

// fdData is a segment stored as one plain file: records back to back
// (concat) or each followed by a newline (lines).
type fdData struct {
	seg  *types.Segment
	kind Kind
	opts Options
}

func newFdData(kind Kind, seg *types.Segment, opts Options) *fdData {
	return &fdData{seg: seg, kind: kind, opts: opts}
}

func (d *fdData) Segment() *types.Segment { return d.seg }
func (d *fdData) Kind() Kind              { return d.kind }
func (d *fdData) Type() string            { return d.kind.String() }
func (d *fdData) SingleFile() bool        { return true }

func (d *fdData) Timestamp() (time.Time, bool) { return util.Mtime(d.seg.AbsPath) }
func (d *fdData) Exists() bool                 { return util.Exists(d.seg.AbsPath) }
func (d *fdData) IsEmpty() bool                { return util.FileSize(d.seg.AbsPath) == 0 }
func (d *fdData) Size() int64                  { return util.FileSize(d.seg.AbsPath) }

func (d *fdData) padding() []byte {
	if d.kind.Padding() == 1 {
		return []byte{'\n'}
	}
	return nil
}

func (d *fdData) NextOffset(offset, size uint64) uint64 {
	return offset + size + uint64(d.kind.Padding())
}

func (d *fdData) Reader(rlock *lock.ReadLock) (Reader, error) {
	f, err := os.Open(d.seg.AbsPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", d.seg.AbsPath, err)
	}
	return &fdReader{data: d, f: f, lock: rlock}, nil
}

func (d *fdData) Writer(cfg WriterConfig) (Writer, error) {
	return newFdWriter(d, cfg)
}

func (d *fdData) Checker() (Checker, error) {
	return &fdChecker{data: d}, nil
}

func (d *fdData) newLayout(w io.Writer) layout {
	if d.opts.MockData && d.kind == KindConcat {
		return &holeLayout{w: w}
	}
	return &fdLayout{w: &countingWriter{w: w}, padding: d.padding()}
}

func (d *fdData) create(mds types.Collection, cfg types.RepackConfig) error {
	return createFiles(d.seg, mds, cfg, d.seg.AbsPath, "", d.newLayout, !d.opts.Eatmydata)
}

// fdLayout writes records one after the other.
type fdLayout struct {
	w       *countingWriter
	padding []byte
}

func (l *fdLayout) wantsData() bool { return true }

func (l *fdLayout) add(buf []byte, _ uint64) (uint64, error) {
	offset := l.w.n
	if _, err := l.w.Write(buf); err != nil {
		return 0, err
	}
	if len(l.padding) > 0 {
		if _, err := l.w.Write(l.padding); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

func (l *fdLayout) shift() error {
	filler := l.padding
	if len(filler) == 0 {
		filler = []byte{0}
	}
	_, err := l.w.Write(filler)
	return err
}

func (l *fdLayout) finish() ([]byte, error) { return nil, nil }

// holeLayout grows the file without writing, for tests that need very
// large segments.
type holeLayout struct {
	w   io.Writer
	pos uint64
}

func (l *holeLayout) wantsData() bool { return false }

func (l *holeLayout) add(_ []byte, size uint64) (uint64, error) {
	offset := l.pos
	l.pos += size
	return offset, nil
}

func (l *holeLayout) shift() error {
	l.pos++
	return nil
}

func (l *holeLayout) finish() ([]byte, error) {
	f, ok := l.w.(*os.File)
	if !ok {
		return nil, fmt.Errorf("hole files need a file destination: %w", ErrNotSupported)
	}
	return nil, f.Truncate(int64(l.pos))
}

type fdReader struct {
	data *fdData
	f    *os.File
	lock *lock.ReadLock
}

func (r *fdReader) Data() Data { return r.data }

func (r *fdReader) Read(b types.Blob) ([]byte, error) {
	buf := make([]byte, b.Size)
	n, err := r.f.ReadAt(buf, int64(b.Offset))
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return nil, fmt.Errorf("cannot read %d bytes at offset %d of %s: %w", b.Size, b.Offset, r.data.seg.AbsPath, err)
	}
	adviseDontNeed(r.f, int64(b.Offset), int64(b.Size))
	return buf, nil
}

func (r *fdReader) Stream(b types.Blob, w io.Writer) (int64, error) {
	return streamRange(r.f, int64(b.Offset), int64(b.Size), w)
}

func (r *fdReader) ScanData(visit func(*types.Record) bool) (bool, error) {
	s, err := scan.ForFormat(r.data.seg.Format)
	if err != nil {
		return false, err
	}
	buf, unmap, err := mapFile(r.f)
	if err != nil {
		return false, fmt.Errorf("cannot map %s: %w", r.data.seg.AbsPath, err)
	}
	defer unmap()

	seg := r.data.seg
	return scan.Buffer(s, buf, 0, func(offset, size uint64, rt time.Time) bool {
		return visit(&types.Record{Source: seg.Blob(offset, size).WithReader(r), RefTime: rt})
	})
}

func (r *fdReader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

type pendingAppend struct {
	rec  *types.Record
	blob types.Blob
}

// fdWriter appends in place. The file is opened on the first append and
// truncated back to its initial size on rollback.
type fdWriter struct {
	data *fdData
	cfg  WriterConfig

	f            *os.File
	existed      bool
	initialSize  uint64
	initialMtime time.Time
	current      uint64
	pending      []pendingAppend
}

func newFdWriter(d *fdData, cfg WriterConfig) (*fdWriter, error) {
	w := &fdWriter{data: d, cfg: cfg}
	if err := w.stat(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *fdWriter) stat() error {
	st, err := os.Stat(w.data.seg.AbsPath)
	switch {
	case os.IsNotExist(err):
		w.existed = false
		w.initialSize = 0
	case err != nil:
		return fmt.Errorf("cannot stat %s: %w", w.data.seg.AbsPath, err)
	default:
		w.existed = true
		w.initialSize = uint64(st.Size())
		w.initialMtime = st.ModTime()
	}
	w.current = w.initialSize
	return nil
}

func (w *fdWriter) open() error {
	if w.f != nil {
		return nil
	}
	if err := w.stat(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(w.data.seg.AbsPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory for %s: %w", w.data.seg.AbsPath, err)
	}
	f, err := os.OpenFile(w.data.seg.AbsPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open %s for appending: %w", w.data.seg.AbsPath, err)
	}
	w.f = f
	return nil
}

func (w *fdWriter) NextOffset() uint64 { return w.current }

func (w *fdWriter) Append(rec *types.Record) (types.Blob, error) {
	if err := w.open(); err != nil {
		return types.Blob{}, err
	}
	pad := w.data.padding()
	size := rec.DataSize()
	end := w.current + size + uint64(len(pad))

	if w.data.opts.MockData && w.data.kind == KindConcat {
		if err := w.f.Truncate(int64(end)); err != nil {
			return types.Blob{}, fmt.Errorf("cannot extend %s: %w", w.data.seg.AbsPath, err)
		}
	} else {
		buf, err := rec.GetData()
		if err != nil {
			return types.Blob{}, err
		}
		if _, err := w.f.WriteAt(buf, int64(w.current)); err != nil {
			return types.Blob{}, fmt.Errorf("cannot write %d bytes at offset %d of %s: %w", len(buf), w.current, w.data.seg.AbsPath, err)
		}
		if len(pad) > 0 {
			if _, err := w.f.WriteAt(pad, int64(w.current+size)); err != nil {
				return types.Blob{}, fmt.Errorf("cannot write padding to %s: %w", w.data.seg.AbsPath, err)
			}
		}
	}

	blob := w.data.seg.Blob(w.current, size)
	w.pending = append(w.pending, pendingAppend{rec: rec, blob: blob})
	w.current = end
	return blob, nil
}

func (w *fdWriter) Commit() error {
	if len(w.pending) == 0 {
		return nil
	}
	if !w.data.opts.Eatmydata {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("cannot sync %s: %w", w.data.seg.AbsPath, err)
		}
	}
	var bytes uint64
	for _, p := range w.pending {
		p.rec.Source = p.blob
		if w.cfg.DropCachedData {
			p.rec.Data = nil
		}
		bytes += p.blob.Size + uint64(w.data.kind.Padding())
	}
	metrics.ObserveAppend(len(w.pending), bytes)
	w.pending = nil
	return w.stat()
}

func (w *fdWriter) Rollback() error {
	if w.f == nil {
		return nil
	}
	// A failed append may have created the file or written part of a
	// record without adding anything to pending.
	if len(w.pending) > 0 {
		metrics.AppendRollbacks.Inc()
	}
	w.pending = nil
	w.current = w.initialSize

	path := w.data.seg.AbsPath
	err := w.f.Truncate(int64(w.initialSize))
	err = errors.Join(err, w.f.Close())
	w.f = nil
	if err != nil {
		return fmt.Errorf("cannot roll back %s: %w", path, err)
	}
	if !w.existed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot remove %s: %w", path, err)
		}
		return nil
	}
	return os.Chtimes(path, time.Time{}, w.initialMtime)
}

func (w *fdWriter) Close() error {
	err := w.Rollback()
	if w.f != nil {
		err = errors.Join(err, w.f.Close())
		w.f = nil
	}
	return err
}

type fdChecker struct {
	data *fdData
}

func (c *fdChecker) Data() Data { return c.data }

func (c *fdChecker) Check(report func(string), mds types.Collection, quick bool) types.State {
	seg := c.data.seg
	if !c.data.Exists() {
		if len(mds) == 0 {
			return types.SegmentOK
		}
		report(fmt.Sprintf("%s: segment data is missing", seg.RelPath))
		return types.SegmentMissing
	}

	check := &spanCheck{
		relpath: seg.RelPath,
		report:  report,
		mds:     mds,
		quick:   quick || (c.data.opts.MockData && c.data.kind == KindConcat),
		end:     uint64(c.data.Size()),
		padding: uint64(c.data.kind.Padding()),
	}
	if !check.quick {
		m, err := mmap.Open(seg.AbsPath)
		if err != nil {
			report(fmt.Sprintf("cannot open %s for validation: %v", seg.AbsPath, err))
			return types.SegmentCorrupted
		}
		defer m.Close()
		s, err := scan.ForFormat(seg.Format)
		if err != nil {
			report(err.Error())
			return types.SegmentCorrupted
		}
		check.validate = func(b types.Blob) error {
			buf := make([]byte, b.Size)
			if _, err := m.ReadAt(buf, int64(b.Offset)); err != nil && err != io.EOF {
				return err
			}
			return s.Validate(buf)
		}
	}
	return check.run()
}

func (c *fdChecker) Remove() (int64, error) {
	return util.RemoveIfExists(c.data.seg.AbsPath)
}

func (c *fdChecker) Rescan(visit func(*types.Record) bool) (bool, error) {
	r, err := c.data.Reader(nil)
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.ScanData(visit)
}

func (c *fdChecker) Repack(mds types.Collection, cfg types.RepackConfig) (*Pending, error) {
	return repackWith(c.data, mds, func() (*Pending, error) {
		return writeFiles(c.data.seg, mds, cfg, c.data.seg.AbsPath, "", c.data.newLayout, !c.data.opts.Eatmydata)
	})
}

func (c *fdChecker) Tar(mds types.Collection) (Checker, error) {
	return convert(c.data, c, mds, KindTar, types.RepackConfig{}, c.data.opts)
}

func (c *fdChecker) Zip(mds types.Collection) (Checker, error) {
	return convert(c.data, c, mds, KindZip, types.RepackConfig{}, c.data.opts)
}

func (c *fdChecker) Compress(mds types.Collection, groupSize uint) (Checker, error) {
	kind, _ := gzKind(c.data.seg.Format)
	return convert(c.data, c, mds, kind, types.RepackConfig{GzGroupSize: groupSize}, c.data.opts)
}

func (c *fdChecker) filler() byte {
	if c.data.kind.Padding() == 1 {
		return '\n'
	}
	return 0
}

func (c *fdChecker) TestTruncate(offset uint64) error {
	path := c.data.seg.AbsPath
	if !util.Exists(path) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return err
		}
	}
	return util.PreserveTimes(path, func() error {
		return os.Truncate(path, int64(offset))
	})
}

// TestMakeHole moves the records from dataIdx onwards holeSize bytes
// forward, leaving filler behind.
func (c *fdChecker) TestMakeHole(mds types.Collection, holeSize uint64, dataIdx int) error {
	path := c.data.seg.AbsPath
	return util.PreserveTimes(path, func() error {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return err
		}
		end := uint64(st.Size())
		if dataIdx >= len(mds) {
			return f.Truncate(int64(end + holeSize))
		}

		start := mds[dataIdx].Source.Offset
		tail := make([]byte, end-start)
		if _, err := f.ReadAt(tail, int64(start)); err != nil && err != io.EOF {
			return err
		}
		if _, err := f.WriteAt(tail, int64(start+holeSize)); err != nil {
			return err
		}
		if _, err := f.WriteAt(filledBytes(int(holeSize), c.filler()), int64(start)); err != nil {
			return err
		}
		for _, md := range mds[dataIdx:] {
			md.Source.Offset += holeSize
		}
		return nil
	})
}

// TestMakeOverlap moves the records from dataIdx onwards overlapSize bytes
// backwards, over the end of the previous record.
func (c *fdChecker) TestMakeOverlap(mds types.Collection, overlapSize uint64, dataIdx int) error {
	path := c.data.seg.AbsPath
	return util.PreserveTimes(path, func() error {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return err
		}
		end := uint64(st.Size())
		start := mds[dataIdx].Source.Offset
		tail := make([]byte, end-start)
		if _, err := f.ReadAt(tail, int64(start)); err != nil && err != io.EOF {
			return err
		}
		if _, err := f.WriteAt(tail, int64(start-overlapSize)); err != nil {
			return err
		}
		if err := f.Truncate(int64(end - overlapSize)); err != nil {
			return err
		}
		for _, md := range mds[dataIdx:] {
			md.Source.Offset -= overlapSize
		}
		return nil
	})
}

func (c *fdChecker) TestCorrupt(mds types.Collection, dataIdx int) error {
	path := c.data.seg.AbsPath
	return util.PreserveTimes(path, func() error {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		_, err = f.WriteAt([]byte{0}, int64(mds[dataIdx].Source.Offset))
		return errors.Join(err, f.Close())
	})
}

func (c *fdChecker) TestTouchContents(ts time.Time) error {
	return util.TouchIfExists(c.data.seg.AbsPath, ts)
}

func filledBytes(n int, b byte) []byte {
	buf := make([]byte, n)
	if b != 0 {
		for i := range buf {
			buf[i] = b
		}
	}
	return buf
}
