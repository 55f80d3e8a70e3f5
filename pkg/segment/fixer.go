package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
)

type fixer struct {
	c     *checker
	wlock *lock.CheckWriteLock
}

func (f *fixer) Checker() Checker { return f.c }

func (f *fixer) dataChecker() (data.Checker, error) {
	if !f.c.data.Exists() {
		return nil, fmt.Errorf("%s: %w", f.c.seg.RelPath, ErrDataMissing)
	}
	return f.c.data.Checker()
}

func (f *fixer) mtime() time.Time {
	ts, _ := f.c.data.Timestamp()
	return ts
}

func refuseDuplicates(seg *types.Segment, mds types.Collection) error {
	if dups := mds.Duplicates(); len(dups) > 0 {
		return fmt.Errorf("%s: offsets %v are listed more than once: %w", seg.RelPath, dups, ErrAmbiguous)
	}
	return nil
}

func (f *fixer) MarkRemoved(offsets []uint64) (MarkRemovedResult, error) {
	var res MarkRemovedResult
	var remaining types.Collection
	if f.c.idx.cached() {
		var err error
		if remaining, err = f.c.idx.markRemoved(offsets); err != nil {
			return res, err
		}
	} else {
		// Without a listing the records can only be forgotten by dropping
		// them from the data.
		mds, err := f.c.Scan()
		if err != nil {
			return res, err
		}
		remaining = mds.Without(offsets)
		if _, err := f.Reorder(remaining, f.c.session.repackConfig()); err != nil {
			return res, err
		}
	}
	res.SegmentMtime = f.mtime()
	res.DataSpan, res.HasSpan = remaining.Span()
	return res, nil
}

func (f *fixer) Reorder(mds types.Collection, cfg types.RepackConfig) (ReorderResult, error) {
	var res ReorderResult
	if err := refuseDuplicates(f.c.seg, mds); err != nil {
		return res, err
	}
	dc, err := f.dataChecker()
	if err != nil {
		return res, err
	}
	res.SizePre = f.c.data.Size()

	p, err := dc.Repack(mds, cfg)
	if err != nil {
		return res, fmt.Errorf("%s: repack failed: %w", f.c.seg.RelPath, err)
	}
	if err := f.c.idx.invalidate(); err != nil {
		return res, errors.Join(err, p.Rollback())
	}
	if err := p.Commit(); err != nil {
		return res, fmt.Errorf("%s: cannot replace data with the repacked copy: %w", f.c.seg.RelPath, err)
	}
	if err := f.c.closeReader(); err != nil {
		util.Warn("%s: closing reader on old data: %v", f.c.seg.RelPath, err)
	}

	if err := f.c.idx.reindex(mds); err != nil {
		return res, err
	}
	res.SegmentMtime = f.mtime()
	if err := f.c.idx.touch(res.SegmentMtime); err != nil {
		return res, err
	}
	res.SizePost = f.c.data.Size()
	return res, nil
}

// convert rebuilds the data into another container. A target already on
// disk means an earlier conversion got that far, and nothing is redone.
func (f *fixer) convert(suffix string, do func(dc data.Checker, mds types.Collection) (data.Checker, error)) (ConvertResult, error) {
	var res ConvertResult
	if util.Exists(f.c.seg.Path(suffix)) {
		ts, ok := f.c.data.Timestamp()
		if !ok {
			return res, fmt.Errorf("%s%s already exists but cannot be accessed", f.c.seg.RelPath, suffix)
		}
		res.SegmentMtime = ts
		return res, nil
	}

	dc, err := f.dataChecker()
	if err != nil {
		return res, err
	}
	res.SizePre = f.c.data.Size()

	mds, err := f.c.Scan()
	if err != nil {
		return res, err
	}
	mds.SortSegment()
	if err := f.c.idx.invalidate(); err != nil {
		return res, err
	}
	nc, err := do(dc, mds)
	if err != nil {
		return res, err
	}
	if err := f.c.closeReader(); err != nil {
		util.Warn("%s: closing reader on old data: %v", f.c.seg.RelPath, err)
	}
	f.c.data = nc.Data()

	if err := f.c.idx.writeListing(mds); err != nil {
		return res, err
	}
	res.SegmentMtime = f.mtime()
	if err := f.c.idx.touch(res.SegmentMtime); err != nil {
		return res, err
	}
	res.SizePost = f.c.data.Size()
	return res, nil
}

func (f *fixer) Tar() (ConvertResult, error) {
	return f.convert(types.SuffixTar, func(dc data.Checker, mds types.Collection) (data.Checker, error) {
		return dc.Tar(mds)
	})
}

func (f *fixer) Zip() (ConvertResult, error) {
	return f.convert(types.SuffixZip, func(dc data.Checker, mds types.Collection) (data.Checker, error) {
		return dc.Zip(mds)
	})
}

func (f *fixer) Compress(groupSize uint) (ConvertResult, error) {
	return f.convert(types.SuffixGz, func(dc data.Checker, mds types.Collection) (data.Checker, error) {
		return dc.Compress(mds, groupSize)
	})
}

func (f *fixer) Remove(withData bool) (int64, error) {
	n, err := f.c.idx.remove()
	if err != nil || !withData {
		return n, err
	}
	m, err := f.RemoveData()
	return n + m, err
}

func (f *fixer) RemoveData() (int64, error) {
	if !f.c.data.Exists() {
		return 0, nil
	}
	dc, err := f.c.data.Checker()
	if err != nil {
		return 0, err
	}
	if err := f.c.closeReader(); err != nil {
		util.Warn("%s: closing reader on removed data: %v", f.c.seg.RelPath, err)
	}
	return dc.Remove()
}

func (f *fixer) Reindex(mds types.Collection) error {
	if err := refuseDuplicates(f.c.seg, mds); err != nil {
		return err
	}
	return f.c.idx.reindex(mds)
}

func (f *fixer) TestTruncateData(dataIdx int) error {
	mds, err := f.c.Scan()
	if err != nil {
		return err
	}
	if dataIdx < 0 || dataIdx >= len(mds) {
		return fmt.Errorf("%s: no record %d to truncate at", f.c.seg.RelPath, dataIdx)
	}
	dc, err := f.dataChecker()
	if err != nil {
		return err
	}
	return dc.TestTruncate(mds[dataIdx].Source.Offset)
}

// inject runs a fault injector that moves records around, then records
// their new positions in the index without changing its timestamps.
func (f *fixer) inject(do func(dc data.Checker, mds types.Collection) error) error {
	mds, err := f.c.Scan()
	if err != nil {
		return err
	}
	dc, err := f.dataChecker()
	if err != nil {
		return err
	}
	if err := do(dc, mds); err != nil {
		return err
	}
	if err := f.c.closeReader(); err != nil {
		return err
	}
	return f.c.idx.rewrite(mds)
}

func (f *fixer) TestMakeHole(holeSize uint64, dataIdx int) error {
	return f.inject(func(dc data.Checker, mds types.Collection) error {
		return dc.TestMakeHole(mds, holeSize, dataIdx)
	})
}

func (f *fixer) TestMakeOverlap(overlapSize uint64, dataIdx int) error {
	return f.inject(func(dc data.Checker, mds types.Collection) error {
		return dc.TestMakeOverlap(mds, overlapSize, dataIdx)
	})
}

func (f *fixer) TestCorruptData(dataIdx int) error {
	mds, err := f.c.Scan()
	if err != nil {
		return err
	}
	dc, err := f.dataChecker()
	if err != nil {
		return err
	}
	return dc.TestCorrupt(mds, dataIdx)
}

func (f *fixer) TestTouchContents(ts time.Time) error {
	if f.c.data.Exists() {
		dc, err := f.c.data.Checker()
		if err != nil {
			return err
		}
		if err := dc.TestTouchContents(ts); err != nil {
			return err
		}
	}
	return f.c.idx.touch(ts)
}

// TestMarkAllRemoved empties the listing. Segments without one lose their
// data instead.
func (f *fixer) TestMarkAllRemoved() error {
	if f.c.idx.cached() {
		return f.c.idx.markAllRemoved()
	}
	dc, err := f.dataChecker()
	if err != nil {
		return err
	}
	if err := f.c.closeReader(); err != nil {
		return err
	}
	return dc.TestTruncate(0)
}

func (f *fixer) Close() error {
	if f.wlock == nil {
		return nil
	}
	err := f.wlock.Release()
	f.wlock = nil
	return err
}
