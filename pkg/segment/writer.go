package segment

import (
	"errors"
	"fmt"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
)

type writer struct {
	seg  *types.Segment
	lock *lock.AppendLock
	data data.Data
	idx  index
}

func (w *writer) Segment() *types.Segment { return w.seg }

// Acquire appends the batch in one data transaction. If any record fails,
// the transaction is rolled back and every entry is marked failed; the
// error return is kept for failures after the data was committed.
func (w *writer) Acquire(batch []*Inbound, cfg data.WriterConfig) (AcquireResult, error) {
	var res AcquireResult
	if len(batch) == 0 {
		return res, nil
	}

	dw, err := w.data.Writer(cfg)
	if err != nil {
		return res, fmt.Errorf("%s: cannot append: %w", w.seg.RelPath, err)
	}
	defer dw.Close()

	fail := func(err error) (AcquireResult, error) {
		if rerr := dw.Rollback(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		util.Warn("%s: batch of %d records not stored: %v", w.seg.RelPath, len(batch), err)
		for _, in := range batch {
			in.Result = InboundError
			in.Message = fmt.Sprintf("failed to store in %s: %v", w.seg.RelPath, err)
		}
		res.CountFailed = len(batch)
		return res, nil
	}

	mds := make(types.Collection, 0, len(batch))
	for _, in := range batch {
		if _, err := dw.Append(in.Record); err != nil {
			return fail(err)
		}
		mds = append(mds, in.Record)
	}
	if err := dw.Commit(); err != nil {
		return fail(err)
	}
	for _, in := range batch {
		in.Result = InboundOK
		in.Message = ""
	}
	res.CountOK = len(batch)

	if err := w.idx.add(mds); err != nil {
		return res, fmt.Errorf("%s: data stored but index not updated: %w", w.seg.RelPath, err)
	}
	ts, _ := w.data.Timestamp()
	if err := w.idx.touch(ts); err != nil {
		return res, err
	}
	res.SegmentMtime = ts

	sum, err := w.idx.summary(nil)
	if err != nil {
		return res, err
	}
	res.DataSpan, res.HasSpan = sum.Span()
	return res, nil
}

func (w *writer) Close() error { return nil }
