package segment

import (
	"errors"
	"time"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/types"
)

// scanIndex keeps nothing on disk: listings come from decoding the data.
type scanIndex struct {
	src func() data.Data
}

func (x *scanIndex) kind() IndexKind { return IndexScan }
func (x *scanIndex) cached() bool    { return false }

func (x *scanIndex) timestamp() (time.Time, bool) {
	return x.src().Timestamp()
}

func (x *scanIndex) summaryTimestamp() (time.Time, bool, bool) {
	return time.Time{}, false, false
}

func (x *scanIndex) list(iv *types.Interval) (types.Collection, error) {
	d := x.src()
	if !d.Exists() {
		return nil, nil
	}
	r, err := d.Reader(nil)
	if err != nil {
		return nil, err
	}
	var mds types.Collection
	_, err = r.ScanData(func(md *types.Record) bool {
		if iv == nil || iv.ContainsTime(md.RefTime) {
			md.Source = md.Source.Unlocked()
			md.Data = nil
			mds = append(mds, md)
		}
		return true
	})
	if err != nil {
		return nil, errors.Join(err, r.Close())
	}
	return mds, r.Close()
}

func (x *scanIndex) summary(iv *types.Interval) (types.Summary, error) {
	mds, err := x.list(iv)
	if err != nil {
		return types.Summary{}, err
	}
	return mds.Summary(), nil
}

func (x *scanIndex) writeListing(types.Collection) error { return nil }
func (x *scanIndex) rewrite(types.Collection) error      { return nil }
func (x *scanIndex) reindex(types.Collection) error      { return nil }
func (x *scanIndex) add(types.Collection) error          { return nil }
func (x *scanIndex) markAllRemoved() error               { return nil }
func (x *scanIndex) invalidate() error                   { return nil }
func (x *scanIndex) remove() (int64, error)              { return 0, nil }
func (x *scanIndex) touch(time.Time) error               { return nil }

// markRemoved cannot forget records without rewriting the data; the fixer
// reorders the data instead.
func (x *scanIndex) markRemoved([]uint64) (types.Collection, error) {
	return nil, data.ErrNotSupported
}
