package segment

import (
	"fmt"
	"io"

	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/types"
)

// reader answers queries from the segment index and reads record bytes
// through the pooled data reader. With no data on disk it behaves as an
// empty segment.
type reader struct {
	seg    *types.Segment
	lock   *lock.ReadLock
	idx    index
	shared *sharedData
}

func (r *reader) Segment() *types.Segment { return r.seg }

func (r *reader) Read(b types.Blob) ([]byte, error) {
	if r.shared == nil {
		return nil, fmt.Errorf("%s: %w", b, ErrDataMissing)
	}
	return r.shared.Read(b)
}

func (r *reader) Stream(b types.Blob, w io.Writer) (int64, error) {
	if r.shared == nil {
		return 0, fmt.Errorf("%s: %w", b, ErrDataMissing)
	}
	return r.shared.Stream(b, w)
}

func (r *reader) ReadAll(visit func(*types.Record) bool) (bool, error) {
	return r.Query(Query{WithData: true}, visit)
}

func (r *reader) list(q Query) (types.Collection, error) {
	if _, scanning := r.idx.(*scanIndex); !scanning || r.shared == nil {
		return r.idx.list(q.Interval)
	}
	var mds types.Collection
	_, err := r.shared.ScanData(func(md *types.Record) bool {
		if q.matches(md) {
			mds = append(mds, md)
		}
		return true
	})
	return mds, err
}

func (r *reader) Query(q Query, visit func(*types.Record) bool) (bool, error) {
	mds, err := r.list(q)
	if err != nil {
		return false, fmt.Errorf("cannot query %s: %w", r.seg.RelPath, err)
	}
	if q.Sort {
		mds.SortSegment()
	}
	for _, md := range mds {
		if q.WithData && r.shared != nil {
			md.Source = md.Source.WithReader(r)
		} else {
			md.Source = md.Source.Unlocked()
		}
		if !visit(md) {
			return false, nil
		}
	}
	return true, nil
}

func (r *reader) QuerySummary(iv *types.Interval) (types.Summary, error) {
	return r.idx.summary(iv)
}

func (r *reader) Close() error {
	r.shared = nil
	return nil
}
