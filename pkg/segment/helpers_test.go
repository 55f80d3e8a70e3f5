package segment_test

import (
	"testing"
	"time"

	"github.com/downfa11-org/segstore/pkg/scan/scantest"
	"github.com/downfa11-org/segstore/pkg/segment"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/stretchr/testify/require"
)

const relpath = "2007/07-08.grib"

var baseTime = time.Date(2007, 7, 8, 13, 0, 0, 0, time.UTC)

var indexKinds = []segment.IndexKind{segment.IndexScan, segment.IndexMetadata, segment.IndexIseg}

func newSession(t *testing.T, opts segment.Options) *segment.Session {
	t.Helper()
	s, err := segment.NewSession(t.TempDir(), opts)
	require.NoError(t, err)
	return s
}

// gribRecords builds n GRIB records one hour apart, with growing sizes.
func gribRecords(n int) types.Collection {
	mds := make(types.Collection, 0, n)
	for i := 0; i < n; i++ {
		rt := baseTime.Add(time.Duration(i) * time.Hour)
		mds = append(mds, &types.Record{RefTime: rt, Data: scantest.GRIB1(rt, 10+i)})
	}
	return mds
}

// createSegment stores mds in a new segment indexed as kind, and returns
// a checker on it.
func createSegment(t *testing.T, s *segment.Session, kind segment.IndexKind, mds types.Collection) segment.Checker {
	t.Helper()
	seg, err := s.Segment(relpath)
	require.NoError(t, err)

	var c segment.Checker
	switch kind {
	case segment.IndexScan:
		c, err = s.CreateScan(seg, mds, types.DefaultRepackConfig())
	case segment.IndexMetadata:
		c, err = s.CreateMetadata(seg, mds, types.DefaultRepackConfig())
	case segment.IndexIseg:
		c, err = s.CreateIseg(seg, mds, types.DefaultRepackConfig())
	}
	require.NoError(t, err)
	require.NoError(t, c.Close())
	return openChecker(t, s)
}

func openChecker(t *testing.T, s *segment.Session) segment.Checker {
	t.Helper()
	c, err := s.Checker(relpath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func fsck(t *testing.T, c segment.Checker, quick bool) types.State {
	t.Helper()
	rep := &segment.MemoryReporter{}
	res := c.Fsck(rep, quick)
	for _, e := range rep.Entries() {
		t.Logf("%s: %s: %s", e.RelPath, e.Category, e.Message)
	}
	return res.State
}

// fix runs fn on a fixer of c.
func fix(t *testing.T, c segment.Checker, fn func(f segment.Fixer)) {
	t.Helper()
	f, err := c.Fixer()
	require.NoError(t, err)
	fn(f)
	require.NoError(t, f.Close())
}
