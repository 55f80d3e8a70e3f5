package data_test

import (
	"testing"
	"time"

	"github.com/downfa11-org/segstore/pkg/scan/scantest"
	"github.com/downfa11-org/segstore/pkg/types"
)

var baseTime = time.Date(2007, 7, 8, 13, 0, 0, 0, time.UTC)

func newSegment(t *testing.T, relpath string) *types.Segment {
	t.Helper()
	seg, err := types.NewSegment(t.TempDir(), relpath)
	if err != nil {
		t.Fatalf("failed to build segment: %v", err)
	}
	return seg
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

func vm2Records(n int) types.Collection {
	mds := make(types.Collection, 0, n)
	for i := 0; i < n; i++ {
		rt := baseTime.Add(time.Duration(i) * time.Minute)
		mds = append(mds, &types.Record{RefTime: rt, Data: scantest.VM2(rt, 1, 227+i, float64(i))})
	}
	return mds
}

func collectReports(t *testing.T) (func(string), *[]string) {
	var msgs []string
	return func(s string) {
		t.Log(s)
		msgs = append(msgs, s)
	}, &msgs
}
