package segment

import (
	"errors"
	"fmt"

	"github.com/downfa11-org/segstore/pkg/metrics"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
	"github.com/google/uuid"
)

// MaintenanceOptions tunes Maintain.
type MaintenanceOptions struct {
	// Fix applies the repairs; otherwise they are only reported.
	Fix bool
	// Quick skips validating record contents.
	Quick  bool
	Repack types.RepackConfig
}

// Maintain checks one segment and, with opts.Fix, applies the repair its
// state calls for. Every repair leaves the segment in a state where running
// Maintain again is harmless. It returns the state found by the check;
// ErrAmbiguous stops the run and needs a human decision.
func Maintain(c Checker, rep Reporter, opts MaintenanceOptions) (types.State, error) {
	run := uuid.NewString()
	seg := c.Segment()
	util.Debug("[%s] checking %s", run, seg.RelPath)

	res := c.Fsck(rep, opts.Quick)
	state := res.State
	report := func(cat Category, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		if !opts.Fix {
			msg += " (not fixed)"
		}
		rep.Report(cat, seg, msg)
	}

	var err error
	switch {
	case state.Has(types.SegmentMissing):
		report(CategoryDeindex, "data is missing: removing its index")
		if opts.Fix {
			err = withFixer(c, func(f Fixer) error {
				_, err := f.Remove(false)
				return err
			})
		}
	case state.Has(types.SegmentDeleted), state.Has(types.SegmentDeleteAge):
		report(CategoryRemove, "removing segment")
		if opts.Fix {
			err = withFixer(c, func(f Fixer) error {
				freed, err := f.Remove(true)
				if err == nil {
					metrics.FreedBytes.Add(float64(freed))
					rep.Report(CategoryRemove, seg, fmt.Sprintf("%d bytes freed", freed))
				}
				return err
			})
		}
	case state.Has(types.SegmentCorrupted):
		rep.Report(CategoryManualIntervention, seg, "segment is corrupted and needs manual intervention")
	case state.Has(types.SegmentUnaligned):
		report(CategoryRescan, "rescanning data to rebuild the index")
		if opts.Fix {
			err = rescan(c)
		}
	case state.Has(types.SegmentDirty):
		report(CategoryRepack, "repacking data")
		if opts.Fix {
			err = withFixer(c, func(f Fixer) error {
				mds, err := c.Scan()
				if err != nil {
					return err
				}
				mds.SortSegment()
				r, err := f.Reorder(mds, opts.Repack)
				if err != nil {
					return err
				}
				if freed := r.SizePre - r.SizePost; freed > 0 {
					metrics.FreedBytes.Add(float64(freed))
					rep.Report(CategoryRepack, seg, fmt.Sprintf("%d bytes freed", freed))
				}
				return nil
			})
		}
	case state.Has(types.SegmentUnoptimized):
		report(CategoryRepack, "rebuilding the summary")
		if opts.Fix {
			err = withFixer(c, func(f Fixer) error {
				mds, err := c.Scan()
				if err != nil {
					return err
				}
				return f.Reindex(mds)
			})
		}
	case state.Has(types.SegmentArchiveAge):
		rep.Report(CategoryInfo, seg, "segment is old enough to be archived")
	}

	if err != nil {
		util.Error("[%s] %s: repair failed: %v", run, seg.RelPath, err)
	}
	return state, err
}

func withFixer(c Checker, fix func(Fixer) error) error {
	f, err := c.Fixer()
	if err != nil {
		return err
	}
	return errors.Join(fix(f), f.Close())
}

// rescan rebuilds the listing from the data, keeping the storage order:
// a segment left out of order is repacked on the next run.
func rescan(c Checker) error {
	var mds types.Collection
	if _, err := c.ScanData(func(md *types.Record) bool {
		mds = append(mds, md)
		return true
	}); err != nil {
		return fmt.Errorf("%s: rescan failed: %w", c.Segment().RelPath, err)
	}
	return withFixer(c, func(f Fixer) error { return f.Reindex(mds) })
}
