package segment

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
	"gopkg.in/yaml.v3"
)

// metadataLine is one record of a .metadata sidecar, stored as JSON lines.
type metadataLine struct {
	Offset  uint64    `json:"offset"`
	Size    uint64    `json:"size"`
	RefTime time.Time `json:"reftime,omitzero"`
	Notes   []string  `json:"notes,omitempty"`
}

// metadataIndex keeps the listing in <segment>.metadata and its aggregate
// in <segment>.summary. Both are replaced atomically; the summary is kept
// no older than the listing.
type metadataIndex struct {
	seg *types.Segment
}

func (x *metadataIndex) kind() IndexKind { return IndexMetadata }
func (x *metadataIndex) cached() bool    { return true }

func (x *metadataIndex) path() string        { return x.seg.Path(types.SuffixMetadata) }
func (x *metadataIndex) summaryPath() string { return x.seg.Path(types.SuffixSummary) }

func (x *metadataIndex) timestamp() (time.Time, bool) {
	return util.Mtime(x.path())
}

func (x *metadataIndex) summaryTimestamp() (time.Time, bool, bool) {
	ts, ok := util.Mtime(x.summaryPath())
	return ts, ok, true
}

func (x *metadataIndex) load() (types.Collection, error) {
	f, err := os.Open(x.path())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", x.path(), err)
	}
	defer f.Close()

	var mds types.Collection
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row metadataLine
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to parse %s line %d: %w", x.path(), lineNum, err)
		}
		mds = append(mds, &types.Record{
			Source:  x.seg.Blob(row.Offset, row.Size),
			RefTime: row.RefTime,
			Notes:   row.Notes,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", x.path(), err)
	}
	return mds, nil
}

func (x *metadataIndex) list(iv *types.Interval) (types.Collection, error) {
	mds, err := x.load()
	if err != nil {
		return nil, err
	}
	return filterListing(mds, iv), nil
}

// summary uses the .summary sidecar for whole-segment queries when it is
// up to date, and the listing otherwise.
func (x *metadataIndex) summary(iv *types.Interval) (types.Summary, error) {
	if iv == nil {
		if s, ok := x.readSummary(); ok {
			return s, nil
		}
	}
	mds, err := x.list(iv)
	if err != nil {
		return types.Summary{}, err
	}
	return mds.Summary(), nil
}

func (x *metadataIndex) readSummary() (types.Summary, bool) {
	mdTs, ok := x.timestamp()
	if !ok {
		return types.Summary{}, false
	}
	sumTs, ok := util.Mtime(x.summaryPath())
	if !ok || sumTs.Before(mdTs) {
		return types.Summary{}, false
	}
	raw, err := os.ReadFile(x.summaryPath())
	if err != nil {
		return types.Summary{}, false
	}
	var s types.Summary
	if err := yaml.Unmarshal(raw, &s); err != nil {
		util.Warn("%s: ignoring unreadable summary: %v", x.seg.RelPath, err)
		return types.Summary{}, false
	}
	return s, true
}

func (x *metadataIndex) writeListing(mds types.Collection) error {
	return util.WriteFileAtomic(x.path(), func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for _, md := range mds {
			row := metadataLine{
				Offset:  md.Source.Offset,
				Size:    md.Source.Size,
				RefTime: md.RefTime.UTC(),
				Notes:   md.Notes,
			}
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("failed to marshal record %s: %w", md.Source, err)
			}
			if _, err := bw.Write(append(data, '\n')); err != nil {
				return fmt.Errorf("failed to write %s: %w", x.path(), err)
			}
		}
		return bw.Flush()
	})
}

func (x *metadataIndex) writeSummary(s types.Summary) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return util.WriteFileAtomic(x.summaryPath(), func(w io.Writer) error {
		_, err := w.Write(raw)
		return err
	})
}

func (x *metadataIndex) rewrite(mds types.Collection) error {
	return util.PreserveTimes(x.path(), func() error { return x.writeListing(mds) })
}

func (x *metadataIndex) reindex(mds types.Collection) error {
	if err := x.writeListing(mds); err != nil {
		return err
	}
	if err := x.writeSummary(mds.Summary()); err != nil {
		return err
	}
	// The summary must never look older than the listing.
	if ts, ok := x.timestamp(); ok {
		return util.Touch(x.summaryPath(), ts)
	}
	return nil
}

func (x *metadataIndex) add(mds types.Collection) error {
	var all types.Collection
	if util.Exists(x.path()) {
		existing, err := x.load()
		if err != nil {
			return err
		}
		all = existing
	}
	return x.reindex(append(all, mds...))
}

func (x *metadataIndex) markRemoved(offsets []uint64) (types.Collection, error) {
	mds, err := x.load()
	if err != nil {
		return nil, err
	}
	remaining := mds.Without(offsets)
	if len(remaining) == 0 {
		if err := x.writeListing(nil); err != nil {
			return nil, err
		}
		_, err := util.RemoveIfExists(x.summaryPath())
		return remaining, err
	}
	return remaining, x.reindex(remaining)
}

func (x *metadataIndex) markAllRemoved() error {
	if err := x.rewrite(nil); err != nil {
		return err
	}
	_, err := util.RemoveIfExists(x.summaryPath())
	return err
}

func (x *metadataIndex) invalidate() error {
	_, err := util.RemoveIfExists(x.path())
	return err
}

func (x *metadataIndex) remove() (int64, error) {
	n1, err1 := util.RemoveIfExists(x.path())
	n2, err2 := util.RemoveIfExists(x.summaryPath())
	return n1 + n2, errors.Join(err1, err2)
}

func (x *metadataIndex) touch(ts time.Time) error {
	return errors.Join(util.TouchIfExists(x.path(), ts), util.TouchIfExists(x.summaryPath(), ts))
}
