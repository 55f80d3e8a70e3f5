package segment

import (
	"errors"
	"fmt"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/metrics"
	"github.com/downfa11-org/segstore/pkg/types"
)

type checker struct {
	session  *Session
	seg      *types.Segment
	data     data.Data
	idx      index
	lock     *lock.CheckLock
	ownsLock bool

	// rdr backs the sources of listings returned by Scan. It is dropped
	// whenever the data is rewritten.
	rdr data.Reader
}

func (c *checker) Segment() *types.Segment { return c.seg }
func (c *checker) Data() data.Data         { return c.data }
func (c *checker) IndexKind() IndexKind    { return c.idx.kind() }

func (c *checker) dataReader() (data.Reader, error) {
	if c.rdr == nil {
		r, err := c.data.Reader(nil)
		if err != nil {
			return nil, err
		}
		c.rdr = r
	}
	return c.rdr, nil
}

func (c *checker) closeReader() error {
	if c.rdr == nil {
		return nil
	}
	err := c.rdr.Close()
	c.rdr = nil
	return err
}

func (c *checker) Scan() (types.Collection, error) {
	mds, err := c.idx.list(nil)
	if err != nil {
		return nil, fmt.Errorf("cannot list %s: %w", c.seg.RelPath, err)
	}
	if !c.data.Exists() {
		return mds, nil
	}
	r, err := c.dataReader()
	if err != nil {
		return nil, err
	}
	for _, md := range mds {
		md.Source = md.Source.WithReader(r)
	}
	return mds, nil
}

func (c *checker) ScanData(visit func(*types.Record) bool) (bool, error) {
	if !c.data.Exists() {
		return false, fmt.Errorf("%s: %w", c.seg.RelPath, ErrDataMissing)
	}
	r, err := c.dataReader()
	if err != nil {
		return false, err
	}
	return r.ScanData(visit)
}

func (c *checker) probe(quick bool) probes {
	var p probes
	p.dataMtime, p.dataExists = c.data.Timestamp()
	if !p.dataExists {
		return p
	}
	p.dataEmpty = c.data.IsEmpty()
	p.cached = c.idx.cached()
	p.indexMtime, p.indexExists = c.idx.timestamp()
	if !p.cached || (p.indexExists && !p.indexMtime.Before(p.dataMtime)) {
		p.listing, p.listErr = c.idx.list(nil)
	}
	p.summaryMtime, p.summaryExists, p.keepsSummary = c.idx.summaryTimestamp()

	if step := c.session.opts.Step; step != "" {
		p.checkPath = true
		p.pathSpan, p.hasPathSpan = step.PathSpan(c.seg.RelPath)
	}

	p.backend = func(report func(string), mds types.Collection) types.State {
		dc, err := c.data.Checker()
		if err != nil {
			report(fmt.Sprintf("cannot check %s data: %v", c.data.Type(), err))
			return types.SegmentCorrupted
		}
		return dc.Check(report, mds, quick)
	}
	return p
}

// Fsck checks the segment and reports every finding to rep.
func (c *checker) Fsck(rep Reporter, quick bool) FsckResult {
	p := c.probe(quick)
	v := classify(p)
	for _, msg := range v.messages {
		info(rep, c.seg, msg)
	}

	res := FsckResult{
		State:       v.state,
		Mtime:       p.dataMtime,
		Interval:    v.span,
		HasInterval: v.hasSpan,
	}
	if p.dataExists {
		res.Size = c.data.Size()
	}
	if !res.State.Has(types.SegmentMissing) && res.HasInterval {
		opts := c.session.opts
		age, msg := CheckAge(res.Interval, opts.Now(), opts.ArchiveAge, opts.DeleteAge)
		if age != types.SegmentOK {
			info(rep, c.seg, msg)
			res.State = res.State.Union(age)
		}
	}
	metrics.ObserveFsck(res.State.String())
	return res
}

func (c *checker) Fixer() (Fixer, error) {
	f := &fixer{c: c}
	if c.lock != nil {
		w, err := c.lock.WriteLock()
		if err != nil {
			return nil, fmt.Errorf("%s: cannot get exclusive access: %w", c.seg.RelPath, err)
		}
		f.wlock = w
	}
	return f, nil
}

func (c *checker) Close() error {
	err := c.closeReader()
	if c.ownsLock && c.lock != nil {
		err = errors.Join(err, c.lock.Close())
		c.lock = nil
	}
	return err
}
