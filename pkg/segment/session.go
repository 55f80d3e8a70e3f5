package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
)

// Options configures a Session.
type Options struct {
	Data data.Options
	// DefaultIndex is used for segments that have neither data nor index.
	DefaultIndex IndexKind
	// Step, if set, makes checks verify that segment contents fit the
	// time bucket named by their path.
	Step Step

	LockPolicy lock.Policy
	// DatasetLock makes all segments share <root>/lock instead of using
	// one lock file per segment.
	DatasetLock bool

	ReaderPoolSize int
	// ArchiveAge and DeleteAge flag segments whose newest record is older;
	// zero disables the check.
	ArchiveAge time.Duration
	DeleteAge  time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session creates readers, writers and checkers for the segments under
// one root directory. It is safe for concurrent use.
type Session struct {
	root string
	opts Options
	pool *readerPool
}

func NewSession(root string, opts Options) (*Session, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve root %s: %w", root, err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockPolicy == nil {
		opts.LockPolicy = lock.NullPolicy{}
	}
	return &Session{root: abs, opts: opts, pool: newReaderPool(opts.ReaderPoolSize)}, nil
}

func (s *Session) Root() string     { return s.root }
func (s *Session) Options() Options { return s.opts }

// Segment names the segment at relpath under the session root.
func (s *Session) Segment(relpath string) (*types.Segment, error) {
	return types.NewSegment(s.root, types.StripSuffixes(relpath))
}

func (s *Session) lockPath(seg *types.Segment) (string, error) {
	path := filepath.Join(s.root, "lock")
	if !s.opts.DatasetLock {
		path = seg.Path(types.SuffixLock)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("cannot create directory for %s: %w", path, err)
	}
	return path, nil
}

func (s *Session) ReadLock(seg *types.Segment) (*lock.ReadLock, error) {
	path, err := s.lockPath(seg)
	if err != nil {
		return nil, err
	}
	return lock.NewReadLock(path, s.opts.LockPolicy)
}

func (s *Session) AppendLock(seg *types.Segment) (*lock.AppendLock, error) {
	path, err := s.lockPath(seg)
	if err != nil {
		return nil, err
	}
	return lock.NewAppendLock(path, s.opts.LockPolicy)
}

func (s *Session) CheckLock(seg *types.Segment) (*lock.CheckLock, error) {
	path, err := s.lockPath(seg)
	if err != nil {
		return nil, err
	}
	return lock.NewCheckLock(path, s.opts.LockPolicy)
}

// detectIndex finds the index strategy of an existing segment: a
// .metadata sidecar, then a .index catalog, then plain scanning if there
// is data. fallback is returned for segments with neither.
func (s *Session) detectIndex(seg *types.Segment, d data.Data, fallback IndexKind) IndexKind {
	switch {
	case util.Exists(seg.Path(types.SuffixMetadata)):
		return IndexMetadata
	case util.Exists(seg.Path(types.SuffixIndex)):
		return IndexIseg
	case d.Exists():
		return IndexScan
	}
	return fallback
}

// SegmentReader returns a reader for seg, valid while rlock is held.
// Readers of the same file share the open data through the session pool.
func (s *Session) SegmentReader(seg *types.Segment, rlock *lock.ReadLock) (Reader, error) {
	d, err := data.Detect(seg, s.opts.Data)
	if err != nil {
		return nil, err
	}
	r := &reader{seg: seg, lock: rlock}
	dataTs, exists := d.Timestamp()
	if !exists {
		util.Warn("%s: segment data is missing, reading it as empty", seg.RelPath)
		r.idx = &scanIndex{src: func() data.Data { return d }}
		return r, nil
	}

	kind := s.detectIndex(seg, d, IndexScan)
	if kind != IndexScan {
		idx, err := newIndex(kind, seg, nil)
		if err != nil {
			return nil, err
		}
		if ts, ok := idx.timestamp(); ok && !ts.Before(dataTs) {
			r.idx = idx
		} else {
			util.Warn("%s: %s index is older than the data, scanning the data instead", seg.RelPath, kind)
		}
	}

	shared, err := s.pool.get(d)
	if err != nil {
		return nil, err
	}
	r.shared = shared
	if r.idx == nil {
		r.idx = &scanIndex{src: func() data.Data { return d }}
	}
	return r, nil
}

// SegmentWriter returns a writer for seg, valid while alock is held. New
// segments get the default index kind.
func (s *Session) SegmentWriter(seg *types.Segment, alock *lock.AppendLock) (Writer, error) {
	d, err := data.Detect(seg, s.opts.Data)
	if err != nil {
		return nil, err
	}
	idx, err := newIndex(s.detectIndex(seg, d, s.opts.DefaultIndex), seg, func() data.Data { return d })
	if err != nil {
		return nil, err
	}
	return &writer{seg: seg, lock: alock, data: d, idx: idx}, nil
}

// SegmentChecker returns a checker for seg, valid while clock is held. A
// nil clock is for callers that already have exclusive access.
func (s *Session) SegmentChecker(seg *types.Segment, clock *lock.CheckLock) (Checker, error) {
	d, err := data.Detect(seg, s.opts.Data)
	if err != nil {
		return nil, err
	}
	c := &checker{session: s, seg: seg, data: d, lock: clock}
	idx, err := newIndex(s.detectIndex(seg, d, IndexScan), seg, func() data.Data { return c.data })
	if err != nil {
		return nil, err
	}
	c.idx = idx
	return c, nil
}

// Checker locks the segment at relpath for checking and returns a checker
// that releases the lock on Close.
func (s *Session) Checker(relpath string) (Checker, error) {
	seg, err := s.Segment(relpath)
	if err != nil {
		return nil, err
	}
	clock, err := s.CheckLock(seg)
	if err != nil {
		return nil, err
	}
	c, err := s.SegmentChecker(seg, clock)
	if err != nil {
		_ = clock.Close()
		return nil, err
	}
	c.(*checker).ownsLock = true
	return c, nil
}

// CreateScan creates a new segment holding mds, with no index.
func (s *Session) CreateScan(seg *types.Segment, mds types.Collection, cfg types.RepackConfig) (Checker, error) {
	return s.create(seg, mds, cfg, IndexScan)
}

// CreateMetadata creates a new segment holding mds, indexed by a
// .metadata sidecar.
func (s *Session) CreateMetadata(seg *types.Segment, mds types.Collection, cfg types.RepackConfig) (Checker, error) {
	return s.create(seg, mds, cfg, IndexMetadata)
}

// CreateIseg creates a new segment holding mds, indexed by a SQLite
// catalog.
func (s *Session) CreateIseg(seg *types.Segment, mds types.Collection, cfg types.RepackConfig) (Checker, error) {
	return s.create(seg, mds, cfg, IndexIseg)
}

func (s *Session) create(seg *types.Segment, mds types.Collection, cfg types.RepackConfig, kind IndexKind) (Checker, error) {
	d, err := data.Create(data.DefaultKind(seg.Format, s.opts.Data), seg, mds, s.opts.Data, cfg)
	if err != nil {
		return nil, err
	}
	c := &checker{session: s, seg: seg, data: d}
	if c.idx, err = newIndex(kind, seg, func() data.Data { return c.data }); err != nil {
		return nil, err
	}
	if err := c.idx.reindex(mds); err != nil {
		return nil, err
	}
	if ts, ok := d.Timestamp(); ok {
		if err := c.idx.touch(ts); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// IsDataSegment reports whether relpath names segment data, as opposed to
// a sidecar, a lock or a temporary file.
func (s *Session) IsDataSegment(relpath string) bool {
	base := filepath.Base(relpath)
	for _, sfx := range []string{types.SuffixMetadata, types.SuffixSummary, types.SuffixIndex, types.SuffixGzIdx, types.SuffixRepack, types.SuffixLock, "-journal", ".tmp"} {
		if strings.HasSuffix(base, sfx) {
			return false
		}
	}
	if _, err := types.FormatFromRelpath(relpath); err != nil {
		return false
	}
	st, err := os.Stat(filepath.Join(s.root, relpath))
	if err != nil {
		return false
	}
	switch filepath.Ext(base) {
	case types.SuffixGz, types.SuffixTar, types.SuffixZip:
		return !st.IsDir()
	}
	return st.Mode().IsRegular()
}

// repackConfig is used by repairs that are not given one by the caller.
func (s *Session) repackConfig() types.RepackConfig {
	cfg := types.DefaultRepackConfig()
	if s.opts.Data.GzGroupSize > 0 {
		cfg.GzGroupSize = s.opts.Data.GzGroupSize
	}
	return cfg
}
