package segment

import (
	"io"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/metrics"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
)

const DefaultReaderPoolSize = 64

// sharedData is an open data reader shared by all segment readers of the
// same file. It is closed by the runtime once no segment reader holds it.
type sharedData struct {
	mu sync.Mutex
	r  data.Reader

	kind  data.Kind
	mtime time.Time
	size  int64
}

func (s *sharedData) Read(b types.Blob) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Read(b)
}

func (s *sharedData) Stream(b types.Blob, w io.Writer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Stream(b, w)
}

func (s *sharedData) ScanData(visit func(*types.Record) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.ScanData(visit)
}

// current reports whether the open reader still matches the data on disk.
func (s *sharedData) current(d data.Data) bool {
	ts, ok := d.Timestamp()
	return ok && d.Kind() == s.kind && ts.Equal(s.mtime) && d.Size() == s.size
}

// readerPool maps absolute paths to weakly held data readers.
type readerPool struct {
	mu      sync.Mutex
	max     int
	entries map[string]weak.Pointer[sharedData]
}

func newReaderPool(max int) *readerPool {
	if max <= 0 {
		max = DefaultReaderPoolSize
	}
	return &readerPool{max: max, entries: make(map[string]weak.Pointer[sharedData])}
}

// get returns the pooled reader for d, opening a new one if there is none
// or if the data changed since it was opened.
func (p *readerPool) get(d data.Data) (*sharedData, error) {
	key := d.Segment().AbsPath

	p.mu.Lock()
	defer p.mu.Unlock()

	if wp, ok := p.entries[key]; ok {
		if s := wp.Value(); s != nil && s.current(d) {
			return s, nil
		}
		delete(p.entries, key)
	}

	s, err := openShared(d)
	if err != nil {
		return nil, err
	}
	if len(p.entries) >= p.max {
		p.purge()
	}
	if len(p.entries) < p.max {
		p.entries[key] = weak.Make(s)
	} else {
		util.Debug("reader pool full, not pooling %s", key)
	}
	metrics.PooledReaders.Set(float64(len(p.entries)))
	return s, nil
}

// purge drops entries whose reader was collected.
func (p *readerPool) purge() {
	for k, wp := range p.entries {
		if wp.Value() == nil {
			delete(p.entries, k)
		}
	}
}

func (p *readerPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purge()
	return len(p.entries)
}

func openShared(d data.Data) (*sharedData, error) {
	ts, _ := d.Timestamp()
	r, err := d.Reader(nil)
	if err != nil {
		return nil, err
	}
	s := &sharedData{r: r, kind: d.Kind(), mtime: ts, size: d.Size()}
	runtime.AddCleanup(s, func(r data.Reader) {
		if err := r.Close(); err != nil {
			util.Warn("failed to close pooled reader: %v", err)
		}
	}, r)
	return s, nil
}
