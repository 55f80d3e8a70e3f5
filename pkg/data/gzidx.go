package data

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"golang.org/x/exp/mmap"
)

const gzIdxEntrySize = 16

// seekIndex maps uncompressed offsets to the gzip member holding them. The
// file stores, for every member, its uncompressed and compressed sizes as
// big endian uint64 pairs; in memory they are kept as running offsets.
type seekIndex struct {
	ofsUnc  []uint64
	ofsComp []uint64
}

func newSeekIndex() *seekIndex {
	return &seekIndex{ofsUnc: []uint64{0}, ofsComp: []uint64{0}}
}

// loadSeekIndex reads path. A missing file gives an index with a single
// group covering the whole data.
func loadSeekIndex(path string) (*seekIndex, bool, error) {
	idx := newSeekIndex()
	r, err := mmap.Open(path)
	if os.IsNotExist(err) {
		return idx, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer r.Close()

	if r.Len()%gzIdxEntrySize != 0 {
		return nil, true, fmt.Errorf("%s: size %d is not a multiple of %d", path, r.Len(), gzIdxEntrySize)
	}
	buf := make([]byte, r.Len())
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, true, fmt.Errorf("cannot read %s: %w", path, err)
	}
	for pos := 0; pos < len(buf); pos += gzIdxEntrySize {
		idx.add(binary.BigEndian.Uint64(buf[pos:]), binary.BigEndian.Uint64(buf[pos+8:]))
	}
	return idx, true, nil
}

func (x *seekIndex) add(uncSize, compSize uint64) {
	x.ofsUnc = append(x.ofsUnc, x.ofsUnc[len(x.ofsUnc)-1]+uncSize)
	x.ofsComp = append(x.ofsComp, x.ofsComp[len(x.ofsComp)-1]+compSize)
}

// lookup returns the group containing the uncompressed offset unc.
func (x *seekIndex) lookup(unc uint64) int {
	return sort.Search(len(x.ofsUnc), func(i int) bool { return x.ofsUnc[i] > unc }) - 1
}

// groups is the number of indexed groups.
func (x *seekIndex) groups() int { return len(x.ofsUnc) - 1 }

// uncompressedSize is only meaningful for an index loaded from disk.
func (x *seekIndex) uncompressedSize() uint64 { return x.ofsUnc[len(x.ofsUnc)-1] }

func (x *seekIndex) encode() []byte {
	buf := make([]byte, 0, x.groups()*gzIdxEntrySize)
	for i := 1; i < len(x.ofsUnc); i++ {
		buf = binary.BigEndian.AppendUint64(buf, x.ofsUnc[i]-x.ofsUnc[i-1])
		buf = binary.BigEndian.AppendUint64(buf, x.ofsComp[i]-x.ofsComp[i-1])
	}
	return buf
}
