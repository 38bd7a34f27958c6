// Package fsys provides the interfaces shared by the filesystem readers and
// the extent-mapped reader used to stream file content out of an image.
package fsys

import (
	"io"
	"io/fs"
	"slices"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// Range represents a byte range [Start, End) where Start is inclusive
// and End is exclusive (one past the last byte).
type Range struct {
	Start int64 // First byte of the range (inclusive)
	End   int64 // One past the last byte (exclusive)
}

// Size returns the size of the range in bytes
func (r Range) Size() int64 {
	return r.End - r.Start
}

// Extent represents a mapping from logical file offset to physical image offset
type Extent struct {
	Logical  int64 // Offset within the file
	Physical int64 // Offset within the image
	Length   int64 // Length of this extent
}

// End returns the logical offset one past the extent.
func (e Extent) End() int64 { return e.Logical + e.Length }

// FS is a read-only filesystem opened from a disk image.
type FS interface {
	fs.FS
	fs.ReadDirFS
	fs.StatFS

	// Type returns the filesystem type name (e.g. "ext4", "GPT").
	Type() string

	// Close releases any resources held by the filesystem
	Close() error
}

// FreeBlocker is an optional interface for filesystems that can report free space
type FreeBlocker interface {
	// FreeBlocks returns a list of free byte ranges in the filesystem image.
	// Each range is [Start, End) where Start is inclusive and End is exclusive.
	// Ranges are returned in ascending order and do not overlap.
	FreeBlocks() ([]Range, error)
}

// ExtentMapper is an optional interface for filesystems that can report
// the physical location of file data within the image
type ExtentMapper interface {
	// FileExtents returns the list of extents that map a file's logical
	// offsets to physical offsets in the image. Returns error if path
	// doesn't exist or is a directory.
	FileExtents(path string) ([]Extent, error)
}

// FileInfo provides extended file information
type FileInfo interface {
	fs.FileInfo

	// Inode returns the inode number (0 for filesystems without inodes)
	Inode() uint64
}

// ExtentReaderAt presents the bytes named by a list of extents as one
// contiguous file. Offsets no extent covers read as zeros.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent
	index   *btree.BTreeG[Extent]
	size    int64
}

func extentLess(a, b Extent) bool { return a.Logical < b.Logical }

// NewExtentReaderAt creates a new ExtentReaderAt from a base reader and extents.
// If the base reader is itself an ExtentReaderAt, the extents are composed
// to create a flattened mapping directly to the underlying reader.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := slices.Clone(extents)
	slices.SortFunc(sorted, func(a, b Extent) int {
		switch {
		case a.Logical < b.Logical:
			return -1
		case a.Logical > b.Logical:
			return 1
		}
		return 0
	})

	if inner, ok := r.(*ExtentReaderAt); ok {
		sorted = ComposeExtents(sorted, inner.extents)
		r = inner.r
	}

	index := btree.NewG(16, extentLess)
	for _, e := range sorted {
		if e.Length > 0 {
			index.ReplaceOrInsert(e)
		}
	}
	return &ExtentReaderAt{r: r, extents: sorted, index: index, size: size}
}

// ComposeExtents takes outer extents (which map logical offsets to "physical"
// offsets in an inner coordinate space) and inner extents (which map that
// inner coordinate space to actual physical offsets), and returns composed
// extents that map directly from outer logical to actual physical.
//
// For example, if outer maps [0,100) -> [1000,1100) and inner maps [1000,1100) -> [5000,5100),
// the composed result maps [0,100) -> [5000,5100).
//
// Parts of an outer extent that fall in a gap of the inner mapping are
// dropped: they read as zeros either way.
func ComposeExtents(outer, inner []Extent) []Extent {
	inner = slices.Clone(inner)
	slices.SortFunc(inner, func(a, b Extent) int {
		switch {
		case a.Logical < b.Logical:
			return -1
		case a.Logical > b.Logical:
			return 1
		}
		return 0
	})

	var composed []Extent
	for _, o := range outer {
		pos, end := o.Physical, o.Physical+o.Length

		// First inner extent that ends after pos.
		i, _ := slices.BinarySearchFunc(inner, pos, func(e Extent, t int64) int {
			if e.End() <= t {
				return -1
			}
			return 1
		})
		for ; i < len(inner) && pos < end; i++ {
			in := inner[i]
			if in.Logical >= end {
				break
			}
			start := max(pos, in.Logical)
			stop := min(end, in.End())
			composed = append(composed, Extent{
				Logical:  o.Logical + (start - o.Physical),
				Physical: in.Physical + (start - in.Logical),
				Length:   stop - start,
			})
			pos = stop
		}
	}
	return composed
}

// Size returns the logical size of the file
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// Extents returns the mapping, sorted by logical offset. The slice must not
// be modified.
func (e *ExtentReaderAt) Extents() []Extent {
	return e.extents
}

// ReadAt implements io.ReaderAt. A mapped range that the base reader
// cannot fully supply yields io.ErrUnexpectedEOF.
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	if off >= e.size {
		return 0, io.EOF
	}

	want := len(p)
	if int64(want) > e.size-off {
		p = p[:e.size-off]
	}

	for n < len(p) {
		pos := off + int64(n)
		ext, found := e.findExtent(pos)
		if !found {
			gapEnd := min(e.nextExtentStart(pos), e.size)
			k := int(min(gapEnd-pos, int64(len(p)-n)))
			clear(p[n : n+k])
			n += k
			continue
		}

		into := pos - ext.Logical
		k := int(min(ext.Length-into, int64(len(p)-n)))
		nr, err := e.r.ReadAt(p[n:n+k], ext.Physical+into)
		n += nr
		if nr < k {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
	}

	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// findExtent finds the extent containing the given logical offset
func (e *ExtentReaderAt) findExtent(off int64) (Extent, bool) {
	var (
		ext   Extent
		found bool
	)
	e.index.DescendLessOrEqual(Extent{Logical: off}, func(x Extent) bool {
		ext, found = x, off < x.End()
		return false
	})
	return ext, found
}

// nextExtentStart returns the start of the next extent after the given offset
func (e *ExtentReaderAt) nextExtentStart(off int64) int64 {
	next := e.size
	e.index.AscendGreaterOrEqual(Extent{Logical: off + 1}, func(x Extent) bool {
		next = x.Logical
		return false
	})
	return next
}
