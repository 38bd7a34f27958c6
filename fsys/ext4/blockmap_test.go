package ext4

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/ext4view/fsys"
	"github.com/lvdlvd/ext4view/internal/ext4test"
)

// Offsets within an inode record.
const (
	iMode      = 0x00
	iSizeLo    = 0x04
	iFlags     = 0x20
	iBlock     = 0x28
	iSizeHigh  = 0x6C
	ehEntries  = iBlock + 2
	ehMax      = iBlock + 4
	ehDepth    = iBlock + 6
	firstEntry = iBlock + 12
)

func fill(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

// fragmentedImage holds /frag, a file of ten one-block extents with a hole
// after each, which needs an extent tree of depth 1.
func fragmentedImage(t testing.TB) (*ext4test.Image, uint32, []byte, []byte) {
	t.Helper()
	im := ext4test.New(ext4test.Options{BlockSize: 1024, BlocksPerGroup: 4096})
	var (
		chunks []ext4test.Chunk
		want   []byte
	)
	for i := 0; i < 10; i++ {
		chunks = append(chunks, ext4test.Chunk{Offset: int64(2*i) * 1024, Data: fill(byte('a'+i), 1024)})
		want = append(want, fill(byte('a'+i), 1024)...)
		want = append(want, make([]byte, 1024)...)
	}
	want = want[:len(want)-1024]
	ino := im.AddSparseFile(ext4test.RootInode, "frag", int64(len(want)), chunks)
	return im, ino, im.Build(), want
}

func TestExtentTreeDepthOne(t *testing.T) {
	im, ino, data, want := fragmentedImage(t)
	require.Len(t, im.MetaBlocks(ino), 1, "expected one leaf block")
	f := openBytes(t, data)

	got, err := f.Read("/frag")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("/frag mismatch (-want +got):\n%s", diff)
	}

	node, err := f.readInode(ino)
	require.NoError(t, err)
	for lblk := uint32(0); lblk < 20; lblk++ {
		pblk, mapped, err := f.mapBlock(node, lblk)
		require.NoError(t, err)
		if lblk%2 == 1 {
			assert.False(t, mapped, "block %d", lblk)
			continue
		}
		assert.True(t, mapped, "block %d", lblk)
		assert.Equal(t, im.DataBlocks(ino)[lblk/2], pblk, "block %d", lblk)
	}

	extents, err := f.FileExtents("/frag")
	require.NoError(t, err)
	assert.Len(t, extents, 10)
	assert.Equal(t, int64(2048), extents[1].Logical)
}

func TestExtentCorruption(t *testing.T) {
	tests := []struct {
		name  string
		apply func(im *ext4test.Image, ino uint32, data []byte)
		want  error
	}{
		{
			name: "bad magic",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put16(data, im.InodeOffset(ino)+iBlock, 0x1234)
			},
			want: ErrCorrupt,
		},
		{
			name: "entries above max",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put16(data, im.InodeOffset(ino)+ehEntries, 5)
			},
			want: ErrCorrupt,
		},
		{
			name: "max above capacity",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put16(data, im.InodeOffset(ino)+ehMax, 5)
			},
			want: ErrCorrupt,
		},
		{
			name: "depth above limit",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put16(data, im.InodeOffset(ino)+ehDepth, 6)
			},
			want: ErrCorrupt,
		},
		{
			name: "leaf depth inconsistent with parent",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put16(data, im.BlockOffset(im.MetaBlocks(ino)[0])+6, 1)
			},
			want: ErrCorrupt,
		},
		{
			name: "leaf block beyond filesystem",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put32(data, im.InodeOffset(ino)+firstEntry+4, 1<<30)
			},
			want: ErrCorrupt,
		},
		{
			name: "node referenced twice",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				off := im.InodeOffset(ino)
				put16(data, off+ehEntries, 2)
				second := off + firstEntry + 12
				put32(data, second, 1000)
				put32(data, second+4, uint32(im.MetaBlocks(ino)[0]))
			},
			want: ErrCorrupt,
		},
		{
			name: "overlapping extents",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				// Stretch the first leaf extent over the second.
				put16(data, im.BlockOffset(im.MetaBlocks(ino)[0])+12+4, 3)
			},
			want: ErrCorrupt,
		},
		{
			name: "extent entries out of order",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put32(data, im.BlockOffset(im.MetaBlocks(ino)[0])+12+12, 0)
			},
			want: ErrCorrupt,
		},
		{
			name: "zero length extent",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put16(data, im.BlockOffset(im.MetaBlocks(ino)[0])+12+4, 0)
			},
			want: ErrCorrupt,
		},
		{
			name: "extent beyond filesystem",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				leaf := im.BlockOffset(im.MetaBlocks(ino)[0])
				put32(data, leaf+12+8, 5000)
			},
			want: ErrCorrupt,
		},
		{
			name: "size beyond int64",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put32(data, im.InodeOffset(ino)+iSizeHigh, 0x80000000)
			},
			want: ErrCorrupt,
		},
		{
			name: "inline data",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				off := im.InodeOffset(ino) + iFlags
				put32(data, off, 0x10000000|0x00080000)
			},
			want: ErrUnsupported,
		},
		{
			name: "invalid mode",
			apply: func(im *ext4test.Image, ino uint32, data []byte) {
				put16(data, im.InodeOffset(ino)+iMode, 0x3000|0o644)
			},
			want: ErrCorrupt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im, ino, data, _ := fragmentedImage(t)
			tt.apply(im, ino, data)
			f := openBytes(t, data)

			_, err := f.Read("/frag")
			assert.ErrorIs(t, err, tt.want, "Read")
			_, err = f.FileExtents("/frag")
			assert.ErrorIs(t, err, tt.want, "FileExtents")
		})
	}
}

func TestUninitializedExtent(t *testing.T) {
	im := ext4test.New(ext4test.Options{})
	ino := im.AddSparseFile(ext4test.RootInode, "prealloc", 3*4096, []ext4test.Chunk{
		{Offset: 0, Data: fill('x', 4096)},
		{Offset: 4096, Data: fill('y', 8192), Uninit: true},
	})
	f := openBytes(t, im.Build())

	got, err := f.Read("/prealloc")
	require.NoError(t, err)
	want := append(fill('x', 4096), make([]byte, 8192)...)
	assert.Equal(t, want, got)

	extents, err := f.FileExtents("/prealloc")
	require.NoError(t, err)
	assert.Equal(t, []fsys.Extent{{
		Logical:  0,
		Physical: im.BlockOffset(im.DataBlocks(ino)[0]),
		Length:   4096,
	}}, extents)
}

func TestFileExtentsCoalesce(t *testing.T) {
	im := ext4test.New(ext4test.Options{})
	content := append(fill('a', 3*4096), 'z')
	ino := im.AddFile(ext4test.RootInode, "f", content)
	f := openBytes(t, im.Build())

	extents, err := f.FileExtents("/f")
	require.NoError(t, err)
	assert.Equal(t, []fsys.Extent{{
		Logical:  0,
		Physical: im.BlockOffset(im.DataBlocks(ino)[0]),
		Length:   int64(len(content)),
	}}, extents)

	_, err = f.FileExtents("/")
	assert.ErrorIs(t, err, ErrIsADirectory)
}

// indirectImage maps /legacy with block pointers across the direct,
// single, double and triple indirect ranges of a 1 KiB block filesystem.
func indirectImage(t testing.TB) (*ext4test.Image, uint32, []byte, map[int64]byte) {
	t.Helper()
	im := ext4test.New(ext4test.Options{BlockSize: 1024, BlocksPerGroup: 8192, NoExtents: true})
	marks := map[int64]byte{
		0:                         'd',
		11 * 1024:                 'e',
		12 * 1024:                 's',
		(12 + 255) * 1024:         't',
		(12 + 256) * 1024:         'D',
		(12 + 256 + 65535) * 1024: 'E',
		(12 + 256 + 65536) * 1024: 'T',
		(12 + 256 + 65537) * 1024: 'U',
		(12 + 256 + 70000) * 1024: 'V',
	}
	var chunks []ext4test.Chunk
	var size int64
	for off, b := range marks {
		chunks = append(chunks, ext4test.Chunk{Offset: off, Data: fill(b, 1024)})
		size = max(size, off+1024)
	}
	ino := im.AddIndirectFile(ext4test.RootInode, "legacy", size-100, chunks)
	return im, ino, im.Build(), marks
}

func TestIndirectBlocks(t *testing.T) {
	_, _, data, marks := indirectImage(t)
	f := openBytes(t, data)

	file, err := f.OpenFile("/legacy")
	require.NoError(t, err)
	size := file.Size()

	buf := make([]byte, 1024)
	for off, b := range marks {
		n, err := file.ReadAt(buf, off)
		want := 1024
		if off+1024 > size {
			want = int(size - off)
			assert.Equal(t, io.EOF, err)
		} else {
			require.NoError(t, err)
		}
		require.Equal(t, want, n)
		assert.Equal(t, fill(b, want), buf[:n], "offset %d", off)
	}

	// Holes between the mapped blocks.
	for _, off := range []int64{1024, 13 * 1024, 300 * 1024, (12 + 256 + 65538) * 1024} {
		_, err := file.ReadAt(buf, off)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 1024), buf, "offset %d", off)
	}

	extents, err := f.FileExtents("/legacy")
	require.NoError(t, err)
	var total int64
	for i, e := range extents {
		total += e.Length
		if i > 0 {
			assert.Greater(t, e.Logical, extents[i-1].End()-1)
		}
	}
	assert.Equal(t, int64(len(marks))*1024-100, total)
}

func TestIndirectCorruption(t *testing.T) {
	im, ino, data, _ := indirectImage(t)
	// Point the double indirect slot past the end of the filesystem.
	put32(data, im.InodeOffset(ino)+iBlock+13*4, 1<<20)
	f := openBytes(t, data)

	file, err := f.OpenFile("/legacy")
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Nil(t, file)

	// Direct blocks before the damage still map.
	node, err := f.readInode(ino)
	require.NoError(t, err)
	_, mapped, err := f.mapBlock(node, 0)
	require.NoError(t, err)
	assert.True(t, mapped)
	_, _, err = f.mapBlock(node, 12+256)
	assert.ErrorIs(t, err, ErrCorrupt)
}

// An indirect block whose pointers lead back to itself would expand to
// every block of the double or triple indirect range.
func TestIndirectLoop(t *testing.T) {
	for _, slot := range []int{doubleIndirect, tripleIndirect} {
		im := ext4test.New(ext4test.Options{BlockSize: 1024, BlocksPerGroup: 8192, NoExtents: true})
		ino := im.AddIndirectFile(ext4test.RootInode, "loop", 1024, []ext4test.Chunk{{Data: fill('x', 1024)}})
		dir := im.Mkdir(ext4test.RootInode, "d")
		data := im.Build()

		selfRef := func(blk uint64) {
			off := im.BlockOffset(blk)
			for i := int64(0); i < 256; i++ {
				put32(data, off+4*i, uint32(blk))
			}
		}
		blk := im.DataBlocks(ino)[0]
		selfRef(blk)
		put32(data, im.InodeOffset(ino)+iBlock, 0)
		put32(data, im.InodeOffset(ino)+iBlock+int64(4*slot), uint32(blk))
		put32(data, im.InodeOffset(ino)+iSizeLo, 128<<20)

		dblk := im.DirBlocks(dir)[0]
		selfRef(dblk)
		put32(data, im.InodeOffset(dir)+iBlock, 0)
		put32(data, im.InodeOffset(dir)+iBlock+int64(4*slot), uint32(dblk))
		put32(data, im.InodeOffset(dir)+iSizeLo, 128<<20)

		f := openBytes(t, data)

		_, err := f.OpenFile("/loop")
		assert.ErrorIs(t, err, ErrCorrupt, "slot %d", slot)
		_, err = f.FileExtents("/loop")
		assert.ErrorIs(t, err, ErrCorrupt, "slot %d", slot)
		_, err = f.Read("/loop")
		assert.ErrorIs(t, err, ErrCorrupt, "slot %d", slot)

		_, err = f.ReadDir("/d")
		assert.ErrorIs(t, err, ErrCorrupt, "slot %d", slot)
		_, err = f.Exists("/d/x")
		assert.ErrorIs(t, err, ErrCorrupt, "slot %d", slot)
	}
}

// Two slots sharing one indirect block is corruption even without a cycle.
func TestIndirectShared(t *testing.T) {
	im, ino, data, _ := indirectImage(t)
	single := get32(data, im.InodeOffset(ino)+iBlock+4*singleIndirect)
	put32(data, im.InodeOffset(ino)+iBlock+4*doubleIndirect, single)
	f := openBytes(t, data)

	_, err := f.FileExtents("/legacy")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSizeClipsContent(t *testing.T) {
	im := ext4test.New(ext4test.Options{})
	ino := im.AddFile(ext4test.RootInode, "f", fill('q', 8192))
	data := im.Build()
	put32(data, im.InodeOffset(ino)+iSizeLo, 5000)
	f := openBytes(t, data)

	got, err := f.Read("/f")
	require.NoError(t, err)
	assert.Equal(t, fill('q', 5000), got)
}

func TestContentBeyondImage(t *testing.T) {
	d, data := testDisk(t)
	// The image ends in the middle of the content of /holes, before the
	// directory blocks, which are written last.
	cut := d.BlockOffset(d.DataBlocks(d.holes)[2])
	f := openBytes(t, data[:cut])

	_, err := f.Read("/holes")
	assert.ErrorIs(t, err, ErrCorrupt)
	rd, err := f.ReadDir("/")
	require.NoError(t, err)
	_, err = rd.Collect()
	assert.ErrorIs(t, err, ErrCorrupt)
}
