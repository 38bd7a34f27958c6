package ext4

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/ext4view/internal/ext4test"
)

// smallTree has a root directory with three files; "alpha" is the first
// entry after "." and "..", at offset 24 of the root's only block.
func smallTree(t *testing.T, opts ext4test.Options) (*ext4test.Image, []byte) {
	t.Helper()
	im := ext4test.New(opts)
	im.AddFile(ext4test.RootInode, "alpha", []byte("a"))
	im.AddFile(ext4test.RootInode, "beta", []byte("b"))
	im.Mkdir(ext4test.RootInode, "gamma")
	return im, im.Build()
}

func TestDirentCorruption(t *testing.T) {
	const alpha = 24
	tests := []struct {
		name  string
		apply func(block []byte)
	}{
		{"rec_len past block", func(b []byte) {
			put16(b, alpha+4, uint16(len(b)))
		}},
		{"rec_len not aligned", func(b []byte) {
			put16(b, alpha+4, 18)
		}},
		{"rec_len zero", func(b []byte) {
			put16(b, alpha+4, 0)
		}},
		{"rec_len below name", func(b []byte) {
			put16(b, alpha+4, 12)
		}},
		{"inode out of range", func(b []byte) {
			put32(b, alpha, 1<<30)
		}},
		{"empty name", func(b []byte) {
			b[alpha+6] = 0
		}},
		{"slash in name", func(b []byte) {
			b[alpha+8+2] = '/'
		}},
		{"nul in name", func(b []byte) {
			b[alpha+8+2] = 0
		}},
		{"bad file type", func(b []byte) {
			b[alpha+7] = 9
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im, data := smallTree(t, ext4test.Options{})
			off := im.BlockOffset(im.DirBlocks(ext4test.RootInode)[0])
			tt.apply(data[off : off+int64(im.BlockSize())])
			f := openBytes(t, data)

			rd, err := f.ReadDir("/")
			require.NoError(t, err)
			_, err = rd.Collect()
			assert.ErrorIs(t, err, ErrCorrupt)

			// The error sticks until Reset.
			_, err = rd.Next()
			assert.ErrorIs(t, err, ErrCorrupt)

			_, err = f.Read("/gamma")
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestDirectorySizeNotBlockMultiple(t *testing.T) {
	im, data := smallTree(t, ext4test.Options{})
	put32(data, im.InodeOffset(ext4test.RootInode)+iSizeLo, 100)
	f := openBytes(t, data)

	_, err := f.ReadDir("/")
	assert.ErrorIs(t, err, ErrCorrupt)
	_, err = f.Read("/alpha")
	assert.ErrorIs(t, err, ErrCorrupt)
}

// Without large_dir only the low word holds the size of a directory.
func TestDirectorySizeHighWord(t *testing.T) {
	im, data := smallTree(t, ext4test.Options{})
	put32(data, im.InodeOffset(ext4test.RootInode)+iSizeHigh, 7)
	f := openBytes(t, data)

	assert.Len(t, mustDir(t, f, "/"), 5)
	md, err := f.Metadata("/")
	require.NoError(t, err)
	assert.Equal(t, uint64(im.BlockSize()), md.Size)
}

func TestNoFiletype(t *testing.T) {
	_, data := smallTree(t, ext4test.Options{NoFiletype: true})
	f := openBytes(t, data)

	types := make(map[string]FileType)
	for e, err := range mustReadDir(t, f, "/").All() {
		require.NoError(t, err)
		assert.Equal(t, TypeUnknown, e.ftype, "type is not stored")
		ft, err := e.FileType()
		require.NoError(t, err)
		types[string(e.Name())] = ft
	}
	assert.Equal(t, map[string]FileType{
		".":     TypeDirectory,
		"..":    TypeDirectory,
		"alpha": TypeRegular,
		"beta":  TypeRegular,
		"gamma": TypeDirectory,
	}, types)

	got, err := f.ReadToString("/beta")
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestBlockSizes(t *testing.T) {
	for _, bs := range []uint32{1024, 2048, 4096, 65536} {
		opts := ext4test.Options{BlockSize: bs, BlocksPerGroup: 256}
		if bs == 1024 {
			opts.BlocksPerGroup = 2048
		}
		_, data := smallTree(t, opts)
		f := openBytes(t, data)
		assert.Equal(t, bs, f.Info().BlockSize)

		got, err := f.ReadToString("/alpha")
		require.NoError(t, err, "block size %d", bs)
		assert.Equal(t, "a", got)

		entries := mustDir(t, f, "/")
		assert.ElementsMatch(t, []string{".", "..", "alpha", "beta", "gamma"}, names(entries), "block size %d", bs)

		entries = mustDir(t, f, "/gamma")
		assert.ElementsMatch(t, []string{".", ".."}, names(entries))
	}
}

// Directory blocks written with metadata_csum end in a checksum tail that
// is neither an entry nor corruption.
func TestChecksumTails(t *testing.T) {
	for _, noFiletype := range []bool{false, true} {
		t.Run("filetype="+strconv.FormatBool(!noFiletype), func(t *testing.T) {
			im := ext4test.New(ext4test.Options{
				MetadataCsum:   true,
				NoFiletype:     noFiletype,
				IndexThreshold: 1,
				InodesPerGroup: 1100,
			})
			im.AddFile(ext4test.RootInode, "alpha", []byte("a"))
			dir := im.Mkdir(ext4test.RootInode, "d")
			for i := 0; i < 1000; i++ {
				im.AddFile(dir, "entry"+strconv.Itoa(i), nil)
			}
			data := im.Build()
			require.True(t, im.Indexed(dir))

			bs := int64(im.BlockSize())
			end := im.BlockOffset(im.DirBlocks(ext4test.RootInode)[0]) + bs
			require.Equal(t, byte(0xDE), data[end-5], "root block has no tail")

			for _, hashIndex := range []bool{true, false} {
				f := openBytes(t, data, WithHashIndex(hashIndex))

				assert.Equal(t, []string{".", "..", "alpha", "d"}, names(mustDir(t, f, "/")))
				assert.Len(t, mustDir(t, f, "/d"), 1002)

				got, err := f.ReadToString("/alpha")
				require.NoError(t, err)
				assert.Equal(t, "a", got)
				for _, i := range []int{0, 499, 999} {
					ok, err := f.Exists("/d/entry" + strconv.Itoa(i))
					require.NoError(t, err)
					assert.True(t, ok, "entry%d hash index %v", i, hashIndex)
				}

				_, err = f.Read("/missing")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = f.Read("/d/missing")
				assert.ErrorIs(t, err, ErrNotFound)
			}
		})
	}
}

func mustReadDir(t *testing.T, f *FS, p string) *ReadDir {
	t.Helper()
	rd, err := f.ReadDir(p)
	require.NoError(t, err)
	return rd
}
