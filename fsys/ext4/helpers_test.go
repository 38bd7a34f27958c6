package ext4

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/ext4view/internal/ext4test"
)

// holesContent is the content of /holes: five 4096-byte runs of 0xa5
// separated by 8192-byte holes.
func holesContent() []byte {
	var b []byte
	for i := 0; i < 5; i++ {
		b = append(b, bytes.Repeat([]byte{0xa5}, 4096)...)
		if i != 4 {
			b = append(b, make([]byte, 8192)...)
		}
	}
	return b
}

func holesChunks() []ext4test.Chunk {
	var chunks []ext4test.Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, ext4test.Chunk{
			Offset: int64(i) * 12288,
			Data:   bytes.Repeat([]byte{0xa5}, 4096),
		})
	}
	return chunks
}

// diskImage mirrors the reference test disk: a few small files, a sparse
// file, an empty directory and a directory of 10,000 entries.
type diskImage struct {
	*ext4test.Image
	data   []byte
	bigDir uint32
	small  uint32
	holes  uint32
}

var buildDisk = sync.OnceValue(func() *diskImage {
	im := ext4test.New(ext4test.Options{
		BlockSize:      4096,
		Groups:         2,
		BlocksPerGroup: 2048,
		InodesPerGroup: 5120,
		IndexThreshold: 1,
		Label:          "test_disk1",
		UUID:           [16]byte{0x6c, 0x5f, 0x11, 0x3e, 0x95, 0x42, 0x4b, 0x2a, 0x9f, 0x4d, 0x1c, 0x17, 0x33, 0x5b, 0x00, 0x7e},
	})
	d := &diskImage{Image: im}
	root := uint32(ext4test.RootInode)
	im.AddFile(root, "empty_file", nil)
	d.small = im.AddFile(root, "small_file", []byte("hello, world!"))
	d.holes = im.AddSparseFile(root, "holes", int64(len(holesContent())), holesChunks())
	im.Mkdir(root, "empty_dir")
	d.bigDir = im.Mkdir(root, "big_dir")
	for i := 0; i < 10_000; i++ {
		im.AddFile(d.bigDir, strconv.Itoa(i), nil)
	}
	d.data = im.Build()
	return d
})

// testDisk returns the shared reference image and a private copy of its
// bytes that the caller may damage.
func testDisk(t testing.TB) (*diskImage, []byte) {
	t.Helper()
	d := buildDisk()
	return d, bytes.Clone(d.data)
}

func openBytes(t testing.TB, data []byte, opts ...Option) *FS {
	t.Helper()
	f, err := Open(bytes.NewReader(data), opts...)
	require.NoError(t, err)
	return f
}

func openDisk(t testing.TB, opts ...Option) *FS {
	t.Helper()
	d := buildDisk()
	return openBytes(t, d.data, opts...)
}

// testLogger returns a logger that records entries for inspection.
func testLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

func put16(b []byte, off int64, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func put32(b []byte, off int64, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func get32(b []byte, off int64) uint32    { return binary.LittleEndian.Uint32(b[off:]) }

// sbOffset returns the offset of a superblock field.
func sbOffset(field int64) int64 { return ext4test.SuperblockOffset + field }

// referenceImage returns testdata/test_disk1.bin, or builds the same image
// with mkfs.ext4 when the file has not been generated.
func referenceImage(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("../../testdata/test_disk1.bin")
	if err == nil {
		return data
	}
	require.True(t, os.IsNotExist(err), err)
	if !ext4test.HaveMkfs() {
		t.Skip("mkfs.ext4 not found and testdata/test_disk1.bin not present")
	}
	path := filepath.Join(t.TempDir(), "test_disk1.bin")
	require.NoError(t, ext4test.BuildReference(path))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func names(entries []DirEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Name())
	}
	return out
}

func mustDir(t testing.TB, f *FS, p string) []DirEntry {
	t.Helper()
	rd, err := f.ReadDir(p)
	require.NoError(t, err, "ReadDir(%q)", p)
	entries, err := rd.Collect()
	require.NoError(t, err, "Collect(%q)", p)
	return entries
}

func inodeField(im *ext4test.Image, ino uint32, field int64) int64 {
	return im.InodeOffset(ino) + field
}
