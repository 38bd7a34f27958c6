package part

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/ext4view/detect"
	"github.com/lvdlvd/ext4view/fsys"
	"github.com/lvdlvd/ext4view/fsys/ext4"
	"github.com/lvdlvd/ext4view/internal/ext4test"
)

const mib = 1 << 20

func fsImage(t *testing.T) []byte {
	t.Helper()
	im := ext4test.New(ext4test.Options{BlockSize: 1024, BlocksPerGroup: 1024, InodesPerGroup: 64})
	im.AddFile(ext4test.RootInode, "hello", []byte("from a partition"))
	return im.Build()
}

func putMBREntry(sector []byte, i int, boot bool, typ byte, start, size uint32) {
	e := sector[446+16*i:]
	if boot {
		e[0] = 0x80
	}
	e[4] = typ
	binary.LittleEndian.PutUint32(e[8:], start)
	binary.LittleEndian.PutUint32(e[12:], size)
	sector[510], sector[511] = 0x55, 0xAA
}

// mbrDisk is a 16 MiB disk: an ext4 partition at 1 MiB, an NTFS one at
// 8 MiB and an extended partition from 10 MiB holding two logical ones.
func mbrDisk(t *testing.T) []byte {
	disk := make([]byte, 16*mib)
	copy(disk[mib:], fsImage(t))
	putMBREntry(disk, 0, true, 0x83, 2048, 4096)
	putMBREntry(disk, 1, false, 0x07, 16384, 2048)
	putMBREntry(disk, 2, false, 0x05, 20480, 8192)

	// First EBR at 10 MiB: logical partition 63 sectors in, link to the
	// next EBR 4096 sectors into the extended partition.
	ebr := disk[20480*512:]
	putMBREntry(ebr, 0, false, 0x83, 63, 1000)
	putMBREntry(ebr, 1, false, 0x05, 4096, 2048)
	ebr = disk[(20480+4096)*512:]
	putMBREntry(ebr, 0, false, 0x82, 63, 500)
	return disk
}

var (
	linuxFS = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	esp     = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	diskID  = uuid.MustParse("01234567-89AB-CDEF-0123-456789ABCDEF")
	partID  = uuid.MustParse("A0A1A2A3-B0B1-C0C1-D0D1-E0E1E2E3E4E5")
)

func putGUID(b []byte, u uuid.UUID) {
	d := mixedEndian(u[:])
	copy(b, d[:])
}

// gptDisk is an 8 MiB disk with an ESP at sector 34 and a Linux partition
// holding an ext4 filesystem at 1 MiB.
func gptDisk(t *testing.T) []byte {
	disk := make([]byte, 8*mib)
	putMBREntry(disk, 0, false, 0xEE, 1, 16383)
	h := disk[512:]
	copy(h, "EFI PART")
	putGUID(h[56:], diskID)
	binary.LittleEndian.PutUint64(h[72:], 2)
	binary.LittleEndian.PutUint32(h[80:], 128)
	binary.LittleEndian.PutUint32(h[84:], 128)

	entry := func(i int, typ, id uuid.UUID, first, last uint64, name string) {
		e := disk[2*512+i*128:]
		putGUID(e[0:], typ)
		putGUID(e[16:], id)
		binary.LittleEndian.PutUint64(e[32:], first)
		binary.LittleEndian.PutUint64(e[40:], last)
		for j, c := range utf16.Encode([]rune(name)) {
			binary.LittleEndian.PutUint16(e[56+2*j:], c)
		}
	}
	entry(0, esp, uuid.Nil, 34, 2047, "EFI")
	entry(3, linuxFS, partID, 2048, 2048+4095, "root ✓")
	copy(disk[mib:], fsImage(t))
	return disk
}

func TestMBR(t *testing.T) {
	disk := mbrDisk(t)
	kind, err := detect.Detect(bytes.NewReader(disk))
	require.NoError(t, err)
	require.Equal(t, detect.MBR, kind)

	table, err := Open(bytes.NewReader(disk), int64(len(disk)), kind)
	require.NoError(t, err)
	assert.Equal(t, "MBR", table.Type())
	assert.Equal(t, uuid.Nil, table.DiskGUID())

	type summary struct {
		Number      int
		Type        byte
		Start, Size int64
		Bootable    bool
	}
	var got []summary
	for _, p := range table.Partitions() {
		got = append(got, summary{p.Number, p.Type, p.Start, p.Size, p.Bootable})
	}
	want := []summary{
		{1, 0x83, mib, 2 * mib, true},
		{2, 0x07, 8 * mib, mib, false},
		{3, 0x05, 10 * mib, 4 * mib, false},
		{5, 0x83, (20480 + 63) * 512, 1000 * 512, false},
		{6, 0x82, (20480 + 4096 + 63) * 512, 500 * 512, false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("partitions (-want +got):\n%s", diff)
	}

	p, err := table.Partition(3)
	require.NoError(t, err)
	assert.True(t, p.Extended())
	assert.Equal(t, "Extended", p.TypeName())
	_, err = table.Reader(p)
	assert.Error(t, err)

	_, err = table.Partition(4)
	assert.ErrorIs(t, err, ErrNoPartition)
}

func TestReadFilesystemInPartition(t *testing.T) {
	for name, disk := range map[string][]byte{"mbr": mbrDisk(t), "gpt": gptDisk(t)} {
		t.Run(name, func(t *testing.T) {
			r := bytes.NewReader(disk)
			kind, err := detect.Detect(r)
			require.NoError(t, err)
			table, err := Open(r, int64(len(disk)), kind)
			require.NoError(t, err)

			n := 1
			if kind == detect.GPT {
				n = 4
			}
			p, err := table.Partition(n)
			require.NoError(t, err)
			pr, err := table.Reader(p)
			require.NoError(t, err)
			assert.Equal(t, p.Size, pr.Size())

			k, err := detect.Detect(pr)
			require.NoError(t, err)
			assert.True(t, k.IsExt(), k.String())

			f, err := ext4.Open(pr)
			require.NoError(t, err)
			s, err := f.ReadToString("/hello")
			require.NoError(t, err)
			assert.Equal(t, "from a partition", s)
		})
	}
}

func TestGPT(t *testing.T) {
	disk := gptDisk(t)
	table, err := Open(bytes.NewReader(disk), int64(len(disk)), detect.GPT)
	require.NoError(t, err)
	assert.Equal(t, "GPT", table.Type())
	assert.Equal(t, diskID, table.DiskGUID())

	parts := table.Partitions()
	require.Len(t, parts, 2)

	assert.Equal(t, 1, parts[0].Number)
	assert.Equal(t, "EFI System", parts[0].TypeName())
	assert.Equal(t, "EFI", parts[0].Label)
	assert.Equal(t, int64(34*512), parts[0].Start)

	assert.Equal(t, 4, parts[1].Number)
	assert.Equal(t, linuxFS, parts[1].TypeGUID)
	assert.Equal(t, partID, parts[1].GUID)
	assert.Equal(t, "Linux Filesystem", parts[1].TypeName())
	assert.Equal(t, "root ✓", parts[1].Label)
	assert.Equal(t, int64(2*mib), parts[1].Size)

	info := table.Info()
	assert.Contains(t, info, "Disk GUID: 01234567-89ab-cdef-0123-456789abcdef")
	assert.Contains(t, info, "Linux Filesystem")
	assert.Contains(t, info, "2.0M")
}

func TestGUIDByteOrder(t *testing.T) {
	onDisk := []byte{
		0xAF, 0x3D, 0xC6, 0x0F, 0x83, 0x84, 0x72, 0x47,
		0x8E, 0x79, 0x3D, 0x69, 0xD8, 0x47, 0x7D, 0xE4,
	}
	assert.Equal(t, linuxFS, mixedEndian(onDisk))

	p := Partition{TypeGUID: uuid.MustParse("00112233-4455-6677-8899-AABBCCDDEEFF")}
	assert.Equal(t, "00112233-4455-6677-8899-AABBCCDDEEFF", p.TypeName())
	assert.Equal(t, "0x42", (&Partition{Type: 0x42}).TypeName())
}

func TestFreeBlocks(t *testing.T) {
	disk := mbrDisk(t)
	table, err := Open(bytes.NewReader(disk), int64(len(disk)), detect.MBR)
	require.NoError(t, err)
	free, err := table.FreeBlocks()
	require.NoError(t, err)
	want := []fsys.Range{
		{Start: 512, End: mib},
		{Start: 3 * mib, End: 8 * mib},
		{Start: 9 * mib, End: (20480 + 63) * 512},
		{Start: (20480 + 63 + 1000) * 512, End: (20480 + 4096 + 63) * 512},
		{Start: (20480 + 4096 + 63 + 500) * 512, End: 16 * mib},
	}
	if diff := cmp.Diff(want, free); diff != "" {
		t.Errorf("free ranges (-want +got):\n%s", diff)
	}

	disk = gptDisk(t)
	table, err = Open(bytes.NewReader(disk), int64(len(disk)), detect.GPT)
	require.NoError(t, err)
	free, err = table.FreeBlocks()
	require.NoError(t, err)
	want = []fsys.Range{{Start: 3 * mib, End: 8*mib - 33*512}}
	if diff := cmp.Diff(want, free); diff != "" {
		t.Errorf("GPT free ranges (-want +got):\n%s", diff)
	}
}

func TestBadTables(t *testing.T) {
	tests := []struct {
		name   string
		kind   detect.Type
		damage func(disk []byte)
	}{
		{"mbr signature", detect.MBR, func(d []byte) { d[510] = 0 }},
		{"ebr signature", detect.MBR, func(d []byte) { d[(20480+4096)*512+511] = 0 }},
		{"ebr loop", detect.MBR, func(d []byte) {
			putMBREntry(d[(20480+4096)*512:], 1, false, 0x05, 4096, 2048)
		}},
		{"gpt signature", detect.GPT, func(d []byte) { d[512] = 'X' }},
		{"gpt entry size", detect.GPT, func(d []byte) { binary.LittleEndian.PutUint32(d[512+84:], 64) }},
		{"gpt entry count", detect.GPT, func(d []byte) { binary.LittleEndian.PutUint32(d[512+80:], 1<<20) }},
		{"gpt entries outside", detect.GPT, func(d []byte) { binary.LittleEndian.PutUint64(d[512+72:], 1<<40) }},
		{"gpt backwards", detect.GPT, func(d []byte) { binary.LittleEndian.PutUint64(d[2*512+40:], 10) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk := mbrDisk(t)
			if tt.kind == detect.GPT {
				disk = gptDisk(t)
			}
			tt.damage(disk)
			_, err := Open(bytes.NewReader(disk), int64(len(disk)), tt.kind)
			assert.ErrorIs(t, err, ErrBadTable)
		})
	}

	_, err := Open(bytes.NewReader(nil), 0, detect.Ext4)
	assert.Error(t, err)
	_, err = Open(bytes.NewReader(make([]byte, 100)), 100, detect.MBR)
	assert.ErrorIs(t, err, ErrBadTable)
}

func TestPartitionPastEnd(t *testing.T) {
	disk := mbrDisk(t)
	putMBREntry(disk, 1, false, 0x07, 16384, 65536)
	table, err := Open(bytes.NewReader(disk), int64(len(disk)), detect.MBR)
	require.NoError(t, err)
	p, err := table.Partition(2)
	require.NoError(t, err)
	_, err = table.Reader(p)
	assert.ErrorIs(t, err, ErrBadTable)
}

func TestFormatSize(t *testing.T) {
	tests := map[int64]string{
		0:           "0B",
		1023:        "1023B",
		1536:        "1.5K",
		mib:         "1.0M",
		3 * mib / 2: "1.5M",
		5 << 30:     "5.0G",
		3 << 40:     "3.0T",
		2048 << 40:  "2048.0T",
	}
	for n, want := range tests {
		assert.Equal(t, want, FormatSize(n), "%d", n)
	}
}
