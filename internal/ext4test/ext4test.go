// Package ext4test builds small ext2/3/4 images in memory for tests.
//
// An Image is populated through Mkdir, AddFile, Symlink and friends and then
// serialized with Build. Layout is simple and deterministic: all group
// metadata sits at the start of the image and data blocks are handed out
// in order, so tests can find and damage any structure through the offset
// helpers.
package ext4test

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/lvdlvd/ext4view/internal/dxhash"
)

const (
	SuperblockOffset = 1024

	RootInode  = 2
	firstInode = 11

	extentMagic = 0xF30A

	compatDirIndex = 0x0020

	incompatFiletype = 0x0002
	incompatExtents  = 0x0040
	incompat64Bit    = 0x0080
	incompatLargeDir = 0x4000

	roCompatSparseSuper = 0x0001
	roCompatLargeFile   = 0x0002
	roCompatExtraIsize  = 0x0040
	roCompatMetaCsum    = 0x0400

	inodeFlagIndex   = 0x00001000
	inodeFlagExtents = 0x00080000

	// Directory entry file types.
	TypeRegular   = 1
	TypeDirectory = 2
	TypeChar      = 3
	TypeBlock     = 4
	TypeFIFO      = 5
	TypeSocket    = 6
	TypeSymlink   = 7
)

var typeModes = map[uint8]uint16{
	TypeRegular:   0x8000,
	TypeDirectory: 0x4000,
	TypeChar:      0x2000,
	TypeBlock:     0x6000,
	TypeFIFO:      0x1000,
	TypeSocket:    0xC000,
	TypeSymlink:   0xA000,
}

// Options sets the geometry and features of an image. Zero fields take the
// defaults noted.
type Options struct {
	BlockSize      uint32 // 4096
	InodeSize      uint16 // 256
	BlocksPerGroup uint32 // 2048
	InodesPerGroup uint32 // 256
	Groups         uint32 // 1

	SixtyFourBit bool
	// NoFiletype leaves out the filetype feature: directory entries carry
	// a 16-bit name length and no type.
	NoFiletype bool
	// NoExtents maps files and directories with legacy block pointers.
	NoExtents bool

	HashVersion  dxhash.Version // HalfMD4 unless LegacyHash
	UnsignedHash bool
	HashSeed     [4]uint32
	// IndexThreshold is the number of directory blocks above which a
	// directory gets a hashed index. Zero means never; 1 indexes every
	// directory that does not fit in a single block.
	IndexThreshold int
	// MaxLeafEntries caps the entries per index leaf block; zero packs
	// leaves full.
	MaxLeafEntries int
	LargeDir       bool
	LegacyHash     bool
	// MetadataCsum sets metadata_csum and ends directory blocks in
	// checksum tails as mke2fs does.
	MetadataCsum bool

	Label string
	UUID  [16]byte
	Time  time.Time // 2024-01-02T03:04:05Z
}

func (o *Options) setDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = 4096
	}
	if o.InodeSize == 0 {
		o.InodeSize = 256
	}
	if o.BlocksPerGroup == 0 {
		o.BlocksPerGroup = 2048
	}
	if o.InodesPerGroup == 0 {
		o.InodesPerGroup = 256
	}
	if o.Groups == 0 {
		o.Groups = 1
	}
	if o.HashVersion == 0 && !o.LegacyHash {
		o.HashVersion = dxhash.HalfMD4
	}
	if o.Time.IsZero() {
		o.Time = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	}
}

// Chunk is a block-aligned piece of file content.
type Chunk struct {
	Offset int64
	Data   []byte
	// Uninit marks the extent uninitialized: the blocks are allocated and
	// written but read back as zeros.
	Uninit bool
}

type run struct {
	lblk   uint32
	pblk   uint64
	n      uint32
	uninit bool
}

type entry struct {
	name  string
	ino   uint32
	ftype uint8
}

type node struct {
	mode    uint16
	size    uint64
	links   uint16
	flags   uint32
	block   [60]byte
	nblocks uint64 // filesystem blocks charged to i_blocks
	uid     uint32
	gid     uint32
	mtime   time.Time

	data []uint64 // physical blocks of the content, in logical order
	meta []uint64 // extent leaves and indirect blocks
}

type dir struct {
	ino     uint32
	parent  uint32
	entries []entry
	index   bool
	blocks  []uint64 // logical order, set by Build
}

type groupMeta struct {
	blockBitmap uint64
	inodeBitmap uint64
	inodeTable  uint64
}

// Image is an ext4 image under construction.
type Image struct {
	o        Options
	bs       uint32
	fdb      uint32
	blocks   uint64
	descSize int
	gdtBlock uint64
	itBlocks uint64
	groups   []groupMeta

	buf     []byte
	next    uint64
	nextIno uint32
	nodes   map[uint32]*node
	dirs    map[uint32]*dir
	skipped [][2]uint64
	built   bool

	freeBlocks uint64
	freeInodes uint32
}

// New lays out an empty filesystem containing only the root directory.
// It panics on an impossible geometry.
func New(o Options) *Image {
	o.setDefaults()
	im := &Image{
		o:        o,
		bs:       o.BlockSize,
		descSize: 32,
		nodes:    make(map[uint32]*node),
		dirs:     make(map[uint32]*dir),
		nextIno:  firstInode,
	}
	if o.SixtyFourBit {
		im.descSize = 64
	}
	if im.bs == 1024 {
		im.fdb = 1
	}
	im.blocks = uint64(im.fdb) + uint64(o.Groups)*uint64(o.BlocksPerGroup)
	im.buf = make([]byte, im.blocks*uint64(im.bs))

	im.gdtBlock = uint64(im.fdb) + 1
	im.next = im.gdtBlock + (uint64(o.Groups)*uint64(im.descSize)+uint64(im.bs)-1)/uint64(im.bs)
	im.itBlocks = (uint64(o.InodesPerGroup)*uint64(o.InodeSize) + uint64(im.bs) - 1) / uint64(im.bs)
	for g := uint32(0); g < o.Groups; g++ {
		im.groups = append(im.groups, groupMeta{
			blockBitmap: im.alloc(1),
			inodeBitmap: im.alloc(1),
			inodeTable:  im.alloc(im.itBlocks),
		})
	}

	root := im.newNode(RootInode, 0o755|typeModes[TypeDirectory])
	root.links = 2
	im.dirs[RootInode] = &dir{ino: RootInode, parent: RootInode}
	return im
}

// BlockSize returns the block size of the image.
func (im *Image) BlockSize() uint32 { return im.bs }

// alloc hands out n contiguous blocks.
func (im *Image) alloc(n uint64) uint64 {
	if im.next+n > im.blocks {
		panic(fmt.Sprintf("ext4test: out of blocks (%d of %d used, %d more wanted)", im.next, im.blocks, n))
	}
	b := im.next
	im.next += n
	return b
}

// Skip leaves n blocks unallocated, creating a free range in the bitmap.
func (im *Image) Skip(n uint64) {
	im.alloc(n)
	im.skipped = append(im.skipped, [2]uint64{im.next - n, im.next})
}

func (im *Image) newNode(ino uint32, mode uint16) *node {
	n := &node{mode: mode, links: 1, mtime: im.o.Time}
	im.nodes[ino] = n
	return n
}

func (im *Image) allocInode(mode uint16) (uint32, *node) {
	if im.built {
		panic("ext4test: image already built")
	}
	if im.nextIno > im.o.InodesPerGroup*im.o.Groups {
		panic("ext4test: out of inodes")
	}
	ino := im.nextIno
	im.nextIno++
	return ino, im.newNode(ino, mode)
}

func (im *Image) link(parent uint32, name string, ino uint32, ftype uint8) {
	d, ok := im.dirs[parent]
	if !ok {
		panic(fmt.Sprintf("ext4test: inode %d is not a directory", parent))
	}
	d.entries = append(d.entries, entry{name: name, ino: ino, ftype: ftype})
}

// Mkdir creates a directory and returns its inode number.
func (im *Image) Mkdir(parent uint32, name string) uint32 {
	ino, n := im.allocInode(0o755 | typeModes[TypeDirectory])
	n.links = 2
	im.nodes[parent].links++
	im.dirs[ino] = &dir{ino: ino, parent: parent}
	im.link(parent, name, ino, TypeDirectory)
	return ino
}

// AddFile creates a regular file with contiguous content.
func (im *Image) AddFile(parent uint32, name string, data []byte) uint32 {
	var chunks []Chunk
	if len(data) > 0 {
		chunks = []Chunk{{Data: data}}
	}
	return im.AddSparseFile(parent, name, int64(len(data)), chunks)
}

// AddSparseFile creates a regular file of the given size whose content is
// the chunks; everything else is a hole.
func (im *Image) AddSparseFile(parent uint32, name string, size int64, chunks []Chunk) uint32 {
	ino, n := im.allocInode(0o644 | typeModes[TypeRegular])
	n.size = uint64(size)
	im.writeContent(n, chunks, im.o.NoExtents)
	im.link(parent, name, ino, TypeRegular)
	return ino
}

// AddIndirectFile creates a regular file mapped with legacy block pointers
// regardless of Options.NoExtents.
func (im *Image) AddIndirectFile(parent uint32, name string, size int64, chunks []Chunk) uint32 {
	ino, n := im.allocInode(0o644 | typeModes[TypeRegular])
	n.size = uint64(size)
	im.writeContent(n, chunks, true)
	im.link(parent, name, ino, TypeRegular)
	return ino
}

// Symlink creates a symbolic link. Targets shorter than 60 bytes are stored
// in the inode.
func (im *Image) Symlink(parent uint32, name, target string) uint32 {
	ino, n := im.allocInode(0o777 | typeModes[TypeSymlink])
	n.size = uint64(len(target))
	if len(target) < len(n.block) {
		copy(n.block[:], target)
	} else {
		im.writeContent(n, []Chunk{{Data: []byte(target)}}, im.o.NoExtents)
	}
	im.link(parent, name, ino, TypeSymlink)
	return ino
}

// Mknod creates a special file of the given directory entry type.
func (im *Image) Mknod(parent uint32, name string, ftype uint8) uint32 {
	ino, _ := im.allocInode(0o644 | typeModes[ftype])
	im.link(parent, name, ino, ftype)
	return ino
}

// Link adds another name for an existing non-directory inode.
func (im *Image) Link(parent uint32, name string, ino uint32) {
	n := im.nodes[ino]
	n.links++
	var ftype uint8
	for t, m := range typeModes {
		if n.mode&0xF000 == m {
			ftype = t
		}
	}
	im.link(parent, name, ino, ftype)
}

// SetOwner sets the owner of an inode; ids above 16 bits use the high
// halves.
func (im *Image) SetOwner(ino, uid, gid uint32) {
	im.nodes[ino].uid, im.nodes[ino].gid = uid, gid
}

// SetMode replaces the permission bits of an inode.
func (im *Image) SetMode(ino uint32, perm uint16) {
	n := im.nodes[ino]
	n.mode = n.mode&0xF000 | perm&0o7777
}

// SetMTime sets the modification time of an inode.
func (im *Image) SetMTime(ino uint32, t time.Time) {
	im.nodes[ino].mtime = t
}

// writeContent allocates and fills the chunks and maps them into n.
func (im *Image) writeContent(n *node, chunks []Chunk, indirect bool) {
	bs := int64(im.bs)
	var runs []run
	for _, c := range chunks {
		if c.Offset%bs != 0 {
			panic("ext4test: chunk offset not block aligned")
		}
		nb := (int64(len(c.Data)) + bs - 1) / bs
		if nb == 0 {
			continue
		}
		p := im.alloc(uint64(nb))
		copy(im.buf[int64(p)*bs:], c.Data)
		for i := int64(0); i < nb; i++ {
			n.data = append(n.data, p+uint64(i))
		}
		n.nblocks += uint64(nb)
		lblk := uint32(c.Offset / bs)
		for nb > 0 {
			k := min(nb, 32768)
			if c.Uninit {
				k = min(k, 32767)
			}
			runs = append(runs, run{lblk: lblk, pblk: p, n: uint32(k), uninit: c.Uninit})
			lblk += uint32(k)
			p += uint64(k)
			nb -= k
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].lblk < runs[j].lblk })

	if indirect {
		im.mapIndirect(n, runs)
	} else {
		im.mapExtents(n, runs)
	}
}

func putExtentHeader(b []byte, entries, limit, depth int) {
	le := binary.LittleEndian
	le.PutUint16(b[0:2], extentMagic)
	le.PutUint16(b[2:4], uint16(entries))
	le.PutUint16(b[4:6], uint16(limit))
	le.PutUint16(b[6:8], uint16(depth))
}

func putExtent(b []byte, r run) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], r.lblk)
	l := uint16(r.n)
	if r.uninit {
		l += 32768
	}
	le.PutUint16(b[4:6], l)
	le.PutUint16(b[6:8], uint16(r.pblk>>32))
	le.PutUint32(b[8:12], uint32(r.pblk))
}

// mapExtents stores runs as an extent tree: inline when there are at most
// four, otherwise one level of leaf blocks under the inode.
func (im *Image) mapExtents(n *node, runs []run) {
	n.flags |= inodeFlagExtents
	n.block = [60]byte{}
	if len(runs) <= 4 {
		putExtentHeader(n.block[:], len(runs), 4, 0)
		for i, r := range runs {
			putExtent(n.block[12+12*i:], r)
		}
		return
	}

	perLeaf := int(im.bs-12) / 12
	var leaves [][]run
	for len(runs) > 0 {
		k := min(len(runs), perLeaf)
		leaves = append(leaves, runs[:k])
		runs = runs[k:]
	}
	if len(leaves) > 4 {
		panic("ext4test: too many extents")
	}
	putExtentHeader(n.block[:], len(leaves), 4, 1)
	le := binary.LittleEndian
	for i, leaf := range leaves {
		blk := im.alloc(1)
		n.meta = append(n.meta, blk)
		n.nblocks++
		b := im.block(blk)
		putExtentHeader(b, len(leaf), perLeaf, 0)
		for j, r := range leaf {
			putExtent(b[12+12*j:], r)
		}
		idx := n.block[12+12*i:]
		first := leaf[0].lblk
		if i == 0 {
			first = 0
		}
		le.PutUint32(idx[0:4], first)
		le.PutUint32(idx[4:8], uint32(blk))
		le.PutUint16(idx[8:10], uint16(blk>>32))
	}
}

// mapIndirect stores runs in the legacy block map, allocating indirect
// blocks as needed.
func (im *Image) mapIndirect(n *node, runs []run) {
	n.flags &^= inodeFlagExtents
	n.block = [60]byte{}
	le := binary.LittleEndian
	ppb := uint64(im.bs / 4)

	// slot returns where the pointer for lblk lives, allocating indirect
	// blocks on the way.
	var walk func(ptr []byte, level int, rel uint64) []byte
	walk = func(ptr []byte, level int, rel uint64) []byte {
		if level == 0 {
			return ptr
		}
		blk := uint64(le.Uint32(ptr))
		if blk == 0 {
			blk = im.alloc(1)
			n.meta = append(n.meta, blk)
			n.nblocks++
			le.PutUint32(ptr, uint32(blk))
		}
		span := uint64(1)
		for i := 1; i < level; i++ {
			span *= ppb
		}
		b := im.block(blk)
		return walk(b[4*(rel/span):], level-1, rel%span)
	}

	for _, r := range runs {
		if r.uninit {
			panic("ext4test: uninitialized blocks need extents")
		}
		for i := uint32(0); i < r.n; i++ {
			lblk := uint64(r.lblk + i)
			var ptr []byte
			switch rel := lblk - 12; {
			case lblk < 12:
				ptr = n.block[4*lblk:]
			case rel < ppb:
				ptr = walk(n.block[48:], 1, rel)
			case rel-ppb < ppb*ppb:
				ptr = walk(n.block[52:], 2, rel-ppb)
			default:
				ptr = walk(n.block[56:], 3, rel-ppb-ppb*ppb)
			}
			le.PutUint32(ptr, uint32(r.pblk+uint64(i)))
		}
	}
}

func (im *Image) block(blk uint64) []byte {
	off := blk * uint64(im.bs)
	return im.buf[off : off+uint64(im.bs)]
}

// BlockOffset returns the byte offset of a block.
func (im *Image) BlockOffset(blk uint64) int64 { return int64(blk) * int64(im.bs) }

// InodeOffset returns the byte offset of an inode record.
func (im *Image) InodeOffset(ino uint32) int64 {
	g := (ino - 1) / im.o.InodesPerGroup
	i := (ino - 1) % im.o.InodesPerGroup
	return im.BlockOffset(im.groups[g].inodeTable) + int64(i)*int64(im.o.InodeSize)
}

// DescriptorOffset returns the byte offset of a group descriptor.
func (im *Image) DescriptorOffset(group uint32) int64 {
	return im.BlockOffset(im.gdtBlock) + int64(group)*int64(im.descSize)
}

// DataBlocks returns the physical blocks holding the content of ino, in
// logical order. For directories it is valid after Build.
func (im *Image) DataBlocks(ino uint32) []uint64 { return im.nodes[ino].data }

// MetaBlocks returns the extent leaves or indirect blocks of ino.
func (im *Image) MetaBlocks(ino uint32) []uint64 { return im.nodes[ino].meta }

// DirBlocks returns the blocks of a directory in logical order; with an
// index, block 0 is the dx root. Valid after Build.
func (im *Image) DirBlocks(ino uint32) []uint64 { return im.dirs[ino].blocks }

// Indexed reports whether Build gave the directory a hashed index.
func (im *Image) Indexed(ino uint32) bool { return im.dirs[ino].index }

// Build writes the directories, inodes, bitmaps, descriptors and the
// superblock, and returns the image. The Image must not be modified after.
func (im *Image) Build() []byte {
	if im.built {
		return im.buf
	}
	for _, ino := range slices.Sorted(maps.Keys(im.dirs)) {
		im.writeDir(im.dirs[ino])
	}
	im.built = true
	for ino, n := range im.nodes {
		im.writeInode(ino, n)
	}
	im.writeGroups()
	im.writeSuperblock()
	return im.buf
}

func (im *Image) writeInode(ino uint32, n *node) {
	le := binary.LittleEndian
	b := im.buf[im.InodeOffset(ino):][:im.o.InodeSize]
	le.PutUint16(b[0x00:], n.mode)
	le.PutUint16(b[0x02:], uint16(n.uid))
	le.PutUint32(b[0x04:], uint32(n.size))
	t := uint32(im.o.Time.Unix())
	le.PutUint32(b[0x08:], t)
	le.PutUint32(b[0x0C:], t)
	le.PutUint32(b[0x10:], uint32(n.mtime.Unix()))
	le.PutUint16(b[0x18:], uint16(n.gid))
	le.PutUint16(b[0x1A:], n.links)
	le.PutUint32(b[0x1C:], uint32(n.nblocks*uint64(im.bs)/512))
	le.PutUint32(b[0x20:], n.flags)
	copy(b[0x28:0x64], n.block[:])
	le.PutUint32(b[0x6C:], uint32(n.size>>32))
	le.PutUint16(b[0x78:], uint16(n.uid>>16))
	le.PutUint16(b[0x7A:], uint16(n.gid>>16))
	if im.o.InodeSize >= 160 {
		le.PutUint16(b[0x80:], 32)
		le.PutUint32(b[0x88:], timeExtra(n.mtime))
		le.PutUint32(b[0x90:], t)
	}
}

// timeExtra encodes the nanoseconds and epoch bits of t; the low 32 bits
// of the seconds are stored signed in the base field.
func timeExtra(t time.Time) uint32 {
	sec := t.Unix()
	epoch := (sec - int64(int32(uint32(sec)))) >> 32
	return uint32(t.Nanosecond())<<2 | uint32(epoch)&3
}

func (im *Image) writeGroups() {
	le := binary.LittleEndian
	bpg := uint64(im.o.BlocksPerGroup)
	ipg := im.o.InodesPerGroup
	var freeBlocks uint64
	var freeInodes uint32

	for g, gm := range im.groups {
		first := uint64(im.fdb) + uint64(g)*bpg
		bb := im.block(gm.blockBitmap)
		free := uint32(0)
		for i := uint64(0); i < uint64(im.bs)*8; i++ {
			blk := first + i
			used := i >= bpg || blk < im.next && !im.isSkipped(blk)
			if used {
				bb[i/8] |= 1 << (i % 8)
			} else {
				free++
			}
		}

		ib := im.block(gm.inodeBitmap)
		ifree := uint32(0)
		for i := uint32(0); i < uint32(im.bs)*8; i++ {
			ino := uint32(g)*ipg + i + 1
			if i >= ipg || ino < firstInode || im.nodes[ino] != nil {
				ib[i/8] |= 1 << (i % 8)
			} else {
				ifree++
			}
		}

		dirs := uint32(0)
		for ino := range im.dirs {
			if (ino-1)/ipg == uint32(g) {
				dirs++
			}
		}

		d := im.buf[im.DescriptorOffset(uint32(g)):][:im.descSize]
		le.PutUint32(d[0x00:], uint32(gm.blockBitmap))
		le.PutUint32(d[0x04:], uint32(gm.inodeBitmap))
		le.PutUint32(d[0x08:], uint32(gm.inodeTable))
		le.PutUint16(d[0x0C:], uint16(free))
		le.PutUint16(d[0x0E:], uint16(ifree))
		le.PutUint16(d[0x10:], uint16(dirs))
		if im.descSize >= 64 {
			le.PutUint32(d[0x20:], uint32(gm.blockBitmap>>32))
			le.PutUint32(d[0x24:], uint32(gm.inodeBitmap>>32))
			le.PutUint32(d[0x28:], uint32(gm.inodeTable>>32))
			le.PutUint16(d[0x2C:], uint16(free>>16))
			le.PutUint16(d[0x2E:], uint16(ifree>>16))
			le.PutUint16(d[0x30:], uint16(dirs>>16))
		}
		freeBlocks += uint64(free)
		freeInodes += ifree
	}
	im.freeBlocks, im.freeInodes = freeBlocks, freeInodes
}

func (im *Image) isSkipped(blk uint64) bool {
	for _, r := range im.skipped {
		if blk >= r[0] && blk < r[1] {
			return true
		}
	}
	return false
}

func (im *Image) writeSuperblock() {
	le := binary.LittleEndian
	o := im.o
	sb := im.buf[SuperblockOffset : SuperblockOffset+1024]
	logBS := uint32(0)
	for 1024<<logBS < im.bs {
		logBS++
	}
	t := uint32(o.Time.Unix())

	le.PutUint32(sb[0x00:], o.InodesPerGroup*o.Groups)
	le.PutUint32(sb[0x04:], uint32(im.blocks))
	le.PutUint32(sb[0x0C:], uint32(im.freeBlocks))
	le.PutUint32(sb[0x10:], im.freeInodes)
	le.PutUint32(sb[0x14:], im.fdb)
	le.PutUint32(sb[0x18:], logBS)
	le.PutUint32(sb[0x1C:], logBS)
	le.PutUint32(sb[0x20:], o.BlocksPerGroup)
	le.PutUint32(sb[0x24:], o.BlocksPerGroup)
	le.PutUint32(sb[0x28:], o.InodesPerGroup)
	le.PutUint32(sb[0x2C:], t)
	le.PutUint32(sb[0x30:], t)
	le.PutUint16(sb[0x36:], 0xFFFF)
	le.PutUint16(sb[0x38:], 0xEF53)
	le.PutUint16(sb[0x3A:], 1) // clean
	le.PutUint16(sb[0x3C:], 1) // continue on errors
	le.PutUint32(sb[0x4C:], 1) // dynamic revision
	le.PutUint32(sb[0x54:], firstInode)
	le.PutUint16(sb[0x58:], o.InodeSize)

	compat := uint32(0)
	if o.IndexThreshold > 0 {
		compat |= compatDirIndex
	}
	incompat := uint32(0)
	if !o.NoFiletype {
		incompat |= incompatFiletype
	}
	if !o.NoExtents {
		incompat |= incompatExtents
	}
	if o.SixtyFourBit {
		incompat |= incompat64Bit
		le.PutUint32(sb[0x150:], uint32(im.blocks>>32))
		le.PutUint32(sb[0x158:], uint32(im.freeBlocks>>32))
		le.PutUint16(sb[0xFE:], uint16(im.descSize))
	}
	if o.LargeDir {
		incompat |= incompatLargeDir
	}
	ro := uint32(roCompatSparseSuper | roCompatLargeFile)
	if o.InodeSize >= 160 {
		ro |= roCompatExtraIsize
		le.PutUint16(sb[0x15C:], 32)
		le.PutUint16(sb[0x15E:], 32)
	}
	if o.MetadataCsum {
		ro |= roCompatMetaCsum
		sb[0x175] = 1 // crc32c
	}
	le.PutUint32(sb[0x5C:], compat)
	le.PutUint32(sb[0x60:], incompat)
	le.PutUint32(sb[0x64:], ro)
	copy(sb[0x68:0x78], o.UUID[:])
	copy(sb[0x78:0x88], o.Label)
	for i, w := range o.HashSeed {
		le.PutUint32(sb[0xEC+4*i:], w)
	}
	sb[0xFC] = uint8(o.HashVersion)
	flags := uint32(0x1) // signed hash
	if o.UnsignedHash {
		flags = 0x2
	}
	le.PutUint32(sb[0x160:], flags)
}
