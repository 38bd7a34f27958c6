package ext4test

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/lvdlvd/ext4view/internal/dxhash"
)

func recLen(name string) int { return 8 + (len(name)+3)&^3 }

// putDirent writes e at b with record length rl.
func (im *Image) putDirent(b []byte, e entry, rl int) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], e.ino)
	le.PutUint16(b[4:6], uint16(rl))
	if im.o.NoFiletype {
		le.PutUint16(b[6:8], uint16(len(e.name)))
	} else {
		b[6] = uint8(len(e.name))
		b[7] = e.ftype
	}
	copy(b[8:], e.name)
}

// Checksum tails of metadata_csum directories: a fake dirent at the end of
// each leaf block and eight bytes at the end of each index block.
const (
	direntTailSize = 12
	dxTailSize     = 8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// leafSpace is the room for entries in a directory leaf block.
func (im *Image) leafSpace() int {
	if im.o.MetadataCsum {
		return int(im.bs) - direntTailSize
	}
	return int(im.bs)
}

// putTail writes the checksum tail of a leaf block. The checksum is a plain
// crc32c of the entries; nothing here verifies it.
func (im *Image) putTail(b []byte) {
	if !im.o.MetadataCsum {
		return
	}
	le := binary.LittleEndian
	space := im.leafSpace()
	t := b[space:]
	le.PutUint32(t[0:4], 0)
	le.PutUint16(t[4:6], direntTailSize)
	t[6] = 0
	t[7] = 0xDE
	le.PutUint32(t[8:12], crc32.Checksum(b[:space], castagnoli))
}

// packBlocks lays entries out linearly, the last entry of each block
// taking the rest of it. limit caps the entries per block when positive.
// It returns the blocks and the index of the first entry of each.
func (im *Image) packBlocks(entries []entry, limit int) ([][]byte, []int) {
	bs := int(im.bs)
	space := im.leafSpace()
	var (
		blocks [][]byte
		starts []int
		cur    []byte
		off    int
		last   int // offset of the previous entry in cur
		count  int
	)
	flush := func() {
		if cur == nil {
			return
		}
		binary.LittleEndian.PutUint16(cur[last+4:], uint16(space-last))
		im.putTail(cur)
		blocks = append(blocks, cur)
		cur = nil
	}
	for i, e := range entries {
		rl := recLen(e.name)
		if cur == nil || off+rl > space || limit > 0 && count == limit {
			flush()
			cur = make([]byte, bs)
			off, count = 0, 0
			starts = append(starts, i)
		}
		im.putDirent(cur[off:], e, rl)
		last = off
		off += rl
		count++
	}
	flush()
	if len(blocks) == 0 {
		b := make([]byte, bs)
		binary.LittleEndian.PutUint16(b[4:6], uint16(space))
		im.putTail(b)
		blocks = append(blocks, b)
		starts = append(starts, 0)
	}
	return blocks, starts
}

// emptyBlock holds a single unused entry spanning the block.
func emptyBlock(bs int) []byte {
	b := make([]byte, bs)
	binary.LittleEndian.PutUint16(b[4:6], uint16(bs))
	return b
}

func (im *Image) dots(d *dir) []entry {
	return []entry{
		{name: ".", ino: d.ino, ftype: TypeDirectory},
		{name: "..", ino: d.parent, ftype: TypeDirectory},
	}
}

func (im *Image) writeDir(d *dir) {
	linear, _ := im.packBlocks(append(im.dots(d), d.entries...), 0)
	var blocks [][]byte
	if im.o.IndexThreshold > 0 && len(linear) > im.o.IndexThreshold {
		d.index = true
		blocks = im.indexedBlocks(d)
	} else {
		blocks = linear
	}

	data := make([]byte, 0, len(blocks)*int(im.bs))
	for _, b := range blocks {
		data = append(data, b...)
	}
	n := im.nodes[d.ino]
	n.size = uint64(len(data))
	im.writeContent(n, []Chunk{{Data: data}}, im.o.NoExtents)
	if d.index {
		n.flags |= inodeFlagIndex
	}
	d.blocks = n.data
}

type hashed struct {
	entry
	major, minor uint32
}

// dxPair is one (hash, logical block) pair of an index node.
type dxPair struct {
	hash  uint32
	block uint32
}

// indexedBlocks returns the blocks of a directory with a hashed index:
// the dx root, then the leaves, then any interior nodes.
func (im *Image) indexedBlocks(d *dir) [][]byte {
	version := im.o.HashVersion
	if im.o.UnsignedHash {
		version = version.Unsigned()
	}
	hs := make([]hashed, 0, len(d.entries))
	for _, e := range d.entries {
		major, minor, ok := dxhash.Hash([]byte(e.name), version, im.o.HashSeed)
		if !ok {
			panic(fmt.Sprintf("ext4test: cannot index with hash %v", version))
		}
		hs = append(hs, hashed{e, major, minor})
	}
	sort.SliceStable(hs, func(i, j int) bool {
		if hs[i].major != hs[j].major {
			return hs[i].major < hs[j].major
		}
		return hs[i].minor < hs[j].minor
	})
	sorted := make([]entry, len(hs))
	for i, h := range hs {
		sorted[i] = h.entry
	}

	leaves, starts := im.packBlocks(sorted, im.o.MaxLeafEntries)
	pairs := make([]dxPair, len(leaves))
	for i, s := range starts {
		pairs[i].block = uint32(1 + i)
		if i == 0 || len(hs) == 0 {
			continue
		}
		h := hs[s].major
		if hs[s-1].major == h {
			h |= 1 // continuation of a collision run
		}
		pairs[i].hash = h
	}

	bs := int(im.bs)
	tail := 0
	if im.o.MetadataCsum {
		tail = dxTailSize
	}
	rootLimit := (bs - 32 - tail) / 8
	nodeLimit := (bs - 8 - tail) / 8
	blocks := append([][]byte{nil}, leaves...)
	levels := 0
	if len(pairs) > rootLimit {
		levels = 1
		var up []dxPair
		for len(pairs) > 0 {
			k := min(len(pairs), nodeLimit)
			node := emptyBlock(bs)
			putDxEntries(node[8:], pairs[:k], nodeLimit)
			up = append(up, dxPair{hash: pairs[0].hash, block: uint32(len(blocks))})
			blocks = append(blocks, node)
			pairs = pairs[k:]
		}
		if len(up) > rootLimit {
			panic("ext4test: directory too large for one index level")
		}
		pairs = up
	}

	root := make([]byte, bs)
	im.putDirent(root, entry{name: ".", ino: d.ino, ftype: TypeDirectory}, 12)
	im.putDirent(root[12:], entry{name: "..", ino: d.parent, ftype: TypeDirectory}, bs-12)
	root[24+4] = uint8(im.o.HashVersion)
	root[24+5] = 8
	root[24+6] = uint8(levels)
	putDxEntries(root[32:], pairs, rootLimit)
	blocks[0] = root
	return blocks
}

// putDxEntries writes the count/limit header and the pairs. The first
// pair's hash slot holds the header.
func putDxEntries(b []byte, pairs []dxPair, limit int) {
	le := binary.LittleEndian
	le.PutUint16(b[0:2], uint16(limit))
	le.PutUint16(b[2:4], uint16(len(pairs)))
	for i, p := range pairs {
		if i > 0 {
			le.PutUint32(b[8*i:], p.hash)
		}
		le.PutUint32(b[8*i+4:], p.block)
	}
}
