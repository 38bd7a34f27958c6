package ext4

import (
	"encoding/binary"
	"sort"
)

const (
	extentMagic      = 0xF30A
	extentHeaderSize = 12
	extentEntrySize  = 12

	// The kernel never builds trees deeper than this.
	maxExtentDepth = 5

	// ee_len values above this mark an uninitialized extent of length
	// ee_len - initMaxLen.
	initMaxLen = 32768
)

// extentNode is a decoded view of one node of an extent tree: the header
// plus the raw entry bytes, which are decoded on access.
type extentNode struct {
	entries int
	depth   uint16
	data    []byte
}

// parseExtentNode validates the header at the start of data. The entries
// must fit in data and be strictly increasing by logical block.
func parseExtentNode(data []byte, ino uint32) (extentNode, error) {
	if len(data) < extentHeaderSize {
		return extentNode{}, corruptf("inode %d: extent node of %d bytes", ino, len(data))
	}
	le := binary.LittleEndian
	if magic := le.Uint16(data[0:2]); magic != extentMagic {
		return extentNode{}, corruptf("inode %d: bad extent magic %#04x", ino, magic)
	}
	n := extentNode{
		entries: int(le.Uint16(data[2:4])),
		depth:   le.Uint16(data[6:8]),
		data:    data,
	}
	limit := int(le.Uint16(data[4:6]))
	if capacity := (len(data) - extentHeaderSize) / extentEntrySize; limit > capacity {
		return extentNode{}, corruptf("inode %d: extent node claims %d entries, room for %d", ino, limit, capacity)
	}
	if n.entries > limit {
		return extentNode{}, corruptf("inode %d: extent node has %d entries, max %d", ino, n.entries, limit)
	}
	if n.depth > maxExtentDepth {
		return extentNode{}, corruptf("inode %d: extent tree depth %d", ino, n.depth)
	}
	for i := 1; i < n.entries; i++ {
		if n.key(i) <= n.key(i-1) {
			return extentNode{}, corruptf("inode %d: extent entries out of order", ino)
		}
	}
	return n, nil
}

func (n extentNode) entry(i int) []byte {
	off := extentHeaderSize + i*extentEntrySize
	return n.data[off : off+extentEntrySize]
}

// key is the first logical block covered by entry i.
func (n extentNode) key(i int) uint32 {
	return binary.LittleEndian.Uint32(n.entry(i)[0:4])
}

// search returns the last entry whose key is <= lblk, or -1.
func (n extentNode) search(lblk uint32) int {
	return sort.Search(n.entries, func(i int) bool { return n.key(i) > lblk }) - 1
}

// child returns the block holding the node referenced by index entry i.
func (n extentNode) child(i int) uint64 {
	e := n.entry(i)
	le := binary.LittleEndian
	return uint64(le.Uint32(e[4:8])) | uint64(le.Uint16(e[8:10]))<<32
}

type leafExtent struct {
	lblk   uint32
	len    uint32
	pblk   uint64
	uninit bool
}

func (n extentNode) leaf(i int) leafExtent {
	e := n.entry(i)
	le := binary.LittleEndian
	x := leafExtent{
		lblk: le.Uint32(e[0:4]),
		len:  uint32(le.Uint16(e[4:6])),
		pblk: uint64(le.Uint32(e[8:12])) | uint64(le.Uint16(e[6:8]))<<32,
	}
	if x.len > initMaxLen {
		x.len -= initMaxLen
		x.uninit = true
	}
	return x
}

// checkLeaf validates the extent against the filesystem bounds.
func (f *FS) checkLeaf(x leafExtent, ino uint32) error {
	if x.len == 0 {
		return corruptf("inode %d: zero-length extent at block %d", ino, x.lblk)
	}
	if uint64(x.lblk)+uint64(x.len) > 1<<32 {
		return corruptf("inode %d: extent at block %d overflows the logical range", ino, x.lblk)
	}
	if x.pblk >= f.sb.blocksCount || f.sb.blocksCount-x.pblk < uint64(x.len) {
		return corruptf("inode %d: extent %d+%d beyond end of filesystem", ino, x.pblk, x.len)
	}
	return nil
}

// extentChild reads the node referenced by index entry i of parent. visited
// holds every node block seen on the way down; a repeat is a cycle.
func (f *FS) extentChild(parent extentNode, i int, ino uint32, visited map[uint64]bool) (extentNode, error) {
	blk := parent.child(i)
	if blk >= f.sb.blocksCount {
		return extentNode{}, corruptf("inode %d: extent node at block %d beyond end of filesystem", ino, blk)
	}
	if visited[blk] {
		return extentNode{}, corruptf("inode %d: extent tree revisits block %d", ino, blk)
	}
	visited[blk] = true

	data, err := f.readBlock(blk)
	if err != nil {
		return extentNode{}, err
	}
	n, err := parseExtentNode(data, ino)
	if err != nil {
		return extentNode{}, err
	}
	if n.depth+1 != parent.depth {
		return extentNode{}, corruptf("inode %d: extent node at block %d has depth %d under depth %d", ino, blk, n.depth, parent.depth)
	}
	return n, nil
}

// extentMap maps a logical block through the extent tree rooted in ino.
// Blocks that no extent covers, and blocks of uninitialized extents, are
// holes.
func (f *FS) extentMap(ino *inode, lblk uint32) (pblk uint64, mapped bool, err error) {
	n, err := parseExtentNode(ino.block[:], ino.num)
	if err != nil {
		return 0, false, err
	}
	visited := make(map[uint64]bool)
	for {
		i := n.search(lblk)
		if i < 0 {
			return 0, false, nil
		}
		if n.depth == 0 {
			x := n.leaf(i)
			if err := f.checkLeaf(x, ino.num); err != nil {
				return 0, false, err
			}
			if lblk-x.lblk >= x.len || x.uninit {
				return 0, false, nil
			}
			return x.pblk + uint64(lblk-x.lblk), true, nil
		}
		if n, err = f.extentChild(n, i, ino.num, visited); err != nil {
			return 0, false, err
		}
	}
}

// extentWalk calls fn for every extent of the tree rooted in ino, in logical
// order. The walk is an explicit depth-first traversal; every node is
// checked against the key range its parent assigns it, so extents never
// overlap.
func (f *FS) extentWalk(ino *inode, fn func(leafExtent) error) error {
	root, err := parseExtentNode(ino.block[:], ino.num)
	if err != nil {
		return err
	}

	type frame struct {
		node extentNode
		next int
		// Keys of this node must lie in [lo, hi).
		lo, hi uint64
	}
	stack := []frame{{node: root, hi: 1 << 32}}
	visited := make(map[uint64]bool)
	var end uint64 // first logical block not yet covered

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= top.node.entries {
			stack = stack[:len(stack)-1]
			continue
		}
		i := top.next
		top.next++

		key := uint64(top.node.key(i))
		if key < top.lo || key >= top.hi {
			return corruptf("inode %d: extent key %d outside parent range [%d, %d)", ino.num, key, top.lo, top.hi)
		}
		hi := top.hi
		if i+1 < top.node.entries {
			hi = uint64(top.node.key(i + 1))
		}

		if top.node.depth == 0 {
			x := top.node.leaf(i)
			if err := f.checkLeaf(x, ino.num); err != nil {
				return err
			}
			if key < end || key+uint64(x.len) > hi {
				return corruptf("inode %d: overlapping extent at block %d", ino.num, key)
			}
			end = key + uint64(x.len)
			if err := fn(x); err != nil {
				return err
			}
			continue
		}

		child, err := f.extentChild(top.node, i, ino.num, visited)
		if err != nil {
			return err
		}
		stack = append(stack, frame{node: child, lo: key, hi: hi})
	}
	return nil
}
