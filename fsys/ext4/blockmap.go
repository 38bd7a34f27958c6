package ext4

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lvdlvd/ext4view/fsys"
)

// Slots of i_block in an inode without the extents flag.
const (
	directBlocks   = 12
	singleIndirect = 12
	doubleIndirect = 13
	tripleIndirect = 14
)

// errStopWalk ends a block walk early without error.
var errStopWalk = errors.New("stop walk")

// mapBlock maps logical block lblk of ino to a physical block. mapped is
// false for holes.
func (f *FS) mapBlock(ino *inode, lblk uint32) (pblk uint64, mapped bool, err error) {
	if err := ino.checkData(); err != nil {
		return 0, false, err
	}
	if ino.flags&inodeFlagExtents != 0 {
		return f.extentMap(ino, lblk)
	}
	return f.indirectMap(ino, lblk)
}

// indirectMap resolves lblk through the legacy block map: twelve direct
// pointers followed by single, double and triple indirect blocks, each
// holding blockSize/4 pointers. A zero pointer at any level is a hole.
func (f *FS) indirectMap(ino *inode, lblk uint32) (uint64, bool, error) {
	le := binary.LittleEndian
	slot := func(i int) uint32 { return le.Uint32(ino.block[4*i:]) }

	if lblk < directBlocks {
		return f.checkPointer(ino, slot(int(lblk)))
	}

	ppb := uint64(f.sb.blockSize / 4)
	rel := uint64(lblk) - directBlocks
	var (
		root  uint32
		level int
	)
	switch {
	case rel < ppb:
		root, level = slot(singleIndirect), 1
	case rel-ppb < ppb*ppb:
		rel -= ppb
		root, level = slot(doubleIndirect), 2
	case rel-ppb-ppb*ppb < ppb*ppb*ppb:
		rel -= ppb + ppb*ppb
		root, level = slot(tripleIndirect), 3
	default:
		return 0, false, corruptf("inode %d: block %d beyond the reach of indirect blocks", ino.num, lblk)
	}

	ptr := root
	for ; level > 0; level-- {
		pblk, mapped, err := f.checkPointer(ino, ptr)
		if err != nil || !mapped {
			return 0, false, err
		}
		data, err := f.readBlock(pblk)
		if err != nil {
			return 0, false, err
		}
		span := uint64(1)
		for i := 1; i < level; i++ {
			span *= ppb
		}
		idx := rel / span
		rel %= span
		ptr = le.Uint32(data[4*idx:])
	}
	return f.checkPointer(ino, ptr)
}

func (f *FS) checkPointer(ino *inode, ptr uint32) (uint64, bool, error) {
	if ptr == 0 {
		return 0, false, nil
	}
	if uint64(ptr) >= f.sb.blocksCount {
		return 0, false, corruptf("inode %d: block pointer %d beyond end of filesystem", ino.num, ptr)
	}
	return uint64(ptr), true, nil
}

// indirectWalk calls fn(lblk, pblk) for every mapped block of ino below
// nblocks, in logical order. An indirect block reached twice, or more
// mapped blocks than the filesystem has, is corruption.
func (f *FS) indirectWalk(ino *inode, nblocks uint64, fn func(lblk, pblk uint64) error) error {
	le := binary.LittleEndian
	ppb := uint64(f.sb.blockSize / 4)
	visited := make(map[uint64]bool)
	var mappedBlocks uint64

	var walk func(ptr uint32, level int, lblk uint64) error
	walk = func(ptr uint32, level int, lblk uint64) error {
		if lblk >= nblocks {
			return errStopWalk
		}
		pblk, mapped, err := f.checkPointer(ino, ptr)
		if err != nil || !mapped {
			return err
		}
		if level == 0 {
			mappedBlocks++
			if mappedBlocks > f.sb.blocksCount {
				return corruptf("inode %d: maps more blocks than the filesystem holds", ino.num)
			}
			return fn(lblk, pblk)
		}
		if visited[pblk] {
			return corruptf("inode %d: indirect block %d reached twice", ino.num, pblk)
		}
		visited[pblk] = true
		data, err := f.readBlock(pblk)
		if err != nil {
			return err
		}
		span := uint64(1)
		for i := 1; i < level; i++ {
			span *= ppb
		}
		for i := uint64(0); i < ppb; i++ {
			if err := walk(le.Uint32(data[4*i:]), level-1, lblk+i*span); err != nil {
				return err
			}
		}
		return nil
	}

	lblk := uint64(0)
	for i := 0; i < directBlocks; i++ {
		if err := walk(le.Uint32(ino.block[4*i:]), 0, lblk); err != nil {
			return err
		}
		lblk++
	}
	span := ppb
	for i, level := singleIndirect, 1; i <= tripleIndirect; i, level = i+1, level+1 {
		if err := walk(le.Uint32(ino.block[4*i:]), level, lblk); err != nil {
			return err
		}
		lblk += span
		span *= ppb
	}
	return nil
}

// fileExtents returns the byte-level mapping of the content of ino, clipped
// to its size. Holes and uninitialized extents are absent from the result;
// physically contiguous runs are merged.
func (f *FS) fileExtents(ino *inode) ([]fsys.Extent, error) {
	if err := ino.checkData(); err != nil {
		return nil, err
	}

	bs := int64(f.sb.blockSize)
	size := int64(ino.size)
	var extents []fsys.Extent
	add := func(lblk, pblk, n uint64) error {
		e := fsys.Extent{Logical: int64(lblk) * bs, Physical: int64(pblk) * bs, Length: int64(n) * bs}
		if e.Logical >= size {
			return errStopWalk
		}
		e.Length = min(e.Length, size-e.Logical)
		if k := len(extents); k > 0 {
			last := &extents[k-1]
			if last.Logical+last.Length == e.Logical && last.Physical+last.Length == e.Physical {
				last.Length += e.Length
				return nil
			}
		}
		extents = append(extents, e)
		return nil
	}

	var err error
	if ino.flags&inodeFlagExtents != 0 {
		err = f.extentWalk(ino, func(x leafExtent) error {
			if x.uninit {
				return nil
			}
			return add(uint64(x.lblk), x.pblk, uint64(x.len))
		})
	} else {
		nblocks := (ino.size + uint64(bs) - 1) / uint64(bs)
		err = f.indirectWalk(ino, nblocks, func(lblk, pblk uint64) error {
			return add(lblk, pblk, 1)
		})
	}
	if err != nil && err != errStopWalk {
		return nil, err
	}
	return extents, nil
}
