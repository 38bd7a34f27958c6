package ext4

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/lvdlvd/ext4view/fsys"
)

// bg_flags
const (
	bgInodeUninit = 0x0001
	bgBlockUninit = 0x0002
	bgInodeZeroed = 0x0004
)

type groupDesc struct {
	blockBitmap uint64
	inodeBitmap uint64
	inodeTable  uint64
	freeBlocks  uint32
	freeInodes  uint32
	usedDirs    uint32
	flags       uint16
}

// groupDescriptor reads and validates the descriptor of one block group.
// Descriptors are read on demand, so the cost of opening an image does not
// depend on the group count it claims.
func (f *FS) groupDescriptor(group uint32) (groupDesc, error) {
	sb := f.sb
	if group >= sb.groupCount {
		return groupDesc{}, corruptf("block group %d out of range (%d groups)", group, sb.groupCount)
	}

	off := int64(sb.gdtBlock())*int64(sb.blockSize) + int64(group)*int64(sb.descSize)
	data := make([]byte, sb.descSize)
	if err := readAt(f.r, data, off, "group descriptor"); err != nil {
		return groupDesc{}, err
	}

	le := binary.LittleEndian
	gd := groupDesc{
		blockBitmap: uint64(le.Uint32(data[0x00:0x04])),
		inodeBitmap: uint64(le.Uint32(data[0x04:0x08])),
		inodeTable:  uint64(le.Uint32(data[0x08:0x0C])),
		freeBlocks:  uint32(le.Uint16(data[0x0C:0x0E])),
		freeInodes:  uint32(le.Uint16(data[0x0E:0x10])),
		usedDirs:    uint32(le.Uint16(data[0x10:0x12])),
		flags:       le.Uint16(data[0x12:0x14]),
	}
	if sb.has64Bit() && sb.descSize >= minDescSize64 {
		gd.blockBitmap |= uint64(le.Uint32(data[0x20:0x24])) << 32
		gd.inodeBitmap |= uint64(le.Uint32(data[0x24:0x28])) << 32
		gd.inodeTable |= uint64(le.Uint32(data[0x28:0x2C])) << 32
		gd.freeBlocks |= uint32(le.Uint16(data[0x2C:0x2E])) << 16
		gd.freeInodes |= uint32(le.Uint16(data[0x2E:0x30])) << 16
		gd.usedDirs |= uint32(le.Uint16(data[0x30:0x32])) << 16
	}

	if gd.blockBitmap >= sb.blocksCount {
		return groupDesc{}, corruptf("group %d: block bitmap at block %d beyond end of filesystem", group, gd.blockBitmap)
	}
	if gd.inodeBitmap >= sb.blocksCount {
		return groupDesc{}, corruptf("group %d: inode bitmap at block %d beyond end of filesystem", group, gd.inodeBitmap)
	}
	end, carry := bits.Add64(gd.inodeTable, sb.inodeTableBlocks(), 0)
	if carry != 0 || gd.inodeTable == 0 || end > sb.blocksCount {
		return groupDesc{}, corruptf("group %d: inode table at block %d does not fit in the filesystem", group, gd.inodeTable)
	}
	return gd, nil
}

// groupRange returns the first block of group and the number of blocks in
// it; the last group may be short.
func (sb *superblock) groupRange(group uint32) (first, n uint64) {
	first = uint64(sb.firstDataBlock) + uint64(group)*uint64(sb.blocksPerGroup)
	n = uint64(sb.blocksPerGroup)
	if rest := sb.blocksCount - first; n > rest {
		n = rest
	}
	return first, n
}

// FreeBlocks returns the byte ranges of the image that the block bitmaps
// mark as unallocated. Adjacent ranges are merged across groups.
func (f *FS) FreeBlocks() ([]fsys.Range, error) {
	var ranges []fsys.Range
	bs := int64(f.sb.blockSize)

	add := func(start, end uint64) {
		r := fsys.Range{Start: int64(start) * bs, End: int64(end) * bs}
		if n := len(ranges); n > 0 && ranges[n-1].End == r.Start {
			ranges[n-1].End = r.End
			return
		}
		ranges = append(ranges, r)
	}

	for group := uint32(0); group < f.sb.groupCount; group++ {
		gd, err := f.groupDescriptor(group)
		if err != nil {
			return nil, err
		}
		first, n := f.sb.groupRange(group)

		// An uninitialized bitmap was never written. Such a group holds
		// only its own superblock backup and descriptor copies, which sit
		// at the start of the group.
		if gd.flags&bgBlockUninit != 0 {
			if used := n - min(uint64(gd.freeBlocks), n); used < n {
				add(first+used, first+n)
			}
			continue
		}

		bitmap, err := f.readBlock(gd.blockBitmap)
		if err != nil {
			return nil, errors.Wrapf(err, "block bitmap of group %d", group)
		}
		n = min(n, uint64(len(bitmap))*8)

		var start uint64
		inFree := false
		for i := uint64(0); i < n; i++ {
			free := bitmap[i/8]&(1<<(i%8)) == 0
			switch {
			case free && !inFree:
				start, inFree = first+i, true
			case !free && inFree:
				add(start, first+i)
				inFree = false
			}
		}
		if inFree {
			add(start, first+n)
		}
	}
	return ranges, nil
}
