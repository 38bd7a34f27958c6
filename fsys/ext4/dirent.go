package ext4

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/lvdlvd/ext4view/fsys"
)

const direntHeaderSize = 8

// dirent is one decoded directory entry. name aliases the block it was
// decoded from.
type dirent struct {
	inode uint32
	name  []byte
	ftype FileType
}

// recLen decodes rec_len. A 64 KiB block cannot express its own size in 16
// bits, so the kernel stores it as 0 or 65535.
func (f *FS) recLen(v uint16) int {
	if f.sb.blockSize == 1<<16 && (v == 0 || v == 0xFFFF) {
		return 1 << 16
	}
	return int(v)
}

// parseDirent decodes the entry at off in block and returns it together
// with the offset of the entry that follows. Entries with inode 0 are
// returned as well; they mark unused space.
func (f *FS) parseDirent(dir uint32, block []byte, off int) (dirent, int, error) {
	if off+direntHeaderSize > len(block) {
		return dirent{}, 0, corruptf("directory %d: entry header at %d overruns block", dir, off)
	}
	le := binary.LittleEndian
	h := block[off : off+direntHeaderSize]
	e := dirent{inode: le.Uint32(h[0:4])}
	rl := f.recLen(le.Uint16(h[4:6]))

	if isCsumTail(block, off, e.inode, rl) {
		return e, off + rl, nil
	}

	var nameLen int
	if f.sb.hasFiletype() {
		nameLen = int(h[6])
		if e.inode != 0 {
			if h[7] > uint8(TypeSymlink) {
				return dirent{}, 0, corruptf("directory %d: entry at %d has file type %d", dir, off, h[7])
			}
			e.ftype = FileType(h[7])
		}
	} else {
		nameLen = int(le.Uint16(h[6:8]))
	}

	switch {
	case rl%4 != 0 || rl < direntHeaderSize:
		return dirent{}, 0, corruptf("directory %d: entry at %d has rec_len %d", dir, off, rl)
	case off+rl > len(block):
		return dirent{}, 0, corruptf("directory %d: entry at %d with rec_len %d overruns block", dir, off, rl)
	case nameLen > maxNameLen || direntHeaderSize+(nameLen+3)&^3 > rl:
		return dirent{}, 0, corruptf("directory %d: entry at %d has name length %d for rec_len %d", dir, off, nameLen, rl)
	}
	if e.inode != 0 {
		if nameLen == 0 {
			return dirent{}, 0, corruptf("directory %d: entry at %d has an empty name", dir, off)
		}
		if e.inode > f.sb.inodesCount {
			return dirent{}, 0, corruptf("directory %d: entry at %d references inode %d", dir, off, e.inode)
		}
	}
	e.name = block[off+direntHeaderSize : off+direntHeaderSize+nameLen]
	if e.inode != 0 && bytes.IndexAny(e.name, "\x00/") >= 0 {
		return dirent{}, 0, corruptf("directory %d: entry at %d has name %q", dir, off, e.name)
	}
	return e, off + rl, nil
}

// Leaf blocks of a metadata_csum filesystem end in a fake entry holding
// the block checksum: inode 0, rec_len 12, name_len 0, file type 0xDE.
const (
	csumTailSize = 12
	csumTailType = 0xDE
)

func isCsumTail(block []byte, off int, ino uint32, rl int) bool {
	if off != len(block)-csumTailSize || ino != 0 || rl != csumTailSize {
		return false
	}
	return block[off+6] == 0 && block[off+7] == csumTailType
}

// dirBlocks iterates over the allocated blocks of a directory in logical
// order. Holes are skipped.
type dirBlocks struct {
	f       *FS
	dir     *inode
	extents []fsys.Extent
	next    int   // index into extents
	off     int64 // byte offset within extents[next]
}

// maxDirSize bounds the size of a directory: below 4 GiB without large_dir,
// 2^32 blocks with it.
func (f *FS) maxDirSize() uint64 {
	if f.sb.hasLargeDir() {
		return uint64(f.sb.blockSize) << 32
	}
	return 1<<32 - 1
}

func (f *FS) dirBlocks(dir *inode) (*dirBlocks, error) {
	if !dir.isDir() {
		return nil, ErrNotADirectory
	}
	if dir.size%uint64(f.sb.blockSize) != 0 {
		return nil, corruptf("directory %d: size %d is not a multiple of the block size", dir.num, dir.size)
	}
	if dir.size > f.maxDirSize() {
		return nil, corruptf("directory %d: size %d exceeds %d", dir.num, dir.size, f.maxDirSize())
	}
	extents, err := f.fileExtents(dir)
	if err != nil {
		return nil, err
	}
	return &dirBlocks{f: f, dir: dir, extents: extents}, nil
}

// nextBlock returns the next block of the directory, or io.EOF.
func (d *dirBlocks) nextBlock() ([]byte, error) {
	bs := int64(d.f.sb.blockSize)
	for d.next < len(d.extents) && d.off >= d.extents[d.next].Length {
		d.next++
		d.off = 0
	}
	if d.next >= len(d.extents) {
		return nil, io.EOF
	}
	e := d.extents[d.next]
	block := make([]byte, bs)
	if err := readAt(d.f.r, block, e.Physical+d.off, "directory block"); err != nil {
		return nil, err
	}
	d.off += bs
	return block, nil
}

func (d *dirBlocks) reset() {
	d.next, d.off = 0, 0
}

// forEachDirent calls fn for every in-use entry of dir in on-disk order,
// until fn returns false.
func (f *FS) forEachDirent(dir *inode, fn func(dirent) bool) error {
	blocks, err := f.dirBlocks(dir)
	if err != nil {
		return err
	}
	for {
		block, err := blocks.nextBlock()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for off := 0; off < len(block); {
			var e dirent
			if e, off, err = f.parseDirent(dir.num, block, off); err != nil {
				return err
			}
			if e.inode != 0 && !fn(e) {
				return nil
			}
		}
	}
}

// lookupLinear scans every block of dir for an entry called name.
func (f *FS) lookupLinear(dir *inode, name []byte) (uint32, bool, error) {
	var found uint32
	err := f.forEachDirent(dir, func(e dirent) bool {
		if bytes.Equal(e.name, name) {
			found = e.inode
			return false
		}
		return true
	})
	return found, found != 0, err
}

// searchBlock looks for name in a single directory block.
func (f *FS) searchBlock(dir uint32, block []byte, name []byte) (uint32, bool, error) {
	for off := 0; off < len(block); {
		e, next, err := f.parseDirent(dir, block, off)
		if err != nil {
			return 0, false, err
		}
		if e.inode != 0 && bytes.Equal(e.name, name) {
			return e.inode, true, nil
		}
		off = next
	}
	return 0, false, nil
}

// lookup finds name in directory dir, using the hashed index when the
// directory has one.
func (f *FS) lookup(dir *inode, name []byte) (uint32, error) {
	if !dir.isDir() {
		return 0, ErrNotADirectory
	}
	var (
		ino uint32
		ok  bool
		err error
	)
	if f.hashIndex && f.sb.hasDirIndex() && dir.flags&inodeFlagIndex != 0 {
		ino, ok, err = f.lookupIndexed(dir, name)
		if err == errNoIndex {
			ino, ok, err = f.lookupLinear(dir, name)
		}
	} else {
		ino, ok, err = f.lookupLinear(dir, name)
	}
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	return ino, nil
}
