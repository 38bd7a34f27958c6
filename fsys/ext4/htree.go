package ext4

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/ext4view/internal/dxhash"
)

// Layout of the hashed directory index. Block 0 of an indexed directory is
// the dx root: the "." and ".." entries, a dx_root_info and the first level
// of (hash, block) pairs. Interior dx nodes are blocks holding a single
// empty entry spanning the block, followed by their pairs.
const (
	dxRootInfoOff = 24
	dxNodeOff     = 8
	dxEntrySize   = 8

	// indirect_levels bound, without and with the large_dir feature.
	dxMaxLevels      = 2
	dxMaxLevelsLarge = 3
)

// errNoIndex makes lookup fall back to a linear scan.
var errNoIndex = errors.New("directory index unusable")

// dxFrame is one level of an index descent: the (hash, block) pairs of a
// node and the position taken in it.
type dxFrame struct {
	entries []byte
	count   int
	at      int
}

func (fr *dxFrame) hash(i int) uint32 {
	if i == 0 {
		return 0
	}
	return binary.LittleEndian.Uint32(fr.entries[i*dxEntrySize:])
}

func (fr *dxFrame) block(i int) uint32 {
	return binary.LittleEndian.Uint32(fr.entries[i*dxEntrySize+4:])
}

// parseDxEntries validates the count/limit header at the start of entries.
func parseDxEntries(dir uint32, entries []byte) (dxFrame, error) {
	if len(entries) < dxEntrySize {
		return dxFrame{}, corruptf("directory %d: no room for index entries", dir)
	}
	le := binary.LittleEndian
	limit := int(le.Uint16(entries[0:2]))
	count := int(le.Uint16(entries[2:4]))
	if limit > len(entries)/dxEntrySize {
		return dxFrame{}, corruptf("directory %d: index limit %d exceeds node capacity %d", dir, limit, len(entries)/dxEntrySize)
	}
	if count == 0 || count > limit {
		return dxFrame{}, corruptf("directory %d: index count %d, limit %d", dir, count, limit)
	}
	fr := dxFrame{entries: entries[:count*dxEntrySize], count: count}
	for i := 2; i < count; i++ {
		if fr.hash(i) < fr.hash(i-1) {
			return dxFrame{}, corruptf("directory %d: index hashes out of order", dir)
		}
	}
	return fr, nil
}

// seek positions the frame on the last entry whose hash is <= h.
func (fr *dxFrame) seek(h uint32) {
	i := sort.Search(fr.count-1, func(i int) bool { return fr.hash(i+1) > h })
	fr.at = i
}

// dirLogicalBlock reads logical block lblk of an indexed directory. Index
// blocks are never holes.
func (f *FS) dirLogicalBlock(dir *inode, lblk uint32) ([]byte, error) {
	if uint64(lblk) >= dir.size/uint64(f.sb.blockSize) {
		return nil, corruptf("directory %d: index references block %d beyond its size", dir.num, lblk)
	}
	pblk, mapped, err := f.mapBlock(dir, lblk)
	if err != nil {
		return nil, err
	}
	if !mapped {
		return nil, corruptf("directory %d: index references hole at block %d", dir.num, lblk)
	}
	return f.readBlock(pblk)
}

// lookupIndexed finds name through the hashed index of dir. It returns
// errNoIndex when the index uses a hash this package cannot compute.
func (f *FS) lookupIndexed(dir *inode, name []byte) (uint32, bool, error) {
	bs := int(f.sb.blockSize)
	if dir.size%uint64(bs) != 0 {
		return 0, false, corruptf("directory %d: size %d is not a multiple of the block size", dir.num, dir.size)
	}
	root, err := f.dirLogicalBlock(dir, 0)
	if err != nil {
		return 0, false, err
	}

	// The dot entries must be well formed for the index to be where the
	// kernel expects it.
	dot, off, err := f.parseDirent(dir.num, root, 0)
	if err != nil {
		return 0, false, err
	}
	if string(dot.name) != "." || off != 12 {
		return 0, false, corruptf("directory %d: index root does not start with \".\"", dir.num)
	}
	if dotdot, _, err := f.parseDirent(dir.num, root, off); err != nil {
		return 0, false, err
	} else if string(dotdot.name) != ".." {
		return 0, false, corruptf("directory %d: index root lacks \"..\"", dir.num)
	}

	info := root[dxRootInfoOff : dxRootInfoOff+8]
	hashVersion := info[4]
	infoLen := int(info[5])
	levels := int(info[6])
	if binary.LittleEndian.Uint32(info[0:4]) != 0 || infoLen < 8 || dxRootInfoOff+infoLen+dxEntrySize > bs {
		return 0, false, corruptf("directory %d: malformed index root", dir.num)
	}
	maxLevels := dxMaxLevels
	if f.sb.hasLargeDir() {
		maxLevels = dxMaxLevelsLarge
	}
	if levels >= maxLevels {
		return 0, false, corruptf("directory %d: index has %d indirect levels", dir.num, levels)
	}

	version := f.sb.hashVersion(hashVersion)
	hash, _, ok := dxhash.Hash(name, version, f.sb.hashSeed)
	if !ok {
		f.log.WithFields(logrus.Fields{
			"inode":        dir.num,
			"hash_version": version.String(),
		}).Warn("unsupported directory hash, scanning linearly")
		return 0, false, errNoIndex
	}

	frames := make([]dxFrame, 0, levels+1)
	fr, err := parseDxEntries(dir.num, root[dxRootInfoOff+infoLen:])
	if err != nil {
		return 0, false, err
	}
	fr.seek(hash)
	frames = append(frames, fr)

	// descend reads the nodes below frames[len(frames)-1] down to the leaf
	// level, seeking each with seekTo or taking the first entry.
	descend := func(seekTo bool) error {
		for len(frames) <= levels {
			parent := &frames[len(frames)-1]
			data, err := f.dirLogicalBlock(dir, parent.block(parent.at))
			if err != nil {
				return err
			}
			le := binary.LittleEndian
			if le.Uint32(data[0:4]) != 0 || f.recLen(le.Uint16(data[4:6])) != bs {
				return corruptf("directory %d: malformed index node", dir.num)
			}
			fr, err := parseDxEntries(dir.num, data[dxNodeOff:])
			if err != nil {
				return err
			}
			if seekTo {
				fr.seek(hash)
			}
			frames = append(frames, fr)
		}
		return nil
	}
	if err := descend(true); err != nil {
		return 0, false, err
	}

	for {
		leaf := &frames[len(frames)-1]
		block, err := f.dirLogicalBlock(dir, leaf.block(leaf.at))
		if err != nil {
			return 0, false, err
		}
		if ino, ok, err := f.searchBlock(dir.num, block, name); err != nil || ok {
			return ino, ok, err
		}

		// Names whose hashes collide may spill into following blocks;
		// those start with the same hash with the low bit set.
		for len(frames) > 0 {
			top := &frames[len(frames)-1]
			top.at++
			if top.at < top.count {
				break
			}
			frames = frames[:len(frames)-1]
		}
		if len(frames) == 0 {
			return 0, false, nil
		}
		top := &frames[len(frames)-1]
		if top.hash(top.at)&^1 != hash {
			return 0, false, nil
		}
		if err := descend(false); err != nil {
			return 0, false, err
		}
	}
}
