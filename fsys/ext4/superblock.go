package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"strings"

	"github.com/pkg/errors"

	"github.com/lvdlvd/ext4view/internal/dxhash"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	extMagic         = 0xEF53

	rootInode = 2

	// Largest log2(block size / 1024) accepted: 64 KiB blocks.
	maxLogBlockSize = 6

	goodOldRev       = 0
	goodOldInodeSize = 128
	goodOldFirstIno  = 11

	descSize32    = 32
	minDescSize64 = 64
	maxDescSize   = 1024

	// s_flags
	flagSignedHash   = 0x0001
	flagUnsignedHash = 0x0002
)

// Compatible feature flags. These never affect how the image is read.
const (
	compatDirPrealloc  = 0x0001
	compatImagicInodes = 0x0002
	compatHasJournal   = 0x0004
	compatExtAttr      = 0x0008
	compatResizeInode  = 0x0010
	compatDirIndex     = 0x0020
	compatSparseSuper2 = 0x0200
	compatFastCommit   = 0x0400
	compatStableInodes = 0x0800
	compatOrphanFile   = 0x1000
)

// Incompatible feature flags. An image with an incompat bit this package does
// not understand cannot be read correctly.
const (
	incompatCompression = 0x0001
	incompatFiletype    = 0x0002
	incompatRecover     = 0x0004
	incompatJournalDev  = 0x0008
	incompatMetaBG      = 0x0010
	incompatExtents     = 0x0040
	incompat64Bit       = 0x0080
	incompatMMP         = 0x0100
	incompatFlexBG      = 0x0200
	incompatEAInode     = 0x0400
	incompatDirData     = 0x1000
	incompatCsumSeed    = 0x2000
	incompatLargeDir    = 0x4000
	incompatInlineData  = 0x8000
	incompatEncrypt     = 0x10000
	incompatCasefold    = 0x20000

	incompatSupported = incompatFiletype | incompatExtents | incompat64Bit | incompatMMP |
		incompatFlexBG | incompatEAInode | incompatCsumSeed | incompatLargeDir
)

// Read-only compatible feature flags.
const (
	roCompatSparseSuper   = 0x0001
	roCompatLargeFile     = 0x0002
	roCompatBtreeDir      = 0x0004
	roCompatHugeFile      = 0x0008
	roCompatGdtCsum       = 0x0010
	roCompatDirNlink      = 0x0020
	roCompatExtraIsize    = 0x0040
	roCompatQuota         = 0x0100
	roCompatBigalloc      = 0x0200
	roCompatMetadataCsum  = 0x0400
	roCompatReadonly      = 0x1000
	roCompatProject       = 0x2000
	roCompatVerity        = 0x8000
	roCompatOrphanPresent = 0x10000
)

var incompatNames = []struct {
	bit  uint32
	name string
}{
	{incompatCompression, "compression"},
	{incompatFiletype, "filetype"},
	{incompatRecover, "needs_recovery"},
	{incompatJournalDev, "journal_dev"},
	{incompatMetaBG, "meta_bg"},
	{incompatExtents, "extent"},
	{incompat64Bit, "64bit"},
	{incompatMMP, "mmp"},
	{incompatFlexBG, "flex_bg"},
	{incompatEAInode, "ea_inode"},
	{incompatDirData, "dirdata"},
	{incompatCsumSeed, "metadata_csum_seed"},
	{incompatLargeDir, "large_dir"},
	{incompatInlineData, "inline_data"},
	{incompatEncrypt, "encrypt"},
	{incompatCasefold, "casefold"},
}

var compatNames = []struct {
	bit  uint32
	name string
}{
	{compatDirPrealloc, "dir_prealloc"},
	{compatImagicInodes, "imagic_inodes"},
	{compatHasJournal, "has_journal"},
	{compatExtAttr, "ext_attr"},
	{compatResizeInode, "resize_inode"},
	{compatDirIndex, "dir_index"},
	{compatSparseSuper2, "sparse_super2"},
	{compatFastCommit, "fast_commit"},
	{compatStableInodes, "stable_inodes"},
	{compatOrphanFile, "orphan_file"},
}

var roCompatNames = []struct {
	bit  uint32
	name string
}{
	{roCompatSparseSuper, "sparse_super"},
	{roCompatLargeFile, "large_file"},
	{roCompatBtreeDir, "btree_dir"},
	{roCompatHugeFile, "huge_file"},
	{roCompatGdtCsum, "uninit_bg"},
	{roCompatDirNlink, "dir_nlink"},
	{roCompatExtraIsize, "extra_isize"},
	{roCompatQuota, "quota"},
	{roCompatBigalloc, "bigalloc"},
	{roCompatMetadataCsum, "metadata_csum"},
	{roCompatReadonly, "read-only"},
	{roCompatProject, "project"},
	{roCompatVerity, "verity"},
	{roCompatOrphanPresent, "orphan_present"},
}

// Features holds the three feature bitsets of a superblock.
type Features struct {
	Compat   uint32
	Incompat uint32
	ROCompat uint32
}

// String lists the set features by their mke2fs names.
func (f Features) String() string {
	var names []string
	add := func(set uint32, table []struct {
		bit  uint32
		name string
	}, prefix string) {
		var known uint32
		for _, e := range table {
			known |= e.bit
			if set&e.bit != 0 {
				names = append(names, e.name)
			}
		}
		if rest := set &^ known; rest != 0 {
			names = append(names, fmt.Sprintf("%s_0x%x", prefix, rest))
		}
	}
	add(f.Compat, compatNames, "compat")
	add(f.Incompat, incompatNames, "incompat")
	add(f.ROCompat, roCompatNames, "ro_compat")
	return strings.Join(names, " ")
}

type superblock struct {
	inodesCount     uint32
	blocksCount     uint64
	freeBlocksCount uint64
	freeInodesCount uint32
	firstDataBlock  uint32
	logBlockSize    uint32
	logClusterSize  uint32
	blocksPerGroup  uint32
	inodesPerGroup  uint32
	mtime           uint32
	wtime           uint32
	magic           uint16
	state           uint16
	revLevel        uint32
	firstIno        uint32
	inodeSize       uint16
	features        Features
	uuid            [16]byte
	volumeName      [16]byte
	lastMounted     [64]byte
	hashSeed        [4]uint32
	defHashVersion  uint8
	descSize        uint16
	flags           uint32

	// Derived.
	blockSize  uint32
	groupCount uint32
}

// readSuperblock reads and validates the superblock of the image behind r.
func readSuperblock(r io.ReaderAt) (*superblock, error) {
	data := make([]byte, superblockSize)
	n, err := r.ReadAt(data, superblockOffset)
	if n < len(data) {
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "reading superblock")
		}
		return nil, ErrNotExt4
	}

	if magic := binary.LittleEndian.Uint16(data[0x38:0x3A]); magic != extMagic {
		return nil, ErrNotExt4
	}

	sb := parseSuperblock(data)
	if err := sb.validate(); err != nil {
		return nil, err
	}
	return sb, nil
}

func parseSuperblock(data []byte) *superblock {
	le := binary.LittleEndian
	sb := &superblock{
		inodesCount:     le.Uint32(data[0x00:0x04]),
		blocksCount:     uint64(le.Uint32(data[0x04:0x08])),
		freeBlocksCount: uint64(le.Uint32(data[0x0C:0x10])),
		freeInodesCount: le.Uint32(data[0x10:0x14]),
		firstDataBlock:  le.Uint32(data[0x14:0x18]),
		logBlockSize:    le.Uint32(data[0x18:0x1C]),
		logClusterSize:  le.Uint32(data[0x1C:0x20]),
		blocksPerGroup:  le.Uint32(data[0x20:0x24]),
		inodesPerGroup:  le.Uint32(data[0x28:0x2C]),
		mtime:           le.Uint32(data[0x2C:0x30]),
		wtime:           le.Uint32(data[0x30:0x34]),
		magic:           le.Uint16(data[0x38:0x3A]),
		state:           le.Uint16(data[0x3A:0x3C]),
		revLevel:        le.Uint32(data[0x4C:0x50]),
		firstIno:        le.Uint32(data[0x54:0x58]),
		inodeSize:       le.Uint16(data[0x58:0x5A]),
		features: Features{
			Compat:   le.Uint32(data[0x5C:0x60]),
			Incompat: le.Uint32(data[0x60:0x64]),
			ROCompat: le.Uint32(data[0x64:0x68]),
		},
		defHashVersion: data[0xFC],
		flags:          le.Uint32(data[0x160:0x164]),
	}
	copy(sb.uuid[:], data[0x68:0x78])
	copy(sb.volumeName[:], data[0x78:0x88])
	copy(sb.lastMounted[:], data[0x88:0xC8])
	for i := range sb.hashSeed {
		sb.hashSeed[i] = le.Uint32(data[0xEC+4*i:])
	}

	if sb.revLevel == goodOldRev {
		sb.inodeSize = goodOldInodeSize
		sb.firstIno = goodOldFirstIno
	}

	if sb.features.Incompat&incompat64Bit != 0 {
		sb.descSize = le.Uint16(data[0xFE:0x100])
		sb.blocksCount |= uint64(le.Uint32(data[0x150:0x154])) << 32
		sb.freeBlocksCount |= uint64(le.Uint32(data[0x158:0x15C])) << 32
	} else {
		sb.descSize = descSize32
	}
	return sb
}

func (sb *superblock) validate() error {
	if err := sb.checkFeatures(); err != nil {
		return err
	}

	if sb.logBlockSize > maxLogBlockSize {
		return corruptf("superblock: log block size %d out of range", sb.logBlockSize)
	}
	sb.blockSize = 1024 << sb.logBlockSize
	if sb.blocksCount > math.MaxInt64/uint64(sb.blockSize) {
		return corruptf("superblock: %d blocks of %d bytes overflow a byte offset", sb.blocksCount, sb.blockSize)
	}

	if sb.logClusterSize != sb.logBlockSize {
		return corruptf("superblock: cluster size differs from block size without bigalloc")
	}

	if sb.revLevel > 1 {
		return unsupportedf("superblock: revision %d", sb.revLevel)
	}
	if sb.inodeSize < goodOldInodeSize || uint32(sb.inodeSize) > sb.blockSize || bits.OnesCount16(sb.inodeSize) != 1 {
		return corruptf("superblock: inode size %d", sb.inodeSize)
	}

	if sb.features.Incompat&incompat64Bit != 0 {
		if sb.descSize < minDescSize64 || sb.descSize > maxDescSize || bits.OnesCount16(sb.descSize) != 1 {
			return corruptf("superblock: group descriptor size %d", sb.descSize)
		}
	}

	maxPerGroup := 8 * sb.blockSize
	if sb.blocksPerGroup == 0 || sb.blocksPerGroup > maxPerGroup {
		return corruptf("superblock: %d blocks per group", sb.blocksPerGroup)
	}
	if sb.inodesPerGroup == 0 || sb.inodesPerGroup > maxPerGroup {
		return corruptf("superblock: %d inodes per group", sb.inodesPerGroup)
	}

	if uint64(sb.firstDataBlock) >= sb.blocksCount {
		return corruptf("superblock: first data block %d not below block count %d", sb.firstDataBlock, sb.blocksCount)
	}
	if sb.blockSize == 1024 && sb.firstDataBlock != 1 {
		return corruptf("superblock: first data block %d with 1024-byte blocks", sb.firstDataBlock)
	}

	groups := (sb.blocksCount - uint64(sb.firstDataBlock) + uint64(sb.blocksPerGroup) - 1) / uint64(sb.blocksPerGroup)
	if groups == 0 || groups > 1<<32-1 {
		return corruptf("superblock: %d block groups", groups)
	}
	sb.groupCount = uint32(groups)

	if sb.inodesCount < rootInode || uint64(sb.inodesCount) > groups*uint64(sb.inodesPerGroup) {
		return corruptf("superblock: %d inodes in %d groups of %d", sb.inodesCount, groups, sb.inodesPerGroup)
	}

	gdtBlocks := (groups*uint64(sb.descSize) + uint64(sb.blockSize) - 1) / uint64(sb.blockSize)
	if sb.gdtBlock()+gdtBlocks > sb.blocksCount {
		return corruptf("superblock: group descriptor table (%d blocks) exceeds block count %d", gdtBlocks, sb.blocksCount)
	}

	return nil
}

// checkFeatures rejects images that use features which change the on-disk
// layout in ways this package does not decode.
func (sb *superblock) checkFeatures() error {
	incompat := sb.features.Incompat
	if unknown := incompat &^ incompatSupported; unknown != 0 {
		return unsupportedf("incompatible features: %s", Features{Incompat: unknown})
	}
	if sb.features.ROCompat&roCompatBigalloc != 0 {
		return unsupportedf("bigalloc")
	}
	return nil
}

// gdtBlock is the first block of the group descriptor table: the block
// following the one that holds the superblock.
func (sb *superblock) gdtBlock() uint64 {
	return uint64(sb.firstDataBlock) + 1
}

func (sb *superblock) has64Bit() bool    { return sb.features.Incompat&incompat64Bit != 0 }
func (sb *superblock) hasFiletype() bool { return sb.features.Incompat&incompatFiletype != 0 }
func (sb *superblock) hasDirIndex() bool { return sb.features.Compat&compatDirIndex != 0 }
func (sb *superblock) hasLargeDir() bool { return sb.features.Incompat&incompatLargeDir != 0 }

// inodeTableBlocks is the number of blocks occupied by one group's inode
// table.
func (sb *superblock) inodeTableBlocks() uint64 {
	bytes := uint64(sb.inodesPerGroup) * uint64(sb.inodeSize)
	return (bytes + uint64(sb.blockSize) - 1) / uint64(sb.blockSize)
}

// hashVersion returns the dirhash variant for a dx root that records v,
// taking the superblock's signedness flag into account.
func (sb *superblock) hashVersion(v uint8) dxhash.Version {
	version := dxhash.Version(v)
	if sb.flags&flagUnsignedHash != 0 {
		version = version.Unsigned()
	}
	return version
}

// typ classifies the filesystem the way mke2fs profiles do.
func (sb *superblock) typ() string {
	switch {
	case sb.features.Incompat&(incompatExtents|incompat64Bit|incompatFlexBG) != 0:
		return "ext4"
	case sb.features.Compat&compatHasJournal != 0:
		return "ext3"
	default:
		return "ext2"
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
