package ext4

import (
	"encoding/binary"
	"io/fs"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Mode bits of i_mode.
const (
	modeTypeMask = 0xF000
	modeFIFO     = 0x1000
	modeChar     = 0x2000
	modeDir      = 0x4000
	modeBlock    = 0x6000
	modeRegular  = 0x8000
	modeSymlink  = 0xA000
	modeSocket   = 0xC000
)

// Inode flags.
const (
	inodeFlagEncrypt    = 0x00000800
	inodeFlagIndex      = 0x00001000
	inodeFlagHugeFile   = 0x00040000
	inodeFlagExtents    = 0x00080000
	inodeFlagVerity     = 0x00100000
	inodeFlagEAInode    = 0x00200000
	inodeFlagInlineData = 0x10000000
	inodeFlagCasefold   = 0x40000000
)

// inlineSymlinkLen is the size of i_block; shorter symlink targets are stored
// in it directly.
const inlineSymlinkLen = 60

const inodeGoodOldSize = 128

type inode struct {
	num        uint32
	mode       uint16
	uid        uint32
	gid        uint32
	size       uint64
	links      uint16
	flags      uint32
	atime      time.Time
	ctime      time.Time
	mtime      time.Time
	crtime     time.Time
	block      [60]byte
	generation uint32
	fileACL    uint64
}

// readInode decodes inode n. Inodes are not cached: every call reads the
// record from the image.
func (f *FS) readInode(n uint32) (*inode, error) {
	sb := f.sb
	if n == 0 || n > sb.inodesCount {
		return nil, errors.Wrapf(ErrNotFound, "inode %d out of range", n)
	}

	group := (n - 1) / sb.inodesPerGroup
	index := (n - 1) % sb.inodesPerGroup
	gd, err := f.groupDescriptor(group)
	if err != nil {
		return nil, err
	}

	off := int64(gd.inodeTable)*int64(sb.blockSize) + int64(index)*int64(sb.inodeSize)
	data := make([]byte, sb.inodeSize)
	if err := readAt(f.r, data, off, "inode"); err != nil {
		return nil, err
	}
	ino, err := parseInode(n, data)
	if err != nil {
		return nil, err
	}
	// The high size word belongs to regular files, and to directories
	// only with large_dir; elsewhere it once held i_dir_acl.
	if !ino.isRegular() && !sb.hasLargeDir() {
		ino.size &= 1<<32 - 1
	}
	return ino, nil
}

func parseInode(n uint32, data []byte) (*inode, error) {
	le := binary.LittleEndian
	ino := &inode{
		num:        n,
		mode:       le.Uint16(data[0x00:0x02]),
		uid:        uint32(le.Uint16(data[0x02:0x04])) | uint32(le.Uint16(data[0x78:0x7A]))<<16,
		size:       uint64(le.Uint32(data[0x04:0x08])) | uint64(le.Uint32(data[0x6C:0x70]))<<32,
		gid:        uint32(le.Uint16(data[0x18:0x1A])) | uint32(le.Uint16(data[0x7A:0x7C]))<<16,
		links:      le.Uint16(data[0x1A:0x1C]),
		flags:      le.Uint32(data[0x20:0x24]),
		generation: le.Uint32(data[0x64:0x68]),
		fileACL:    uint64(le.Uint32(data[0x68:0x6C])) | uint64(le.Uint16(data[0x76:0x78]))<<32,
	}
	copy(ino.block[:], data[0x28:0x64])

	if ino.size > math.MaxInt64 {
		return nil, corruptf("inode %d: size %d", n, ino.size)
	}
	if ino.fileType() == TypeUnknown {
		return nil, corruptf("inode %d: invalid mode %#o", n, ino.mode)
	}

	// The extra fields hold the high bits of the timestamps and the
	// creation time; they are present when i_extra_isize covers them.
	var extra uint16
	if len(data) > inodeGoodOldSize+2 {
		extra = le.Uint16(data[0x80:0x82])
		if inodeGoodOldSize+int(extra) > len(data) {
			return nil, corruptf("inode %d: extra size %d exceeds inode size %d", n, extra, len(data))
		}
	}
	field := func(off int) (uint32, bool) {
		if off+4 > inodeGoodOldSize+int(extra) {
			return 0, false
		}
		return le.Uint32(data[off : off+4]), true
	}
	stamp := func(secOff, extraOff int) time.Time {
		sec := int64(int32(le.Uint32(data[secOff : secOff+4])))
		x, ok := field(extraOff)
		if !ok {
			return time.Unix(sec, 0)
		}
		return decodeTime(sec, x)
	}
	ino.atime = stamp(0x08, 0x8C)
	ino.ctime = stamp(0x0C, 0x84)
	ino.mtime = stamp(0x10, 0x88)
	if sec, ok := field(0x90); ok {
		x, _ := field(0x94)
		ino.crtime = decodeTime(int64(int32(sec)), x)
	}
	return ino, nil
}

// decodeTime combines a signed 32-bit seconds field with its *_extra word:
// two epoch bits extending the seconds and 30 bits of nanoseconds.
func decodeTime(sec int64, extra uint32) time.Time {
	sec += int64(extra&3) << 32
	return time.Unix(sec, int64(extra>>2))
}

func (ino *inode) fileType() FileType {
	switch ino.mode & modeTypeMask {
	case modeRegular:
		return TypeRegular
	case modeDir:
		return TypeDirectory
	case modeSymlink:
		return TypeSymlink
	case modeChar:
		return TypeCharDevice
	case modeBlock:
		return TypeBlockDevice
	case modeFIFO:
		return TypeFIFO
	case modeSocket:
		return TypeSocket
	}
	return TypeUnknown
}

func (ino *inode) isDir() bool     { return ino.mode&modeTypeMask == modeDir }
func (ino *inode) isSymlink() bool { return ino.mode&modeTypeMask == modeSymlink }
func (ino *inode) isRegular() bool { return ino.mode&modeTypeMask == modeRegular }

// checkData reports whether the content of ino is stored in a form this
// package can decode.
func (ino *inode) checkData() error {
	switch {
	case ino.flags&inodeFlagInlineData != 0:
		return unsupportedf("inode %d: inline data", ino.num)
	case ino.flags&inodeFlagEncrypt != 0:
		return unsupportedf("inode %d: encrypted", ino.num)
	}
	return nil
}

// fileMode converts i_mode to an io/fs mode.
func (ino *inode) fileMode() fs.FileMode {
	mode := fs.FileMode(ino.mode & 0o777)
	if ino.mode&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if ino.mode&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if ino.mode&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode | ino.fileType().mode()
}

// Metadata describes an inode.
type Metadata struct {
	Inode    uint32
	FileType FileType
	Mode     fs.FileMode
	Size     uint64
	Links    uint16
	UID, GID uint32
	ATime    time.Time
	CTime    time.Time
	MTime    time.Time
	// CrTime is zero when the inode has no creation time field.
	CrTime     time.Time
	Flags      uint32
	Generation uint32
}

func (ino *inode) metadata() Metadata {
	return Metadata{
		Inode:      ino.num,
		FileType:   ino.fileType(),
		Mode:       ino.fileMode(),
		Size:       ino.size,
		Links:      ino.links,
		UID:        ino.uid,
		GID:        ino.gid,
		ATime:      ino.atime,
		CTime:      ino.ctime,
		MTime:      ino.mtime,
		CrTime:     ino.crtime,
		Flags:      ino.flags,
		Generation: ino.generation,
	}
}

// Permissions returns the twelve permission bits of the inode mode.
func (m Metadata) Permissions() uint16 {
	perm := uint16(m.Mode.Perm())
	if m.Mode&fs.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if m.Mode&fs.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if m.Mode&fs.ModeSticky != 0 {
		perm |= 0o1000
	}
	return perm
}
