// Package detect identifies what an image holds: an ext filesystem, a
// partition table, or some other filesystem ext4view cannot read.
package detect

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Type is the kind of content found at the start of an image.
type Type int

const (
	Unknown Type = iota
	Ext2
	Ext3
	Ext4
	MBR // Master Boot Record partition table
	GPT // GUID Partition Table

	// Recognized so they can be named in errors.
	FAT
	NTFS
	APFS
	HFSPlus
	XFS
	SquashFS
	LUKS
)

var names = map[Type]string{
	Ext2:     "ext2",
	Ext3:     "ext3",
	Ext4:     "ext4",
	MBR:      "MBR",
	GPT:      "GPT",
	FAT:      "FAT",
	NTFS:     "NTFS",
	APFS:     "APFS",
	HFSPlus:  "HFS+",
	XFS:      "XFS",
	SquashFS: "SquashFS",
	LUKS:     "LUKS",
}

func (t Type) String() string {
	if s, ok := names[t]; ok {
		return s
	}
	return "unknown"
}

// IsExt returns true if the type is any ext variant
func (t Type) IsExt() bool {
	return t == Ext2 || t == Ext3 || t == Ext4
}

// IsPartitionTable returns true if the type is a partition table format
func (t Type) IsPartitionTable() bool {
	return t == MBR || t == GPT
}

// HeaderSize is the number of bytes Detect looks at.
const HeaderSize = 4096

// ErrTooSmall is returned for images shorter than one sector.
var ErrTooSmall = errors.New("image too small to hold a filesystem")

const (
	extSuperblock = 1024
	extMagic      = 0xEF53

	compatHasJournal  = 0x0004
	incompatExtents   = 0x0040
	incompat64Bit     = 0x0080
	incompatFlexBG    = 0x0200
	roCompatHugeFile  = 0x0008
	roCompatDirNlink  = 0x0020
	roCompatExtraSize = 0x0040
)

// Detect identifies the content at the start of r.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, HeaderSize)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, errors.Wrap(err, "reading header")
	}
	if n < 512 {
		return Unknown, errors.Wrapf(ErrTooSmall, "%d bytes", n)
	}
	return DetectHeader(header[:n]), nil
}

// DetectHeader identifies content from the first bytes of an image.
// header should hold HeaderSize bytes when the image is that large.
func DetectHeader(header []byte) Type {
	n := len(header)
	if n < 512 {
		return Unknown
	}

	// "EFI PART" at LBA 1.
	if n >= 520 && bytes.Equal(header[512:520], []byte("EFI PART")) {
		return GPT
	}

	if n >= extSuperblock+0x3A && binary.LittleEndian.Uint16(header[extSuperblock+0x38:]) == extMagic {
		return extVersion(header[extSuperblock:])
	}

	switch {
	case bytes.HasPrefix(header, []byte("LUKS\xba\xbe")):
		return LUKS
	case bytes.HasPrefix(header, []byte("XFSB")):
		return XFS
	case bytes.HasPrefix(header, []byte("hsqs")):
		return SquashFS
	case bytes.Equal(header[32:36], []byte("NXSB")):
		return APFS
	case bytes.Equal(header[3:11], []byte("NTFS    ")):
		return NTFS
	}
	if n >= 1026 {
		// 'H+' or 'HX', big-endian.
		sig := binary.BigEndian.Uint16(header[1024:])
		if sig == 0x482B || sig == 0x4858 {
			return HFSPlus
		}
	}

	if header[510] == 0x55 && header[511] == 0xAA {
		if isFAT(header) {
			return FAT
		}
		if isMBR(header) {
			return MBR
		}
	}
	return Unknown
}

// extVersion names an ext superblock by the features it uses.
func extVersion(sb []byte) Type {
	if len(sb) < 0x68 {
		return Ext2
	}
	compat := binary.LittleEndian.Uint32(sb[0x5C:])
	incompat := binary.LittleEndian.Uint32(sb[0x60:])
	roCompat := binary.LittleEndian.Uint32(sb[0x64:])

	if incompat&(incompatExtents|incompat64Bit|incompatFlexBG) != 0 ||
		roCompat&(roCompatHugeFile|roCompatDirNlink|roCompatExtraSize) != 0 {
		return Ext4
	}
	if compat&compatHasJournal != 0 {
		return Ext3
	}
	return Ext2
}

func isFAT(header []byte) bool {
	if bytes.Equal(header[54:59], []byte("FAT12")) ||
		bytes.Equal(header[54:59], []byte("FAT16")) ||
		bytes.Equal(header[82:87], []byte("FAT32")) {
		return true
	}
	// An unlabeled BPB: plausible sector size and a power-of-two cluster size.
	switch binary.LittleEndian.Uint16(header[11:13]) {
	case 512, 1024, 2048, 4096:
	default:
		return false
	}
	spc := header[13]
	return spc != 0 && spc&(spc-1) == 0 && (header[0] == 0xEB || header[0] == 0xE9)
}

// isMBR reports whether the boot sector has at least one plausible
// partition entry.
func isMBR(header []byte) bool {
	for i := 0; i < 4; i++ {
		e := header[446+i*16 : 446+(i+1)*16]
		if e[0] != 0x00 && e[0] != 0x80 {
			return false
		}
		if e[4] == 0 {
			continue
		}
		start := binary.LittleEndian.Uint32(e[8:12])
		size := binary.LittleEndian.Uint32(e[12:16])
		if start > 0 && size > 0 {
			return true
		}
	}
	return false
}
