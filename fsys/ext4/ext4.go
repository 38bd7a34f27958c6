// Package ext4 implements a read-only decoder for ext2, ext3 and ext4
// filesystem images.
//
// An FS reads everything through an io.ReaderAt and validates every offset,
// length and count taken from the image before using it. Malformed images
// produce errors matching ErrCorrupt; images that use features this package
// does not decode produce errors matching ErrUnsupported.
//
// An FS holds no mutable state after Open and is safe for concurrent use.
package ext4

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/ext4view/fsys"
)

const (
	defaultMaxSymlinks = 40
	defaultMaxReadSize = 1 << 30
)

// FS is an open ext2/3/4 image.
type FS struct {
	r   io.ReaderAt
	sb  *superblock
	log logrus.FieldLogger

	maxSymlinks int
	maxReadSize int64
	hashIndex   bool
}

var (
	_ fsys.FreeBlocker  = (*FS)(nil)
	_ fsys.ExtentMapper = (*FS)(nil)
)

// Option configures Open.
type Option func(*FS)

// WithLogger sets the logger used for diagnostics. By default nothing is
// logged.
func WithLogger(log logrus.FieldLogger) Option {
	return func(f *FS) { f.log = log }
}

// WithMaxSymlinks sets how many symbolic links a single path resolution may
// follow before failing with ErrTooManySymlinks. The default is 40.
func WithMaxSymlinks(n int) Option {
	return func(f *FS) { f.maxSymlinks = n }
}

// WithMaxReadSize sets the largest file Read and ReadToString will load into
// memory. Larger files fail with ErrTooLarge; OpenFile streams them.
func WithMaxReadSize(n int64) Option {
	return func(f *FS) { f.maxReadSize = n }
}

// WithHashIndex controls whether name lookups use the hashed directory index
// when one is present. It is on by default; lookups without it scan every
// block of the directory.
func WithHashIndex(on bool) Option {
	return func(f *FS) { f.hashIndex = on }
}

// Open reads and validates the superblock of the image behind r. If r does
// not start with an ext2/3/4 superblock the error matches ErrNotExt4.
func Open(r io.ReaderAt, opts ...Option) (*FS, error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	f := &FS{
		r:           r,
		log:         discard,
		maxSymlinks: defaultMaxSymlinks,
		maxReadSize: defaultMaxReadSize,
		hashIndex:   true,
	}
	for _, opt := range opts {
		opt(f)
	}

	sb, err := readSuperblock(r)
	if err != nil {
		return nil, err
	}
	f.sb = sb

	// The root inode must exist and be a directory; checking it here turns
	// the most common kind of damage into an Open error.
	root, err := f.readInode(rootInode)
	if err != nil {
		return nil, err
	}
	if !root.isDir() {
		return nil, corruptf("root inode is a %s", root.fileType())
	}

	f.log.WithFields(logrus.Fields{
		"type":       sb.typ(),
		"block_size": sb.blockSize,
		"blocks":     sb.blocksCount,
		"inodes":     sb.inodesCount,
		"groups":     sb.groupCount,
		"features":   sb.features.String(),
	}).Debug("opened filesystem")
	return f, nil
}

// readBlock reads one whole filesystem block.
func (f *FS) readBlock(blk uint64) ([]byte, error) {
	if blk >= f.sb.blocksCount {
		return nil, corruptf("block %d beyond end of filesystem (%d blocks)", blk, f.sb.blocksCount)
	}
	data := make([]byte, f.sb.blockSize)
	if err := readAt(f.r, data, int64(blk)*int64(f.sb.blockSize), "block"); err != nil {
		return nil, err
	}
	return data, nil
}

// Type returns "ext2", "ext3" or "ext4", judged by the feature flags.
func (f *FS) Type() string { return f.sb.typ() }

// Close releases nothing; the caller owns the underlying reader.
func (f *FS) Close() error { return nil }

// BaseReader returns the reader the filesystem was opened on.
func (f *FS) BaseReader() io.ReaderAt { return f.r }

// Info summarizes the superblock.
type Info struct {
	Type           string
	Label          string
	UUID           uuid.UUID
	LastMounted    string
	BlockSize      uint32
	InodeSize      uint16
	BlocksCount    uint64
	FreeBlocks     uint64
	InodesCount    uint32
	FreeInodes     uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	GroupCount     uint32
	FirstDataBlock uint32
	RootInode      uint32
	Features       Features
	DefHashVersion string
}

// Info returns a summary of the filesystem geometry and features.
func (f *FS) Info() Info {
	sb := f.sb
	return Info{
		Type:           sb.typ(),
		Label:          cString(sb.volumeName[:]),
		UUID:           uuid.UUID(sb.uuid),
		LastMounted:    cString(sb.lastMounted[:]),
		BlockSize:      sb.blockSize,
		InodeSize:      sb.inodeSize,
		BlocksCount:    sb.blocksCount,
		FreeBlocks:     sb.freeBlocksCount,
		InodesCount:    sb.inodesCount,
		FreeInodes:     sb.freeInodesCount,
		BlocksPerGroup: sb.blocksPerGroup,
		InodesPerGroup: sb.inodesPerGroup,
		GroupCount:     sb.groupCount,
		FirstDataBlock: sb.firstDataBlock,
		RootInode:      rootInode,
		Features:       sb.features,
		DefHashVersion: sb.hashVersion(sb.defHashVersion).String(),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s %q uuid=%s blocks=%d×%d inodes=%d", i.Type, i.Label, i.UUID, i.BlocksCount, i.BlockSize, i.InodesCount)
}

// FileExtents returns the physical byte ranges holding the content of the
// regular file at path, in logical order. Holes are absent.
func (f *FS) FileExtents(path string) ([]fsys.Extent, error) {
	ino, err := f.resolveString(path, true)
	if err != nil {
		return nil, err
	}
	if ino.isDir() {
		return nil, ErrIsADirectory
	}
	if !ino.isRegular() {
		return nil, unsupportedf("inode %d is a %s", ino.num, ino.fileType())
	}
	return f.fileExtents(ino)
}
