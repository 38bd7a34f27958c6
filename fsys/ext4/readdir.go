package ext4

import (
	"io"
	"io/fs"
	"iter"

	"github.com/pkg/errors"
)

// FileType is the type of a file. The values match the file type codes of
// ext4 directory entries.
type FileType uint8

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDirectory
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
	TypeSocket
	TypeSymlink
)

var fileTypeNames = [...]string{
	TypeUnknown:     "unknown",
	TypeRegular:     "regular file",
	TypeDirectory:   "directory",
	TypeCharDevice:  "character device",
	TypeBlockDevice: "block device",
	TypeFIFO:        "fifo",
	TypeSocket:      "socket",
	TypeSymlink:     "symlink",
}

func (t FileType) String() string {
	if int(t) < len(fileTypeNames) {
		return fileTypeNames[t]
	}
	return "invalid"
}

func (t FileType) IsDir() bool     { return t == TypeDirectory }
func (t FileType) IsRegular() bool { return t == TypeRegular }
func (t FileType) IsSymlink() bool { return t == TypeSymlink }

// mode returns the io/fs type bits for t.
func (t FileType) mode() fs.FileMode {
	switch t {
	case TypeDirectory:
		return fs.ModeDir
	case TypeSymlink:
		return fs.ModeSymlink
	case TypeCharDevice:
		return fs.ModeDevice | fs.ModeCharDevice
	case TypeBlockDevice:
		return fs.ModeDevice
	case TypeFIFO:
		return fs.ModeNamedPipe
	case TypeSocket:
		return fs.ModeSocket
	}
	return 0
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	f     *FS
	path  PathBuf
	name  []byte
	inode uint32
	ftype FileType
}

// Name returns the raw entry name. It need not be UTF-8.
func (e DirEntry) Name() []byte { return e.name }

// Inode returns the inode number the entry references.
func (e DirEntry) Inode() uint32 { return e.inode }

// Path returns the path of the directory that was listed joined with the
// entry name.
func (e DirEntry) Path() PathBuf { return e.path }

// FileType returns the type of the entry. Images without the filetype
// feature do not record it in the directory, so the inode is read.
func (e DirEntry) FileType() (FileType, error) {
	if e.ftype != TypeUnknown {
		return e.ftype, nil
	}
	ino, err := e.f.readInode(e.inode)
	if err != nil {
		return TypeUnknown, err
	}
	return ino.fileType(), nil
}

// Metadata reads the inode of the entry.
func (e DirEntry) Metadata() (Metadata, error) {
	ino, err := e.f.readInode(e.inode)
	if err != nil {
		return Metadata{}, err
	}
	return ino.metadata(), nil
}

// ReadDir is a lazy listing of a directory, including "." and "..".
// Entries come in on-disk order, one directory block at a time. A ReadDir
// is not safe for concurrent use.
type ReadDir struct {
	f      *FS
	path   Path
	dir    *inode
	blocks *dirBlocks
	block  []byte
	off    int
	err    error
}

// ReadDir opens the directory at p for listing, following symlinks.
func (f *FS) ReadDir(p string) (*ReadDir, error) {
	path, err := NewPath(p)
	if err != nil {
		return nil, err
	}
	dir, _, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if !dir.isDir() {
		return nil, errors.Wrapf(ErrNotADirectory, "%q", p)
	}
	blocks, err := f.dirBlocks(dir)
	if err != nil {
		return nil, err
	}
	return &ReadDir{f: f, path: path, dir: dir, blocks: blocks}, nil
}

// Next returns the next entry, or io.EOF after the last one. After any
// other error the listing is stuck at that error until Reset.
func (d *ReadDir) Next() (DirEntry, error) {
	if d.err != nil {
		return DirEntry{}, d.err
	}
	for {
		if d.off >= len(d.block) {
			block, err := d.blocks.nextBlock()
			if err != nil {
				d.err = err
				return DirEntry{}, err
			}
			d.block, d.off = block, 0
		}
		e, next, err := d.f.parseDirent(d.dir.num, d.block, d.off)
		if err != nil {
			d.err = err
			return DirEntry{}, err
		}
		d.off = next
		if e.inode == 0 {
			continue
		}
		path, err := d.path.Join(e.name)
		if err != nil {
			d.err = corruptf("directory %d: entry %q: %v", d.dir.num, e.name, err)
			return DirEntry{}, d.err
		}
		return DirEntry{
			f:     d.f,
			path:  path,
			name:  e.name,
			inode: e.inode,
			ftype: e.ftype,
		}, nil
	}
}

// Reset rewinds the listing to the first entry.
func (d *ReadDir) Reset() {
	d.blocks.reset()
	d.block, d.off, d.err = nil, 0, nil
}

// All returns an iterator over the remaining entries. It stops after the
// first error, which it yields.
func (d *ReadDir) All() iter.Seq2[DirEntry, error] {
	return func(yield func(DirEntry, error) bool) {
		for {
			e, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Collect reads all remaining entries.
func (d *ReadDir) Collect() ([]DirEntry, error) {
	var out []DirEntry
	for e, err := range d.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
