package ext4

import (
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/lvdlvd/ext4view/fsys"
)

// IOFS presents an FS through the io/fs interfaces. Names are unrooted
// slash-separated paths as fs.ValidPath requires; "." is the root.
type IOFS struct {
	*FS
}

var (
	_ fsys.FS        = (*IOFS)(nil)
	_ fs.ReadFileFS  = (*IOFS)(nil)
	_ fs.ReadDirFile = (*ioDir)(nil)
	_ fsys.FileInfo  = (*fileInfo)(nil)
)

// IOFS returns an io/fs view of f.
func (f *FS) IOFS() *IOFS { return &IOFS{f} }

func (f *IOFS) abs(op, name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return "/", nil
	}
	return "/" + name, nil
}

func (f *IOFS) stat(op, name string, follow bool) (*inode, error) {
	p, err := f.abs(op, name)
	if err != nil {
		return nil, err
	}
	ino, err := f.resolveString(p, follow)
	if err != nil {
		return nil, &fs.PathError{Op: op, Path: name, Err: err}
	}
	return ino, nil
}

func (f *IOFS) Open(name string) (fs.File, error) {
	p, err := f.abs("open", name)
	if err != nil {
		return nil, err
	}
	ino, err := f.resolveString(p, true)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	info := &fileInfo{name: path.Base(name), md: ino.metadata()}

	switch {
	case ino.isDir():
		rd, err := f.FS.ReadDir(p)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		return &ioDir{rd: rd, info: info}, nil
	case ino.isRegular():
		r, err := f.contentReader(ino)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		return &ioFile{r: r, info: info}, nil
	}
	return &ioFile{info: info}, nil
}

// ReadDir returns the entries of the named directory sorted by name,
// without "." and "..".
func (f *IOFS) ReadDir(name string) ([]fs.DirEntry, error) {
	file, err := f.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dir, ok := file.(*ioDir)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotADirectory}
	}
	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	return entries, nil
}

func (f *IOFS) Stat(name string) (fs.FileInfo, error) {
	ino, err := f.stat("stat", name, true)
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: path.Base(name), md: ino.metadata()}, nil
}

// Lstat is like Stat but does not follow a symlink in the last element.
func (f *IOFS) Lstat(name string) (fs.FileInfo, error) {
	ino, err := f.stat("lstat", name, false)
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: path.Base(name), md: ino.metadata()}, nil
}

// ReadLink returns the target of the named symlink.
func (f *IOFS) ReadLink(name string) (string, error) {
	ino, err := f.stat("readlink", name, false)
	if err != nil {
		return "", err
	}
	target, err := f.symlinkTarget(ino)
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}
	return target.String(), nil
}

func (f *IOFS) ReadFile(name string) ([]byte, error) {
	p, err := f.abs("readfile", name)
	if err != nil {
		return nil, err
	}
	data, err := f.Read(p)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	return data, nil
}

// ioFile is an open non-directory. r is nil for special files, which have
// no content.
type ioFile struct {
	r    *fsys.ExtentReaderAt
	info *fileInfo
	off  int64
}

func (f *ioFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *ioFile) Close() error               { return nil }

func (f *ioFile) Read(b []byte) (int, error) {
	if f.r == nil {
		return 0, &fs.PathError{Op: "read", Path: f.info.name, Err: ErrUnsupported}
	}
	n, err := f.r.ReadAt(b, f.off)
	f.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *ioFile) ReadAt(b []byte, off int64) (int, error) {
	if f.r == nil {
		return 0, &fs.PathError{Op: "read", Path: f.info.name, Err: ErrUnsupported}
	}
	return f.r.ReadAt(b, off)
}

// ioDir is an open directory.
type ioDir struct {
	rd   *ReadDir
	info *fileInfo
}

func (d *ioDir) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *ioDir) Close() error               { return nil }

func (d *ioDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.name, Err: ErrIsADirectory}
}

func (d *ioDir) ReadDir(n int) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	for n <= 0 || len(out) < n {
		e, err := d.rd.Next()
		if err == io.EOF {
			if n > 0 && len(out) == 0 {
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return out, err
		}
		if name := string(e.Name()); name == "." || name == ".." {
			continue
		}
		out = append(out, ioDirEntry{e})
	}
	return out, nil
}

type ioDirEntry struct {
	e DirEntry
}

func (e ioDirEntry) Name() string { return string(e.e.Name()) }

func (e ioDirEntry) IsDir() bool { return e.Type().IsDir() }

func (e ioDirEntry) Type() fs.FileMode {
	t, err := e.e.FileType()
	if err != nil {
		return fs.ModeIrregular
	}
	return t.mode()
}

func (e ioDirEntry) Info() (fs.FileInfo, error) {
	md, err := e.e.Metadata()
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: e.Name(), md: md}, nil
}

// fileInfo implements fs.FileInfo and fsys.FileInfo. Sys returns the
// Metadata.
type fileInfo struct {
	name string
	md   Metadata
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return int64(i.md.Size) }
func (i *fileInfo) Mode() fs.FileMode  { return i.md.Mode }
func (i *fileInfo) ModTime() time.Time { return i.md.MTime }
func (i *fileInfo) IsDir() bool        { return i.md.FileType.IsDir() }
func (i *fileInfo) Sys() any           { return i.md }
func (i *fileInfo) Inode() uint64      { return uint64(i.md.Inode) }
