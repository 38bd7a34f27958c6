package ext4

import (
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/lvdlvd/ext4view/fsys"
)

// contentReader returns a reader over the content of ino. Holes and
// uninitialized extents read as zeros.
func (f *FS) contentReader(ino *inode) (*fsys.ExtentReaderAt, error) {
	extents, err := f.fileExtents(ino)
	if err != nil {
		return nil, err
	}
	return fsys.NewExtentReaderAt(f.r, extents, int64(ino.size)), nil
}

// readContent loads the whole content of ino.
func (f *FS) readContent(ino *inode) ([]byte, error) {
	r, err := f.contentReader(ino)
	if err != nil {
		return nil, err
	}
	data := make([]byte, ino.size)
	if len(data) == 0 {
		return data, nil
	}
	if _, err := r.ReadAt(data, 0); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, corruptf("inode %d: content extends beyond end of image", ino.num)
		}
		return nil, errors.Wrapf(err, "reading inode %d", ino.num)
	}
	return data, nil
}

// regularFile resolves p, following symlinks, and checks that it names a
// regular file.
func (f *FS) regularFile(p string) (*inode, error) {
	ino, err := f.resolveString(p, true)
	if err != nil {
		return nil, err
	}
	switch {
	case ino.isDir():
		return nil, errors.Wrapf(ErrIsADirectory, "%q", p)
	case !ino.isRegular():
		return nil, unsupportedf("%q is a %s", p, ino.fileType())
	}
	return ino, nil
}

// Read returns the entire content of the regular file at p. Symlinks are
// followed. The result is exactly as long as the file; holes read as zeros.
func (f *FS) Read(p string) ([]byte, error) {
	ino, err := f.regularFile(p)
	if err != nil {
		return nil, err
	}
	if ino.size > uint64(f.maxReadSize) {
		return nil, errors.Wrapf(ErrTooLarge, "%q is %d bytes", p, ino.size)
	}
	return f.readContent(ino)
}

// ReadToString is like Read but requires the content to be valid UTF-8.
func (f *FS) ReadToString(p string) (string, error) {
	data, err := f.Read(p)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.Wrapf(ErrNotUTF8, "%q", p)
	}
	return string(data), nil
}

// File is an open regular file. It reads directly from the image, so files
// of any size can be streamed. A File is not safe for concurrent use,
// except for ReadAt.
type File struct {
	r    *fsys.ExtentReaderAt
	md   Metadata
	path PathBuf
	off  int64
}

var (
	_ io.ReadSeeker = (*File)(nil)
	_ io.ReaderAt   = (*File)(nil)
)

// OpenFile opens the regular file at p for streaming, following symlinks.
func (f *FS) OpenFile(p string) (*File, error) {
	path, err := NewPath(p)
	if err != nil {
		return nil, err
	}
	ino, canon, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	switch {
	case ino.isDir():
		return nil, errors.Wrapf(ErrIsADirectory, "%q", p)
	case !ino.isRegular():
		return nil, unsupportedf("%q is a %s", p, ino.fileType())
	}
	r, err := f.contentReader(ino)
	if err != nil {
		return nil, err
	}
	return &File{r: r, md: ino.metadata(), path: canon}, nil
}

// Size returns the length of the file in bytes.
func (fl *File) Size() int64 { return fl.r.Size() }

// Metadata returns the metadata of the file's inode.
func (fl *File) Metadata() Metadata { return fl.md }

// Path returns the canonical path of the file.
func (fl *File) Path() PathBuf { return fl.path }

// Extents returns the physical layout of the file content.
func (fl *File) Extents() []fsys.Extent { return fl.r.Extents() }

func (fl *File) Read(p []byte) (int, error) {
	n, err := fl.r.ReadAt(p, fl.off)
	fl.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (fl *File) ReadAt(p []byte, off int64) (int, error) {
	return fl.r.ReadAt(p, off)
}

func (fl *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += fl.off
	case io.SeekEnd:
		offset += fl.Size()
	default:
		return 0, errors.Errorf("seek: invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, errors.Errorf("seek: negative position %d", offset)
	}
	fl.off = offset
	return offset, nil
}
