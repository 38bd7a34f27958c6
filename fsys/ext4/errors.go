package ext4

import (
	"io"
	"io/fs"

	"github.com/pkg/errors"
)

// Error kinds returned by this package. Errors carry additional context but
// always match one of these with errors.Is. Where an io/fs equivalent exists,
// the kind also matches it (ErrNotFound matches fs.ErrNotExist).
var (
	// ErrMalformedPath means the path contains a NUL byte or a component
	// longer than 255 bytes.
	ErrMalformedPath error = &kindError{"malformed path", fs.ErrInvalid}

	// ErrNotAbsolute means the path does not begin with "/".
	ErrNotAbsolute error = &kindError{"path is not absolute", fs.ErrInvalid}

	// ErrNotFound means a path component does not exist, or an inode
	// number is out of range.
	ErrNotFound error = &kindError{"no such file or directory", fs.ErrNotExist}

	ErrNotADirectory error = &kindError{"not a directory", nil}
	ErrIsADirectory  error = &kindError{"is a directory", nil}
	ErrNotASymlink   error = &kindError{"not a symbolic link", fs.ErrInvalid}

	// ErrNotUTF8 is returned by ReadToString for content that is not valid
	// UTF-8.
	ErrNotUTF8 error = &kindError{"file content is not valid UTF-8", nil}

	ErrTooManySymlinks error = &kindError{"too many levels of symbolic links", nil}

	// ErrCorrupt means a structural invariant of the image was violated.
	ErrCorrupt error = &kindError{"corrupt filesystem", nil}

	// ErrUnsupported means the image uses a feature this package does not
	// implement.
	ErrUnsupported error = &kindError{"unsupported filesystem feature", nil}

	// ErrNotExt4 means the source does not hold an ext2/3/4 superblock.
	ErrNotExt4 error = &kindError{"not an ext2/3/4 filesystem", nil}

	// ErrTooLarge means a whole-file read was requested for a file larger
	// than the configured limit. Use OpenFile to stream such files.
	ErrTooLarge error = &kindError{"file too large to read into memory", nil}
)

type kindError struct {
	msg string
	fs  error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.fs }

// corruptf returns an ErrCorrupt with a formatted description.
func corruptf(format string, args ...any) error {
	return errors.Wrapf(ErrCorrupt, format, args...)
}

func unsupportedf(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}

// readAt fills p from r at off. A short read means the image ends before a
// structure it references, which is reported as corruption rather than EOF.
func readAt(r io.ReaderAt, p []byte, off int64, what string) error {
	if off < 0 {
		return corruptf("%s: negative offset %d", what, off)
	}
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
		return corruptf("%s: image ends at %d, need %d bytes at offset %d", what, off+int64(n), len(p), off)
	}
	return errors.Wrapf(err, "reading %s at offset %d", what, off)
}
