package ext4

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Separator is the path component separator.
const Separator = '/'

// maxNameLen is the longest name a directory entry can hold.
const maxNameLen = 255

// Path is an immutable, validated path. Paths are arbitrary byte sequences
// with two restrictions: no NUL bytes, and no "/"-separated component longer
// than 255 bytes. A Path carries no filesystem knowledge; it may be relative.
type Path struct {
	p string
}

// Root is the path "/".
var Root = Path{"/"}

// NewPath validates p and returns it as a Path.
func NewPath[T ~string | ~[]byte](p T) (Path, error) {
	s := string(p)
	if err := validatePath(s); err != nil {
		return Path{}, err
	}
	return Path{s}, nil
}

// MustPath is like NewPath but panics if p is invalid. It is intended for
// constants and tests.
func MustPath[T ~string | ~[]byte](p T) Path {
	path, err := NewPath(p)
	if err != nil {
		panic(err)
	}
	return path
}

func validatePath(s string) error {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return errors.Wrapf(ErrMalformedPath, "NUL byte at offset %d", i)
	}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == Separator {
			if i-start > maxNameLen {
				return errors.Wrapf(ErrMalformedPath, "component at offset %d is %d bytes long", start, i-start)
			}
			start = i + 1
		}
	}
	return nil
}

// String returns the path bytes as a string. The result need not be UTF-8.
func (p Path) String() string { return p.p }

// Bytes returns a copy of the path bytes.
func (p Path) Bytes() []byte { return []byte(p.p) }

// GoString returns the path quoted, with non-printable bytes escaped.
func (p Path) GoString() string { return strconv.Quote(p.p) }

// IsAbsolute reports whether p begins with the separator.
func (p Path) IsAbsolute() bool {
	return len(p.p) > 0 && p.p[0] == Separator
}

// Compare orders paths bytewise.
func (p Path) Compare(q Path) int {
	switch {
	case p.p < q.p:
		return -1
	case p.p > q.p:
		return 1
	}
	return 0
}

// Base returns the last non-empty component of p, or "/" for the root.
func (p Path) Base() []byte {
	s := p.p
	for len(s) > 1 && s[len(s)-1] == Separator {
		s = s[:len(s)-1]
	}
	if s == "/" {
		return []byte{Separator}
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == Separator {
			return []byte(s[i+1:])
		}
	}
	return []byte(s)
}

// Join appends name to p, inserting a separator if needed.
func (p Path) Join(name []byte) (PathBuf, error) {
	b := PathBuf{b: []byte(p.p)}
	if err := b.Push(name); err != nil {
		return PathBuf{}, err
	}
	return b, nil
}

// components returns the non-empty components of p in order.
func (p Path) components() [][]byte {
	var out [][]byte
	for _, c := range bytes.Split([]byte(p.p), []byte{Separator}) {
		if len(c) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// PathBuf is an owned, growable path with the same invariants as Path.
type PathBuf struct {
	b []byte
}

// NewPathBuf validates p and returns a PathBuf holding a copy of it.
func NewPathBuf[T ~string | ~[]byte](p T) (PathBuf, error) {
	path, err := NewPath(p)
	if err != nil {
		return PathBuf{}, err
	}
	return PathBuf{b: []byte(path.p)}, nil
}

// MustPathBuf is like NewPathBuf but panics if p is invalid.
func MustPathBuf[T ~string | ~[]byte](p T) PathBuf {
	return PathBuf{b: []byte(MustPath(p).p)}
}

// AsPath returns an immutable view of pb.
func (pb PathBuf) AsPath() Path { return Path{string(pb.b)} }

func (pb PathBuf) String() string   { return string(pb.b) }
func (pb PathBuf) GoString() string { return strconv.Quote(string(pb.b)) }

// Bytes returns a copy of the path bytes.
func (pb PathBuf) Bytes() []byte { return bytes.Clone(pb.b) }

// Compare orders paths bytewise.
func (pb PathBuf) Compare(other PathBuf) int { return bytes.Compare(pb.b, other.b) }

// Push appends a separator (unless pb is empty or already ends in one) and
// then p. The result is validated; on error pb is unchanged.
func (pb *PathBuf) Push(p []byte) error {
	n := len(pb.b)
	next := pb.b[:n:n]
	if n > 0 && next[n-1] != Separator {
		next = append(next, Separator)
	}
	next = append(next, p...)
	if err := validatePath(string(next)); err != nil {
		return err
	}
	pb.b = next
	return nil
}
