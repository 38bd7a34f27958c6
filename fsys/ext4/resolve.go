package ext4

import (
	"github.com/pkg/errors"
)

// maxSymlinkLen bounds the target of a slow symlink; the kernel refuses to
// create longer ones.
const maxSymlinkLen = 4096

// resolveString validates p and resolves it.
func (f *FS) resolveString(p string, follow bool) (*inode, error) {
	path, err := NewPath(p)
	if err != nil {
		return nil, err
	}
	ino, _, err := f.resolve(path, follow)
	return ino, err
}

type walkStep struct {
	ino  uint32
	name []byte
}

// resolve walks p from the root directory. Symlinks met before the last
// component are always followed; the last one is followed if follow is set.
// Besides the final inode it returns the canonical path of that inode: the
// names walked, with symlinks, "." and ".." resolved.
func (f *FS) resolve(p Path, follow bool) (*inode, PathBuf, error) {
	if !p.IsAbsolute() {
		return nil, PathBuf{}, errors.Wrapf(ErrNotAbsolute, "%q", p.String())
	}

	// pending holds the components still to walk, last one first.
	comps := p.components()
	pending := make([][]byte, 0, len(comps))
	for i := len(comps) - 1; i >= 0; i-- {
		pending = append(pending, comps[i])
	}

	var walked []walkStep // from the root down to cur
	cur, err := f.readInode(rootInode)
	if err != nil {
		return nil, PathBuf{}, err
	}
	links := 0

	for len(pending) > 0 {
		name := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if !cur.isDir() {
			return nil, PathBuf{}, errors.Wrapf(ErrNotADirectory, "%q", p.String())
		}

		switch string(name) {
		case ".":
			continue
		case "..":
			if len(walked) > 0 {
				walked = walked[:len(walked)-1]
			}
			parent := uint32(rootInode)
			if len(walked) > 0 {
				parent = walked[len(walked)-1].ino
			}
			if cur, err = f.readInode(parent); err != nil {
				return nil, PathBuf{}, err
			}
			continue
		}

		num, err := f.lookup(cur, name)
		if err != nil {
			return nil, PathBuf{}, errors.Wrapf(err, "%q", p.String())
		}
		child, err := f.readInode(num)
		if err != nil {
			return nil, PathBuf{}, err
		}

		if child.isSymlink() && (len(pending) > 0 || follow) {
			links++
			if links > f.maxSymlinks {
				return nil, PathBuf{}, errors.Wrapf(ErrTooManySymlinks, "%q", p.String())
			}
			target, err := f.symlinkTarget(child)
			if err != nil {
				return nil, PathBuf{}, err
			}
			if target.String() == "" {
				return nil, PathBuf{}, errors.Wrapf(ErrNotFound, "%q: empty symlink target", p.String())
			}
			tc := target.components()
			for i := len(tc) - 1; i >= 0; i-- {
				pending = append(pending, tc[i])
			}
			if target.IsAbsolute() {
				walked = walked[:0]
				if cur, err = f.readInode(rootInode); err != nil {
					return nil, PathBuf{}, err
				}
			}
			continue
		}

		walked = append(walked, walkStep{ino: num, name: name})
		cur = child
	}

	canon := MustPathBuf("/")
	for _, s := range walked {
		if err := canon.Push(s.name); err != nil {
			return nil, PathBuf{}, err
		}
	}
	return cur, canon, nil
}

// symlinkTarget returns the target stored in a symlink inode. Targets
// shorter than the 60-byte block map are stored in it directly.
func (f *FS) symlinkTarget(ino *inode) (Path, error) {
	if !ino.isSymlink() {
		return Path{}, errors.Wrapf(ErrNotASymlink, "inode %d", ino.num)
	}
	if err := ino.checkData(); err != nil {
		return Path{}, err
	}

	var target []byte
	switch {
	case ino.size < inlineSymlinkLen:
		target = ino.block[:ino.size]
	case ino.size > maxSymlinkLen:
		return Path{}, corruptf("inode %d: symlink target of %d bytes", ino.num, ino.size)
	default:
		var err error
		if target, err = f.readContent(ino); err != nil {
			return Path{}, err
		}
	}

	p, err := NewPath(target)
	if err != nil {
		return Path{}, corruptf("inode %d: symlink target: %v", ino.num, err)
	}
	return p, nil
}

// Canonicalize returns the absolute path of the file at p with every
// symlink, "." and ".." component resolved.
func (f *FS) Canonicalize(p string) (PathBuf, error) {
	path, err := NewPath(p)
	if err != nil {
		return PathBuf{}, err
	}
	_, canon, err := f.resolve(path, true)
	return canon, err
}

// Exists reports whether p names a file, following symlinks. Errors other
// than a missing component are returned.
func (f *FS) Exists(p string) (bool, error) {
	_, err := f.resolveString(p, true)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

// Metadata returns the metadata of the file at p, following symlinks.
func (f *FS) Metadata(p string) (Metadata, error) {
	ino, err := f.resolveString(p, true)
	if err != nil {
		return Metadata{}, err
	}
	return ino.metadata(), nil
}

// SymlinkMetadata is like Metadata but does not follow a symlink in the
// last component.
func (f *FS) SymlinkMetadata(p string) (Metadata, error) {
	ino, err := f.resolveString(p, false)
	if err != nil {
		return Metadata{}, err
	}
	return ino.metadata(), nil
}

// ReadLink returns the target of the symlink at p.
func (f *FS) ReadLink(p string) (Path, error) {
	ino, err := f.resolveString(p, false)
	if err != nil {
		return Path{}, err
	}
	return f.symlinkTarget(ino)
}
