package cmd

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/lvdlvd/ext4view/fsys/ext4"
)

// LsOptions controls ls behavior
type LsOptions struct {
	Long bool // Long format (-l)
	All  bool // Include entries starting with a dot (-a)
}

// Ls lists the contents of a path in the filesystem.
// If the path is a file, it shows that file alone.
func Ls(f *ext4.FS, p string, out io.Writer, opts LsOptions) error {
	p = absPath(p)
	md, err := f.SymlinkMetadata(p)
	if err != nil {
		return err
	}
	if md.FileType.IsSymlink() {
		// Follow a symlink named on the command line if it leads to a directory.
		if target, err := f.Metadata(p); err == nil && target.FileType.IsDir() {
			md = target
		}
	}
	if !md.FileType.IsDir() {
		if !opts.Long {
			fmt.Fprintln(out, displayName([]byte(p)))
			return nil
		}
		return printLong(f, p, []byte(p), md, out)
	}

	dir, err := f.ReadDir(p)
	if err != nil {
		return err
	}
	for entry, err := range dir.All() {
		if err != nil {
			return err
		}
		name := entry.Name()
		if !opts.All && len(name) > 0 && name[0] == '.' {
			continue
		}
		if !opts.Long {
			ft, err := entry.FileType()
			if err != nil {
				return err
			}
			s := displayName(name)
			if ft.IsDir() && !isDots(name) {
				s += "/"
			}
			fmt.Fprintln(out, s)
			continue
		}
		md, err := entry.Metadata()
		if err != nil {
			return err
		}
		if err := printLong(f, entry.Path().String(), name, md, out); err != nil {
			return err
		}
	}
	return nil
}

// absPath roots a command-line path: ext4 paths are always absolute.
func absPath(p string) string {
	if len(p) == 0 || p[0] != '/' {
		return "/" + p
	}
	return p
}

func isDots(name []byte) bool {
	return bytes.Equal(name, []byte(".")) || bytes.Equal(name, []byte(".."))
}

func printLong(f *ext4.FS, p string, name []byte, md ext4.Metadata, out io.Writer) error {
	line := fmt.Sprintf("%8d %s %3d %5d %5d %12d %s %s",
		md.Inode, md.Mode, md.Links, md.UID, md.GID, md.Size,
		md.MTime.UTC().Format("2006-01-02 15:04"), displayName(name))
	if md.FileType.IsSymlink() {
		target, err := f.ReadLink(p)
		if err != nil {
			return err
		}
		line += " -> " + displayName(target.Bytes())
	}
	_, err := fmt.Fprintln(out, line)
	return err
}

// displayName returns name unchanged when it is printable UTF-8 and a Go
// quoted string otherwise.
func displayName(name []byte) string {
	if !utf8.Valid(name) {
		return strconv.Quote(string(name))
	}
	for _, r := range string(name) {
		if !unicode.IsPrint(r) {
			return strconv.Quote(string(name))
		}
	}
	return string(name)
}
