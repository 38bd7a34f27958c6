package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/lvdlvd/ext4view/fsys/ext4"
	"github.com/lvdlvd/ext4view/fsys/part"
)

// Cat copies the contents of each file to out in turn. Files are streamed
// from the image, so their size is not limited by memory.
func Cat(f *ext4.FS, paths []string, out io.Writer) error {
	for _, p := range paths {
		file, err := f.OpenFile(absPath(p))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, file); err != nil {
			return err
		}
	}
	return nil
}

// Stat shows the inode metadata of a path, without following a final
// symlink.
func Stat(f *ext4.FS, p string, out io.Writer) error {
	p = absPath(p)
	md, err := f.SymlinkMetadata(p)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "  File: %s", displayName([]byte(p)))
	if md.FileType.IsSymlink() {
		target, err := f.ReadLink(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, " -> %s", displayName(target.Bytes()))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Type: %s\n", md.FileType)
	fmt.Fprintf(out, "  Size: %d (%s)\n", md.Size, part.FormatSize(int64(md.Size)))
	fmt.Fprintf(out, " Inode: %d  Links: %d\n", md.Inode, md.Links)
	fmt.Fprintf(out, "Access: (%04o/%s)  Uid: %d  Gid: %d\n", md.Permissions(), md.Mode, md.UID, md.GID)
	fmt.Fprintf(out, "Access: %s\n", formatTime(md.ATime))
	fmt.Fprintf(out, "Modify: %s\n", formatTime(md.MTime))
	fmt.Fprintf(out, "Change: %s\n", formatTime(md.CTime))
	if !md.CrTime.IsZero() {
		fmt.Fprintf(out, " Birth: %s\n", formatTime(md.CrTime))
	}
	fmt.Fprintf(out, " Flags: %#08x  Generation: %d\n", md.Flags, md.Generation)

	if md.FileType.IsRegular() {
		file, err := f.OpenFile(p)
		if err != nil {
			return err
		}
		extents := file.Extents()
		fmt.Fprintf(out, "Extents: %d\n", len(extents))
		for _, e := range extents {
			fmt.Fprintf(out, "  %12d..%-12d at byte %d\n", e.Logical, e.End(), e.Physical)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000000000 -0700")
}

// ReadLink prints the target of the symlink at p.
func ReadLink(f *ext4.FS, p string, out io.Writer) error {
	target, err := f.ReadLink(absPath(p))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, displayName(target.Bytes()))
	return err
}
