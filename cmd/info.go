package cmd

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/lvdlvd/ext4view/fsys"
	"github.com/lvdlvd/ext4view/fsys/part"
)

// Info prints where the filesystem was found and its superblock summary.
func Info(im *Image, out io.Writer) error {
	info := im.FS.Info()

	if im.Table != nil {
		p := im.Partition
		fmt.Fprintf(out, "Partition table:  %s\n", im.Table.Type())
		fmt.Fprintf(out, "Partition:        %d (%s) at byte %d\n", p.Number, p.TypeName(), p.Start)
	}
	fmt.Fprintf(out, "Filesystem type:  %s\n", info.Type)
	fmt.Fprintf(out, "Volume name:      %s\n", displayName([]byte(info.Label)))
	fmt.Fprintf(out, "UUID:             %s\n", info.UUID)
	if info.LastMounted != "" {
		fmt.Fprintf(out, "Last mounted on:  %s\n", displayName([]byte(info.LastMounted)))
	}
	fmt.Fprintf(out, "Features:         %s\n", info.Features)
	fmt.Fprintf(out, "Block size:       %d\n", info.BlockSize)
	fmt.Fprintf(out, "Inode size:       %d\n", info.InodeSize)
	fmt.Fprintf(out, "Blocks:           %d (%d free)\n", info.BlocksCount, info.FreeBlocks)
	fmt.Fprintf(out, "Inodes:           %d (%d free)\n", info.InodesCount, info.FreeInodes)
	fmt.Fprintf(out, "Block groups:     %d (%d blocks, %d inodes each)\n", info.GroupCount, info.BlocksPerGroup, info.InodesPerGroup)
	fmt.Fprintf(out, "First data block: %d\n", info.FirstDataBlock)
	_, err := fmt.Fprintf(out, "Directory hash:   %s\n", info.DefHashVersion)
	return err
}

// Free prints the free byte ranges reported by fb and their total.
func Free(fb fsys.FreeBlocker, out io.Writer) error {
	ranges, err := fb.FreeBlocks()
	if err != nil {
		return err
	}
	var total int64
	for _, r := range ranges {
		fmt.Fprintf(out, "%14d %14d %10s\n", r.Start, r.End, part.FormatSize(r.Size()))
		total += r.Size()
	}
	_, err = fmt.Fprintf(out, "%d ranges, %d bytes (%s) free\n", len(ranges), total, part.FormatSize(total))
	return err
}

// Parts prints the partition table of the image.
func Parts(im *Image, out io.Writer) error {
	if im.Table == nil {
		return errors.Errorf("image is not partitioned (holds a bare %v filesystem)", im.Kind)
	}
	_, err := io.WriteString(out, im.Table.Info())
	return err
}
