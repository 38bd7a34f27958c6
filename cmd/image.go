// Package cmd implements the ext4view commands.
package cmd

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/ext4view/detect"
	"github.com/lvdlvd/ext4view/fsys/ext4"
	"github.com/lvdlvd/ext4view/fsys/part"
	"github.com/lvdlvd/ext4view/source"
)

// ErrNoFilesystem is returned when no ext filesystem can be found in an
// image.
var ErrNoFilesystem = errors.New("no ext2/3/4 filesystem found")

// ImageOptions controls how OpenImage locates the filesystem.
type ImageOptions struct {
	// Partition selects a partition (1-based) of a partitioned disk. Zero
	// picks the first partition holding an ext filesystem.
	Partition int
	Log       logrus.FieldLogger
	FSOptions []ext4.Option
}

// Image is an opened image and the filesystem found in it.
type Image struct {
	Kind      detect.Type     // what the start of the image holds
	Table     *part.Table     // nil for unpartitioned images
	Partition *part.Partition // the partition holding FS, if Table is set
	FS        *ext4.FS
	closer    io.Closer
}

// Close releases the underlying source.
func (im *Image) Close() error {
	if im.closer == nil {
		return nil
	}
	return im.closer.Close()
}

// OpenImage finds and opens the ext filesystem in src, looking inside a
// partition table when there is one. The image takes ownership of src.
func OpenImage(src *source.Source, opts ImageOptions) (*Image, error) {
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	im, err := openImage(src, src.Size(), opts, log)
	if err != nil {
		return nil, err
	}
	im.closer = src
	return im, nil
}

func openImage(r io.ReaderAt, size int64, opts ImageOptions, log logrus.FieldLogger) (*Image, error) {
	kind, err := detect.Detect(r)
	if err != nil {
		return nil, errors.Wrap(err, "detecting image type")
	}
	log.WithField("type", kind.String()).Debug("detected image")

	fsOpts := append([]ext4.Option{ext4.WithLogger(log)}, opts.FSOptions...)

	switch {
	case kind.IsExt():
		if opts.Partition != 0 {
			return nil, errors.Errorf("image holds a bare %v filesystem, not a partition table", kind)
		}
		f, err := ext4.Open(r, fsOpts...)
		if err != nil {
			return nil, err
		}
		return &Image{Kind: kind, FS: f}, nil

	case kind.IsPartitionTable():
		table, err := part.Open(r, size, kind)
		if err != nil {
			return nil, err
		}
		p, pr, err := choosePartition(table, opts.Partition, log)
		if err != nil {
			return nil, err
		}
		f, err := ext4.Open(pr, fsOpts...)
		if err != nil {
			return nil, errors.Wrapf(err, "partition %d", p.Number)
		}
		return &Image{Kind: kind, Table: table, Partition: p, FS: f}, nil

	case kind == detect.Unknown:
		return nil, ErrNoFilesystem
	default:
		return nil, errors.Wrapf(ErrNoFilesystem, "image holds %v", kind)
	}
}

func choosePartition(table *part.Table, n int, log logrus.FieldLogger) (*part.Partition, io.ReaderAt, error) {
	if n != 0 {
		p, err := table.Partition(n)
		if err != nil {
			return nil, nil, err
		}
		r, err := table.Reader(p)
		if err != nil {
			return nil, nil, err
		}
		return p, r, nil
	}

	for _, p := range table.Partitions() {
		r, err := table.Reader(p)
		if err != nil {
			continue
		}
		kind, err := detect.Detect(r)
		if err != nil || !kind.IsExt() {
			continue
		}
		log.WithFields(logrus.Fields{"partition": p.Number, "type": kind.String()}).Debug("using partition")
		return p, r, nil
	}
	return nil, nil, errors.Wrapf(ErrNoFilesystem, "none of %d partitions", len(table.Partitions()))
}
