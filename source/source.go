// Package source opens the byte sources an image can be read from: regular
// files, block devices, compressed image files and memory buffers.
//
// Compressed images are recognized by their magic bytes and decoded into
// memory, since the filesystem reader needs random access.
package source

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultMaxDecompressed bounds the decoded size of a compressed image.
const DefaultMaxDecompressed = 4 << 30

// ErrTooLarge is returned when a compressed image decodes to more than the
// configured limit.
var ErrTooLarge = errors.New("decompressed image exceeds size limit")

// Kind says where the bytes of a Source live.
type Kind int

const (
	File Kind = iota
	BlockDevice
	Memory
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case BlockDevice:
		return "block device"
	case Memory:
		return "memory"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Compression is the container format of an image file.
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
	LZ4
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

var magics = []struct {
	c     Compression
	magic []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{LZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
}

// Sniff identifies the compression of data from its first bytes.
func Sniff(header []byte) Compression {
	for _, m := range magics {
		if bytes.HasPrefix(header, m.magic) {
			return m.c
		}
	}
	return None
}

// Source is a random-access image. It is safe for concurrent ReadAt calls.
type Source struct {
	io.ReaderAt
	name        string
	size        int64
	kind        Kind
	compression Compression
	closer      io.Closer
}

// Name returns the path the source was opened from.
func (s *Source) Name() string { return s.name }

// Size returns the number of bytes in the source.
func (s *Source) Size() int64 { return s.size }

func (s *Source) Kind() Kind { return s.kind }

// Compression returns the format the image was decoded from.
func (s *Source) Compression() Compression { return s.compression }

// Close releases the underlying file, if any.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Section returns the n bytes of s starting at off as a Source of its own.
// Closing the section does not close s.
func (s *Source) Section(off, n int64) (*Source, error) {
	if off < 0 || n < 0 || off > s.size || n > s.size-off {
		return nil, errors.Errorf("%s: section [%d, +%d) outside of %d bytes", s.name, off, n, s.size)
	}
	return &Source{
		ReaderAt:    io.NewSectionReader(s.ReaderAt, off, n),
		name:        fmt.Sprintf("%s@%d", s.name, off),
		size:        n,
		kind:        s.kind,
		compression: s.compression,
	}, nil
}

type options struct {
	log             logrus.FieldLogger
	maxDecompressed int64
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger used to report how the source was opened.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithMaxDecompressed sets the largest decoded size accepted for a
// compressed image.
func WithMaxDecompressed(n int64) Option {
	return func(o *options) { o.maxDecompressed = n }
}

// FromBytes wraps an in-memory image.
func FromBytes(name string, data []byte) *Source {
	return &Source{
		ReaderAt: bytes.NewReader(data),
		name:     name,
		size:     int64(len(data)),
		kind:     Memory,
	}
}

// Open opens the image at path. Block devices are sized with an ioctl;
// compressed files are decoded into memory.
func Open(path string, opts ...Option) (*Source, error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	o := options{log: discard, maxDecompressed: DefaultMaxDecompressed}
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	src, err := open(f, path, o)
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}

func open(f *os.File, path string, o options) (*Source, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat image")
	}
	log := o.log.WithField("path", path)

	if fi.Mode()&os.ModeDevice != 0 {
		size, err := deviceSize(f)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: device size", path)
		}
		log.WithField("size", size).Debug("opened block device")
		return &Source{ReaderAt: f, name: path, size: size, kind: BlockDevice, closer: f}, nil
	}
	if !fi.Mode().IsRegular() {
		return nil, errors.Errorf("%s: not a regular file or block device", path)
	}

	header := make([]byte, 4)
	n, err := f.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "%s: reading header", path)
	}
	c := Sniff(header[:n])
	if c == None {
		log.WithField("size", fi.Size()).Debug("opened image file")
		return &Source{ReaderAt: f, name: path, size: fi.Size(), kind: File, closer: f}, nil
	}

	data, err := Decompress(io.NewSectionReader(f, 0, fi.Size()), c, o.maxDecompressed)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	f.Close()
	log.WithFields(logrus.Fields{
		"compression": c.String(),
		"compressed":  fi.Size(),
		"size":        len(data),
	}).Debug("decompressed image into memory")
	return &Source{
		ReaderAt:    bytes.NewReader(data),
		name:        path,
		size:        int64(len(data)),
		kind:        Memory,
		compression: c,
	}, nil
}

// Decompress reads all of r, compressed with c, and returns the decoded
// bytes. More than limit decoded bytes is an error matching ErrTooLarge.
func Decompress(r io.Reader, c Compression, limit int64) ([]byte, error) {
	var dec io.Reader
	switch c {
	case None:
		dec = r
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		defer zr.Close()
		dec = zr
	case Zstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		defer zr.Close()
		dec = zr
	case LZ4:
		dec = lz4.NewReader(r)
	default:
		return nil, errors.Errorf("unknown compression %v", c)
	}

	data, err := io.ReadAll(io.LimitReader(dec, limit+1))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %v image", c)
	}
	if int64(len(data)) > limit {
		return nil, errors.Wrapf(ErrTooLarge, "%v image larger than %d bytes", c, limit)
	}
	return data, nil
}
