// Package part reads MBR and GPT partition tables so that a filesystem
// inside a partitioned disk image can be located and read.
package part

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lvdlvd/ext4view/detect"
	"github.com/lvdlvd/ext4view/fsys"
)

const (
	sectorSize = 512

	// Bounds on what a GPT header may claim.
	maxGPTEntries   = 1024
	maxGPTEntrySize = 4096

	// Logical partitions chained from an extended partition.
	maxLogical = 128
)

var (
	// ErrNoPartition is returned when a requested partition does not exist.
	ErrNoPartition = errors.New("no such partition")
	// ErrBadTable is returned for partition tables that cannot be parsed.
	ErrBadTable = errors.New("malformed partition table")
)

// Partition is one entry of a partition table. Numbers are 1-based; MBR
// logical partitions start at 5 as they do under Linux.
type Partition struct {
	Number   int
	Type     byte      // MBR system id, 0 for GPT
	TypeGUID uuid.UUID // GPT partition type
	GUID     uuid.UUID // GPT unique partition id
	Start    int64     // byte offset in the image
	Size     int64
	Bootable bool
	Label    string
}

// End returns the byte offset one past the partition.
func (p *Partition) End() int64 { return p.Start + p.Size }

// Extended reports whether p is an MBR container for logical partitions.
func (p *Partition) Extended() bool {
	return p.Type == 0x05 || p.Type == 0x0F || p.Type == 0x85
}

// Table is a parsed partition table.
type Table struct {
	r          io.ReaderAt
	size       int64
	kind       detect.Type
	disk       uuid.UUID
	partitions []*Partition
}

// Open parses the partition table of kind found at the start of r.
func Open(r io.ReaderAt, size int64, kind detect.Type) (*Table, error) {
	t := &Table{r: r, size: size, kind: kind}

	var err error
	switch kind {
	case detect.MBR:
		err = t.parseMBR()
	case detect.GPT:
		err = t.parseGPT()
	default:
		return nil, errors.Errorf("%v is not a partition table", kind)
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(t.partitions, func(a, b *Partition) int { return a.Number - b.Number })
	return t, nil
}

func (t *Table) readSector(lba uint64, what string) ([]byte, error) {
	b := make([]byte, sectorSize)
	if _, err := t.r.ReadAt(b, int64(lba)*sectorSize); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrBadTable, "%s at sector %d past end of image", what, lba)
		}
		return nil, errors.Wrapf(err, "reading %s", what)
	}
	return b, nil
}

type mbrEntry struct {
	bootable    bool
	typ         byte
	start, size uint32
}

func mbrEntries(sector []byte) ([4]mbrEntry, error) {
	var entries [4]mbrEntry
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return entries, errors.Wrap(ErrBadTable, "missing boot signature")
	}
	for i := range entries {
		e := sector[446+i*16 : 446+(i+1)*16]
		entries[i] = mbrEntry{
			bootable: e[0] == 0x80,
			typ:      e[4],
			start:    binary.LittleEndian.Uint32(e[8:12]),
			size:     binary.LittleEndian.Uint32(e[12:16]),
		}
	}
	return entries, nil
}

func (t *Table) parseMBR() error {
	sector, err := t.readSector(0, "MBR")
	if err != nil {
		return err
	}
	entries, err := mbrEntries(sector)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.typ == 0 || e.start == 0 || e.size == 0 {
			continue
		}
		p := &Partition{
			Number:   i + 1,
			Type:     e.typ,
			Start:    int64(e.start) * sectorSize,
			Size:     int64(e.size) * sectorSize,
			Bootable: e.bootable,
		}
		t.partitions = append(t.partitions, p)
		if p.Extended() {
			if err := t.parseLogical(uint64(e.start)); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseLogical follows the chain of extended boot records starting at the
// extended partition at sector base.
func (t *Table) parseLogical(base uint64) error {
	next := uint64(0)
	for n := 5; ; n++ {
		if n-5 >= maxLogical {
			return errors.Wrapf(ErrBadTable, "more than %d logical partitions", maxLogical)
		}
		ebr := base + next
		sector, err := t.readSector(ebr, "extended boot record")
		if err != nil {
			return err
		}
		entries, err := mbrEntries(sector)
		if err != nil {
			return errors.Wrapf(err, "extended boot record at sector %d", ebr)
		}
		if e := entries[0]; e.typ != 0 && e.size != 0 {
			t.partitions = append(t.partitions, &Partition{
				Number:   n,
				Type:     e.typ,
				Start:    int64(ebr+uint64(e.start)) * sectorSize,
				Size:     int64(e.size) * sectorSize,
				Bootable: e.bootable,
			})
		}
		link := entries[1]
		if link.typ == 0 || link.start == 0 {
			return nil
		}
		if uint64(link.start) <= next {
			return errors.Wrapf(ErrBadTable, "extended boot record chain loops at sector %d", ebr)
		}
		next = uint64(link.start)
	}
}

// mixedEndian converts a GUID as stored on disk into RFC 4122 byte order.
func mixedEndian(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:16])
	u[0], u[1], u[2], u[3] = u[3], u[2], u[1], u[0]
	u[4], u[5] = u[5], u[4]
	u[6], u[7] = u[7], u[6]
	return u
}

func (t *Table) parseGPT() error {
	header, err := t.readSector(1, "GPT header")
	if err != nil {
		return err
	}
	if string(header[0:8]) != "EFI PART" {
		return errors.Wrap(ErrBadTable, "invalid GPT signature")
	}
	t.disk = mixedEndian(header[56:72])
	entryLBA := binary.LittleEndian.Uint64(header[72:80])
	count := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])

	if entrySize < 128 || entrySize > maxGPTEntrySize || entrySize%8 != 0 {
		return errors.Wrapf(ErrBadTable, "invalid partition entry size %d", entrySize)
	}
	if count > maxGPTEntries {
		return errors.Wrapf(ErrBadTable, "%d partition entries", count)
	}
	off := int64(entryLBA) * sectorSize
	if entryLBA < 2 || off < 0 || off+int64(count)*int64(entrySize) > t.size {
		return errors.Wrapf(ErrBadTable, "partition entries at sector %d outside the image", entryLBA)
	}
	array := make([]byte, int(count)*int(entrySize))
	if _, err := t.r.ReadAt(array, off); err != nil {
		return errors.Wrap(err, "reading GPT entries")
	}

	for i := 0; i < int(count); i++ {
		e := array[i*int(entrySize) : (i+1)*int(entrySize)]
		typ := mixedEndian(e[0:16])
		if typ == uuid.Nil {
			continue
		}
		first := binary.LittleEndian.Uint64(e[32:40])
		last := binary.LittleEndian.Uint64(e[40:48])
		if last < first {
			return errors.Wrapf(ErrBadTable, "partition %d ends before it starts", i+1)
		}
		t.partitions = append(t.partitions, &Partition{
			Number:   i + 1,
			TypeGUID: typ,
			GUID:     mixedEndian(e[16:32]),
			Start:    int64(first) * sectorSize,
			Size:     int64(last-first+1) * sectorSize,
			Label:    decodeUTF16LE(e[56:128]),
		})
	}
	return nil
}

func decodeUTF16LE(data []byte) string {
	u16s := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		v := binary.LittleEndian.Uint16(data[i:])
		if v == 0 {
			break
		}
		u16s = append(u16s, v)
	}
	return string(utf16.Decode(u16s))
}

// Type returns the partition table type
func (t *Table) Type() string { return t.kind.String() }

// DiskGUID returns the GPT disk identifier, or uuid.Nil for MBR disks.
func (t *Table) DiskGUID() uuid.UUID { return t.disk }

// Partitions returns the entries in partition number order.
func (t *Table) Partitions() []*Partition { return t.partitions }

// Partition returns partition number n.
func (t *Table) Partition(n int) (*Partition, error) {
	for _, p := range t.partitions {
		if p.Number == n {
			return p, nil
		}
	}
	return nil, errors.Wrapf(ErrNoPartition, "partition %d", n)
}

// Reader returns the contents of p. It fails for partitions that extend
// past the end of the image or that only contain other partitions.
func (t *Table) Reader(p *Partition) (*fsys.ExtentReaderAt, error) {
	if p.Extended() {
		return nil, errors.Errorf("partition %d is an extended partition", p.Number)
	}
	if p.End() > t.size {
		return nil, errors.Wrapf(ErrBadTable, "partition %d ends at byte %d, past the %d byte image", p.Number, p.End(), t.size)
	}
	return fsys.NewExtentReaderAt(t.r, []fsys.Extent{{Logical: 0, Physical: p.Start, Length: p.Size}}, p.Size), nil
}

// FreeBlocks returns the byte ranges of the image not covered by the
// partition table or any partition.
func (t *Table) FreeBlocks() ([]fsys.Range, error) {
	var used []fsys.Range
	for _, p := range t.partitions {
		if p.Extended() {
			continue
		}
		used = append(used, fsys.Range{Start: p.Start, End: p.End()})
	}
	slices.SortFunc(used, func(a, b fsys.Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	pos, limit := int64(sectorSize), t.size
	if t.kind == detect.GPT {
		// Primary header and entries; the backup copy sits at the end.
		pos, limit = 34*sectorSize, t.size-33*sectorSize
	}

	var free []fsys.Range
	for _, r := range used {
		if r.Start >= limit {
			break
		}
		if r.Start > pos {
			free = append(free, fsys.Range{Start: pos, End: r.Start})
		}
		pos = max(pos, r.End)
	}
	if pos < limit {
		free = append(free, fsys.Range{Start: pos, End: limit})
	}
	return free, nil
}

// Info returns a human readable listing of the table.
func (t *Table) Info() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Table: %s\n", t.kind)
	if t.disk != uuid.Nil {
		fmt.Fprintf(&sb, "Disk GUID: %s\n", t.disk)
	}
	fmt.Fprintf(&sb, "Partitions: %d\n\n", len(t.partitions))
	fmt.Fprintf(&sb, "%-4s %-20s %12s %10s %s\n", "NUM", "TYPE", "START", "SIZE", "LABEL")
	for _, p := range t.partitions {
		label := p.Label
		if label == "" && p.Bootable {
			label = "(bootable)"
		}
		fmt.Fprintf(&sb, "%-4d %-20s %12d %10s %s\n",
			p.Number, truncate(p.TypeName(), 20), p.Start/sectorSize, FormatSize(p.Size), label)
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

// FormatSize renders a byte count with a binary unit suffix.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(bytes)/float64(div), "KMGT"[exp])
}

var mbrTypes = map[byte]string{
	0x01: "FAT12",
	0x04: "FAT16",
	0x05: "Extended",
	0x06: "FAT16",
	0x07: "NTFS/exFAT",
	0x0B: "FAT32",
	0x0C: "FAT32",
	0x0E: "FAT16",
	0x0F: "Extended",
	0x82: "Linux swap",
	0x83: "Linux",
	0x85: "Linux extended",
	0x8E: "Linux LVM",
	0xEE: "GPT Protective",
	0xEF: "EFI System",
	0xFD: "Linux RAID",
}

var gptTypes = map[uuid.UUID]string{
	uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"): "EFI System",
	uuid.MustParse("21686148-6449-6E6F-744E-656564454649"): "BIOS boot",
	uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"): "Basic Data",
	uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4"): "Linux Filesystem",
	uuid.MustParse("4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709"): "Linux root (x86-64)",
	uuid.MustParse("B921B045-1DF0-41C3-AF44-4C6F280D3FAE"): "Linux root (ARM64)",
	uuid.MustParse("933AC7E1-2EB4-4F13-B844-0E14E2AEF915"): "Linux home",
	uuid.MustParse("BC13C2FF-59E6-4262-A352-B275FD6F7172"): "Linux extended boot",
	uuid.MustParse("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"): "Linux Swap",
	uuid.MustParse("E6D6D379-F507-44C2-A23C-238F2A3DF928"): "Linux LVM",
	uuid.MustParse("A19D880F-05FC-4D3B-A006-743F0F84911E"): "Linux RAID",
	uuid.MustParse("7C3457EF-0000-11AA-AA11-00306543ECAC"): "Apple APFS",
	uuid.MustParse("48465300-0000-11AA-AA11-00306543ECAC"): "Apple HFS+",
}

// TypeName returns a human readable partition type.
func (p *Partition) TypeName() string {
	if p.Type != 0 {
		if s, ok := mbrTypes[p.Type]; ok {
			return s
		}
		return fmt.Sprintf("0x%02X", p.Type)
	}
	if s, ok := gptTypes[p.TypeGUID]; ok {
		return s
	}
	return strings.ToUpper(p.TypeGUID.String())
}
