// Package lp reads logical partition (super) metadata and splits a super
// image into one raw image per logical partition.
package lp

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

const (
	GeometryMagic = 0x616c4467
	HeaderMagic   = 0x414c5030

	SectorSize = 512

	// PartitionReservedBytes precede the primary geometry.
	PartitionReservedBytes = 4096
	GeometrySize           = 4096
	GeometryOffset         = PartitionReservedBytes
	BackupGeometryOffset   = GeometryOffset + GeometrySize
	MetadataOffset         = BackupGeometryOffset + GeometrySize

	MajorVersion = 10

	// MaxMetadataSize bounds the metadata area a geometry may declare.
	// Shipping layouts use 64 KiB.
	MaxMetadataSize = 1 << 20

	// MaxSectors is the highest sector number whose byte offset fits in an int64.
	MaxSectors = math.MaxInt64 / SectorSize

	partitionNameLen = 36
)

// Partition attributes
const (
	AttrReadonly     = 1 << 0
	AttrSlotSuffixed = 1 << 1
	AttrUpdated      = 1 << 2
	AttrDisabled     = 1 << 3
)

// Extent target types
const (
	TargetLinear = 0
	TargetZero   = 1
)

// Geometry describes where metadata copies live on the super partition.
type Geometry struct {
	Magic             uint32
	StructSize        uint32
	Checksum          [32]byte
	MetadataMaxSize   uint32
	MetadataSlotCount uint32
	LogicalBlockSize  uint32
}

// TableDescriptor locates one metadata table relative to the end of the header.
type TableDescriptor struct {
	Offset     uint32
	NumEntries uint32
	EntrySize  uint32
}

// Header is the metadata header of format 10.0/10.1. Version 10.2 appends a
// flags word and reserved bytes covered by HeaderSize.
type Header struct {
	Magic          uint32
	MajorVersion   uint16
	MinorVersion   uint16
	HeaderSize     uint32
	HeaderChecksum [32]byte
	TablesSize     uint32
	TablesChecksum [32]byte
	Partitions     TableDescriptor
	Extents        TableDescriptor
	Groups         TableDescriptor
	BlockDevices   TableDescriptor
}

type rawPartition struct {
	Name             [partitionNameLen]byte
	Attributes       uint32
	FirstExtentIndex uint32
	NumExtents       uint32
	GroupIndex       uint32
}

// Extent maps NumSectors sectors of a partition onto a block device.
type Extent struct {
	NumSectors   uint64
	TargetType   uint32
	TargetData   uint64
	TargetSource uint32
}

type rawGroup struct {
	Name        [partitionNameLen]byte
	Flags       uint32
	MaximumSize uint64
}

type rawBlockDevice struct {
	FirstLogicalSector uint64
	Alignment          uint32
	AlignmentOffset    uint32
	Size               uint64
	PartitionName      [partitionNameLen]byte
	Flags              uint32
}

// Partition is a decoded partition table entry.
type Partition struct {
	Name             string
	Attributes       uint32
	FirstExtentIndex uint32
	NumExtents       uint32
	Group            string
}

// Group is a decoded partition group.
type Group struct {
	Name        string
	MaximumSize uint64
}

// BlockDevice is a decoded block device entry; index 0 is the super partition itself.
type BlockDevice struct {
	Name               string
	FirstLogicalSector uint64
	Size               uint64
}

// Metadata is one decoded metadata slot.
type Metadata struct {
	Geometry     Geometry
	Header       Header
	Partitions   []Partition
	Extents      []Extent
	Groups       []Group
	BlockDevices []BlockDevice
}

var (
	geometryStructSize = binary.Size(Geometry{})
	headerV0Size       = binary.Size(Header{})
)

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// HasGeometry reports whether r carries LP geometry at the primary or backup offset.
func HasGeometry(r io.ReaderAt) bool {
	var magic [4]byte
	for _, off := range []int64{GeometryOffset, BackupGeometryOffset} {
		if _, err := r.ReadAt(magic[:], off); err == nil && binary.LittleEndian.Uint32(magic[:]) == GeometryMagic {
			return true
		}
	}
	return false
}

// ReadGeometry returns the primary geometry, or the backup copy when the
// primary does not validate.
func ReadGeometry(r io.ReaderAt) (*Geometry, error) {
	g, err := readGeometryAt(r, GeometryOffset)
	if err == nil {
		return g, nil
	}
	if backup, berr := readGeometryAt(r, BackupGeometryOffset); berr == nil {
		return backup, nil
	}
	return nil, err
}

func readGeometryAt(r io.ReaderAt, off int64) (*Geometry, error) {
	buf := make([]byte, geometryStructSize)
	if _, err := r.ReadAt(buf, off); err != nil {
		return nil, &fwerr.FormatError{Kind: fwerr.Truncated, Component: "lp geometry", Offset: off, Length: int64(len(buf)), Err: err}
	}
	var g Geometry
	binary.Read(bytes.NewReader(buf), binary.LittleEndian, &g)
	if g.Magic != GeometryMagic {
		return nil, fwerr.New(fwerr.UnrecognizedContainer, "lp geometry", "bad magic %#08x at %#x", g.Magic, off)
	}
	if int(g.StructSize) != geometryStructSize {
		return nil, fwerr.New(fwerr.InvalidHeader, "lp geometry", "struct size %d", g.StructSize)
	}
	sum := g.Checksum
	for i := 4 + 4; i < 4+4+32; i++ {
		buf[i] = 0
	}
	if sha256.Sum256(buf) != sum {
		return nil, fwerr.At(fwerr.InvalidHeader, "lp geometry checksum", off, int64(len(buf)))
	}
	if g.MetadataSlotCount == 0 || g.MetadataMaxSize == 0 || g.MetadataMaxSize%SectorSize != 0 || g.MetadataMaxSize > MaxMetadataSize {
		return nil, fwerr.New(fwerr.InvalidHeader, "lp geometry",
			"metadata max size %d, slot count %d", g.MetadataMaxSize, g.MetadataSlotCount)
	}
	return &g, nil
}

// primaryMetadataOffset is where metadata slot lives; the backup copies follow
// all primary slots.
func primaryMetadataOffset(g *Geometry, slot uint32) int64 {
	return MetadataOffset + int64(slot)*int64(g.MetadataMaxSize)
}

func backupMetadataOffset(g *Geometry, slot uint32) int64 {
	return MetadataOffset + int64(g.MetadataSlotCount)*int64(g.MetadataMaxSize) + int64(slot)*int64(g.MetadataMaxSize)
}

// ReadMetadata decodes the given metadata slot, trying the backup copy when
// the primary fails its checksums.
func ReadMetadata(r io.ReaderAt, slot uint32) (*Metadata, error) {
	g, err := ReadGeometry(r)
	if err != nil {
		return nil, err
	}
	if slot >= g.MetadataSlotCount {
		return nil, fwerr.New(fwerr.InvalidHeader, "lp metadata", "slot %d of %d", slot, g.MetadataSlotCount)
	}
	md, err := readMetadataAt(r, g, primaryMetadataOffset(g, slot))
	if err == nil {
		return md, nil
	}
	if backup, berr := readMetadataAt(r, g, backupMetadataOffset(g, slot)); berr == nil {
		return backup, nil
	}
	return nil, err
}

func readMetadataAt(r io.ReaderAt, g *Geometry, off int64) (*Metadata, error) {
	buf := make([]byte, g.MetadataMaxSize)
	if _, err := r.ReadAt(buf, off); err != nil {
		return nil, &fwerr.FormatError{Kind: fwerr.Truncated, Component: "lp metadata", Offset: off, Length: int64(len(buf)), Err: err}
	}

	var h Header
	binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h)
	if h.Magic != HeaderMagic {
		return nil, fwerr.New(fwerr.InvalidHeader, "lp metadata header", "bad magic %#08x at %#x", h.Magic, off)
	}
	if h.MajorVersion != MajorVersion {
		return nil, fwerr.New(fwerr.InvalidHeader, "lp metadata header", "unsupported version %d.%d", h.MajorVersion, h.MinorVersion)
	}
	hsize := int64(h.HeaderSize)
	if hsize < int64(headerV0Size) || hsize+int64(h.TablesSize) > int64(len(buf)) {
		return nil, fwerr.At(fwerr.Truncated, "lp metadata tables", off, hsize+int64(h.TablesSize))
	}

	hdr := append([]byte(nil), buf[:hsize]...)
	for i := 12; i < 12+32; i++ {
		hdr[i] = 0
	}
	if sha256.Sum256(hdr) != h.HeaderChecksum {
		return nil, fwerr.At(fwerr.InvalidHeader, "lp metadata header checksum", off, hsize)
	}
	tables := buf[hsize : hsize+int64(h.TablesSize)]
	if sha256.Sum256(tables) != h.TablesChecksum {
		return nil, fwerr.At(fwerr.InvalidHeader, "lp metadata tables checksum", off+hsize, int64(len(tables)))
	}

	md := &Metadata{Geometry: *g, Header: h}

	var parts []rawPartition
	if err := readTable(tables, h.Partitions, "partitions", &parts); err != nil {
		return nil, err
	}
	if err := readTable(tables, h.Extents, "extents", &md.Extents); err != nil {
		return nil, err
	}
	var groups []rawGroup
	if err := readTable(tables, h.Groups, "groups", &groups); err != nil {
		return nil, err
	}
	var devices []rawBlockDevice
	if err := readTable(tables, h.BlockDevices, "block devices", &devices); err != nil {
		return nil, err
	}

	for _, grp := range groups {
		md.Groups = append(md.Groups, Group{Name: cstring(grp.Name[:]), MaximumSize: grp.MaximumSize})
	}
	for _, d := range devices {
		md.BlockDevices = append(md.BlockDevices, BlockDevice{
			Name:               cstring(d.PartitionName[:]),
			FirstLogicalSector: d.FirstLogicalSector,
			Size:               d.Size,
		})
	}
	for _, p := range parts {
		if uint64(p.FirstExtentIndex)+uint64(p.NumExtents) > uint64(len(md.Extents)) {
			return nil, fwerr.New(fwerr.ExtentOutOfBounds, "lp partition "+cstring(p.Name[:]),
				"extents %d+%d of %d", p.FirstExtentIndex, p.NumExtents, len(md.Extents))
		}
		part := Partition{
			Name:             cstring(p.Name[:]),
			Attributes:       p.Attributes,
			FirstExtentIndex: p.FirstExtentIndex,
			NumExtents:       p.NumExtents,
		}
		if int(p.GroupIndex) < len(md.Groups) {
			part.Group = md.Groups[p.GroupIndex].Name
		}
		md.Partitions = append(md.Partitions, part)
	}
	return md, nil
}

// readTable decodes desc.NumEntries fixed-size entries into out, a pointer
// to a slice. Entries larger than the known struct are truncated to it.
func readTable[T any](tables []byte, desc TableDescriptor, name string, out *[]T) error {
	var zero T
	size := binary.Size(zero)
	if desc.NumEntries == 0 {
		return nil
	}
	if int(desc.EntrySize) < size {
		return fwerr.New(fwerr.InvalidHeader, "lp "+name+" table", "entry size %d smaller than %d", desc.EntrySize, size)
	}
	end := uint64(desc.Offset) + uint64(desc.NumEntries)*uint64(desc.EntrySize)
	if end > uint64(len(tables)) {
		return fwerr.At(fwerr.Truncated, "lp "+name+" table", int64(desc.Offset), int64(end-uint64(desc.Offset)))
	}
	entries := make([]T, desc.NumEntries)
	for i := range entries {
		start := int(desc.Offset) + i*int(desc.EntrySize)
		if err := binary.Read(bytes.NewReader(tables[start:start+size]), binary.LittleEndian, &entries[i]); err != nil {
			return errors.Wrapf(err, "failed to decode %s entry %d", name, i)
		}
	}
	*out = entries
	return nil
}

// Lookup returns the partition named name.
func (m *Metadata) Lookup(name string) (*Partition, bool) {
	for i := range m.Partitions {
		if m.Partitions[i].Name == name {
			return &m.Partitions[i], true
		}
	}
	return nil, false
}

// PartitionExtents returns the extents belonging to p.
func (m *Metadata) PartitionExtents(p *Partition) []Extent {
	return m.Extents[p.FirstExtentIndex : p.FirstExtentIndex+p.NumExtents]
}

