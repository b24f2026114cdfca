package bootimg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

// Vendor ramdisk types (vendor boot v4)
const (
	VendorRamdiskTypeNone     = 0
	VendorRamdiskTypePlatform = 1
	VendorRamdiskTypeRecovery = 2
	VendorRamdiskTypeDlkm     = 3
)

// RawVendorRamdiskEntry is one vendor ramdisk table entry as stored on disk.
type RawVendorRamdiskEntry struct {
	RamdiskSize   uint32
	RamdiskOffset uint32
	RamdiskType   uint32
	RamdiskName   [VendorRamdiskNameLen]byte
	BoardID       [VendorBoardIDLen]uint32
}

// VendorRamdisk is a resolved entry of the vendor ramdisk table.
type VendorRamdisk struct {
	Name   string
	Type   uint32
	Extent Extent
}

// VendorRamdisks decodes the vendor ramdisk table of a v4 vendor boot image
// and resolves each entry to an absolute extent inside the vendor ramdisk
// section. data is the whole image and extents is the result of Extents.
func VendorRamdisks(h *VendorBootV4, data []byte, extents []Extent) ([]VendorRamdisk, error) {
	table, ok := Lookup(extents, VendorRamdiskTable)
	if !ok {
		return nil, nil
	}
	section, ok := Lookup(extents, Ramdisk)
	if !ok {
		return nil, fwerr.New(fwerr.ExtentOutOfBounds, "vendor ramdisk", "table present but ramdisk section missing")
	}

	entrySize := int64(h.Raw.VendorRamdiskTableEntrySize)
	minSize := int64(binary.Size(RawVendorRamdiskEntry{}))
	if entrySize < minSize {
		return nil, fwerr.New(fwerr.InvalidHeader, "vendor ramdisk table",
			"entry size %d smaller than %d", entrySize, minSize)
	}

	// both fields are uint32; their product does not fit in an int64
	num := int64(h.Raw.VendorRamdiskTableEntryNum)
	if num > table.Length/entrySize {
		return nil, fwerr.New(fwerr.Truncated, "vendor ramdisk table",
			"%d entries of %d bytes in a %d byte table at %#x", num, entrySize, table.Length, table.Offset)
	}

	ramdisks := make([]VendorRamdisk, 0, num)
	for i := int64(0); i < num; i++ {
		off := table.Offset + i*entrySize
		var raw RawVendorRamdiskEntry
		if err := binary.Read(bytes.NewReader(data[off:off+minSize]), binary.LittleEndian, &raw); err != nil {
			return nil, &fwerr.FormatError{Kind: fwerr.Truncated, Component: "vendor ramdisk table", Offset: off, Length: minSize, Err: err}
		}

		name := cstring(raw.RamdiskName[:])
		if name == "" {
			name = fmt.Sprintf("ramdisk_%d", i)
		}
		e := Extent{
			Kind:   Ramdisk,
			Offset: section.Offset + int64(raw.RamdiskOffset),
			Length: int64(raw.RamdiskSize),
		}
		if e.End() > section.End() {
			return ramdisks, fwerr.At(fwerr.ExtentOutOfBounds, "vendor ramdisk "+name+" extent", e.Offset, e.Length)
		}
		ramdisks = append(ramdisks, VendorRamdisk{Name: name, Type: raw.RamdiskType, Extent: e})
	}
	return ramdisks, nil
}
