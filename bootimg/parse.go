package bootimg

import (
	"bytes"
	"encoding/binary"
	"math/bits"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

// LocateWindow is how far into a file Locate looks for a boot magic.
const LocateWindow = 8192

var (
	sizeRawV0       = binary.Size(RawV0{})
	sizeRawV1       = binary.Size(RawV1{})
	sizeRawV2       = binary.Size(RawV2{})
	sizeRawV3       = binary.Size(RawV3{})
	sizeRawV4       = binary.Size(RawV4{})
	sizeRawVendorV3 = binary.Size(RawVendorV3{})
	sizeRawVendorV4 = binary.Size(RawVendorV4{})
)

// Locate scans the first LocateWindow bytes for "ANDROID!" or "VNDRBOOT" and
// returns the offset of the earliest match. Firmware dumps sometimes prepend
// vendor headers, so the container does not have to start at zero.
func Locate(data []byte) (int, bool) {
	window := data
	if len(window) > LocateWindow {
		window = window[:LocateWindow]
	}
	best := -1
	for _, magic := range []string{BootMagic, VendorBootMagic} {
		if i := bytes.Index(window, []byte(magic)); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best, best >= 0
}

// IsMtk reports whether data starts with a MediaTek prefix wrapping a boot image.
func IsMtk(data []byte) bool {
	return len(data) >= MtkHeaderSize+BootMagicSize &&
		binary.LittleEndian.Uint32(data) == MtkMagic &&
		string(data[MtkHeaderSize:MtkHeaderSize+BootMagicSize]) == BootMagic
}

// Find resolves the container inside data: an MTK prefix at offset zero, or
// the first boot magic within LocateWindow. The returned offset is where the
// header (or the MTK prefix) begins.
func Find(data []byte) (int, Header, error) {
	if IsMtk(data) {
		h, err := Parse(data)
		return 0, h, err
	}
	off, ok := Locate(data)
	if !ok {
		return 0, nil, fwerr.New(fwerr.UnrecognizedContainer, "boot header",
			"no %q or %q magic in the first %d bytes", BootMagic, VendorBootMagic, LocateWindow)
	}
	h, err := Parse(data[off:])
	return off, h, err
}

// Parse decodes the header at the start of data into one of the Header variants.
func Parse(data []byte) (Header, error) {
	if IsMtk(data) {
		var prefix MtkHeader
		if err := readRaw(data, &prefix, MtkHeaderSize, "mtk header"); err != nil {
			return nil, err
		}
		inner, err := Parse(data[MtkHeaderSize:])
		if err != nil {
			return nil, err
		}
		return &MtkPrefixed{Prefix: prefix, Inner: inner}, nil
	}

	if len(data) < BootMagicSize {
		return nil, fwerr.At(fwerr.Truncated, "boot header", 0, BootMagicSize)
	}

	switch string(data[:BootMagicSize]) {
	case BootMagic:
		return parseBoot(data)
	case VendorBootMagic:
		return parseVendorBoot(data)
	}
	return nil, fwerr.New(fwerr.UnrecognizedContainer, "boot header", "unknown magic %q", data[:BootMagicSize])
}

func parseBoot(data []byte) (Header, error) {
	// header_version lives at offset 40 in every boot revision
	if len(data) < 44 {
		return nil, fwerr.At(fwerr.Truncated, "boot header", 0, 44)
	}
	version := binary.LittleEndian.Uint32(data[40:])

	var h Header
	switch version {
	case 0:
		v0 := &AndroidV0{}
		if err := readRaw(data, &v0.Raw, sizeRawV0, "boot header v0"); err != nil {
			return nil, err
		}
		h = v0
	case 1:
		v1 := &AndroidV1{}
		if err := readRaw(data, &v1.Raw, sizeRawV1, "boot header v1"); err != nil {
			return nil, err
		}
		h = v1
	case 2:
		v2 := &AndroidV2{}
		if err := readRaw(data, &v2.Raw, sizeRawV2, "boot header v2"); err != nil {
			return nil, err
		}
		h = v2
	case 3:
		v3 := &AndroidV3{}
		if err := readRaw(data, &v3.Raw, sizeRawV3, "boot header v3"); err != nil {
			return nil, err
		}
		h = v3
	case 4:
		v4 := &AndroidV4{}
		if err := readRaw(data, &v4.Raw, sizeRawV4, "boot header v4"); err != nil {
			return nil, err
		}
		h = v4
	default:
		// pre-versioning QCOM images store the dt.img size in this word
		v0 := &AndroidV0{DtSize: version}
		if err := readRaw(data, &v0.Raw, sizeRawV0, "boot header v0"); err != nil {
			return nil, err
		}
		h = v0
	}
	if err := checkPageSize(h); err != nil {
		return nil, err
	}
	return h, nil
}

func parseVendorBoot(data []byte) (Header, error) {
	if len(data) < 12 {
		return nil, fwerr.At(fwerr.Truncated, "vendor boot header", 0, 12)
	}
	version := binary.LittleEndian.Uint32(data[8:])

	var h Header
	switch version {
	case 3:
		v3 := &VendorBootV3{}
		if err := readRaw(data, &v3.Raw, sizeRawVendorV3, "vendor boot header v3"); err != nil {
			return nil, err
		}
		h = v3
	case 4:
		v4 := &VendorBootV4{}
		if err := readRaw(data, &v4.Raw, sizeRawVendorV4, "vendor boot header v4"); err != nil {
			return nil, err
		}
		h = v4
	default:
		return nil, fwerr.New(fwerr.InvalidHeader, "vendor boot header", "unsupported header version %d", version)
	}
	if err := checkPageSize(h); err != nil {
		return nil, err
	}
	return h, nil
}

func readRaw(data []byte, v any, size int, component string) error {
	if len(data) < size {
		return fwerr.At(fwerr.Truncated, component, 0, int64(size))
	}
	if err := binary.Read(bytes.NewReader(data[:size]), binary.LittleEndian, v); err != nil {
		return &fwerr.FormatError{Kind: fwerr.Truncated, Component: component, Length: int64(size), Err: err}
	}
	return nil
}

func checkPageSize(h Header) error {
	ps := h.PageSize()
	if ps == 0 || bits.OnesCount32(ps) != 1 {
		return fwerr.New(fwerr.InvalidHeader, "page size", "page size %#x is not a power of two", ps)
	}
	return nil
}

// SplitMtk strips a MediaTek prefix from a component such as a ramdisk. It
// returns the prefix and the remaining payload, or ok=false when data does not
// start with the MTK magic.
func SplitMtk(data []byte) (prefix *MtkHeader, payload []byte, ok bool) {
	if len(data) < MtkHeaderSize || binary.LittleEndian.Uint32(data) != MtkMagic {
		return nil, data, false
	}
	prefix = &MtkHeader{}
	if err := readRaw(data, prefix, MtkHeaderSize, "mtk header"); err != nil {
		return nil, data, false
	}
	return prefix, data[MtkHeaderSize:], true
}
