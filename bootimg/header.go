package bootimg

import (
	"bytes"
	"fmt"
)

// Boot image format constants
const (
	BootMagic       = "ANDROID!"
	VendorBootMagic = "VNDRBOOT"
	BootMagicSize   = 8

	BootNameSize         = 16
	BootArgsSize         = 512
	BootExtraArgsSize    = 1024
	BootIDSize           = 32
	VendorBootArgsSize   = 2048
	VendorRamdiskNameLen = 32
	VendorBoardIDLen     = 16

	// MtkMagic is the little-endian value of the bytes 88 16 88 58.
	MtkMagic      uint32 = 0x58881688
	MtkHeaderSize        = 512

	// v3+ boot images have no page size field.
	fixedPageSize = 4096
	// Legacy load addresses are expressed relative to kernel_addr - 0x8000.
	legacyKernelBias = 0x00008000
)

// RawV0 directly correlates to the legacy (v0) Android boot image header.
type RawV0 struct {
	Magic [BootMagicSize]byte

	KernelSize  uint32
	KernelAddr  uint32
	RamdiskSize uint32
	RamdiskAddr uint32
	SecondSize  uint32
	SecondAddr  uint32

	TagsAddr uint32
	PageSize uint32
	// HeaderVersion doubles as the QCOM dt.img size on old images.
	HeaderVersion uint32
	OSVersion     uint32

	Name         [BootNameSize]byte
	Cmdline      [BootArgsSize]byte
	ID           [BootIDSize]byte
	ExtraCmdline [BootExtraArgsSize]byte
}

// RawV1 adds the recovery dtbo to RawV0.
type RawV1 struct {
	RawV0
	RecoveryDtboSize   uint32
	RecoveryDtboOffset uint64
	HeaderSize         uint32
}

// RawV2 adds the dtb to RawV1.
type RawV2 struct {
	RawV1
	DtbSize uint32
	DtbAddr uint64
}

// RawV3 is the GKI boot header. Page size is fixed at 4096.
type RawV3 struct {
	Magic         [BootMagicSize]byte
	KernelSize    uint32
	RamdiskSize   uint32
	OSVersion     uint32
	HeaderSize    uint32
	Reserved      [4]uint32
	HeaderVersion uint32
	Cmdline       [BootArgsSize + BootExtraArgsSize]byte
}

// RawV4 adds the boot signature to RawV3.
type RawV4 struct {
	RawV3
	SignatureSize uint32
}

// RawVendorV3 is the vendor_boot header.
type RawVendorV3 struct {
	Magic         [BootMagicSize]byte
	HeaderVersion uint32
	PageSize      uint32
	KernelAddr    uint32
	RamdiskAddr   uint32
	RamdiskSize   uint32
	Cmdline       [VendorBootArgsSize]byte
	TagsAddr      uint32
	Name          [BootNameSize]byte
	HeaderSize    uint32
	DtbSize       uint32
	DtbAddr       uint64
}

// RawVendorV4 adds the vendor ramdisk table and bootconfig to RawVendorV3.
type RawVendorV4 struct {
	RawVendorV3
	VendorRamdiskTableSize      uint32
	VendorRamdiskTableEntryNum  uint32
	VendorRamdiskTableEntrySize uint32
	BootconfigSize              uint32
}

// MtkHeader is the 512-byte prefix MediaTek tools put in front of boot images and ramdisks.
type MtkHeader struct {
	Magic   uint32
	Size    uint32
	Name    [32]byte
	Padding [472]byte
}

// ComponentKind names an embedded boot image component.
type ComponentKind string

const (
	Kernel             ComponentKind = "kernel"
	Ramdisk            ComponentKind = "ramdisk"
	Second             ComponentKind = "second"
	RecoveryDtbo       ComponentKind = "dtbo"
	Dtb                ComponentKind = "dtb"
	Signature          ComponentKind = "signature"
	VendorRamdiskTable ComponentKind = "vendor_ramdisk_table"
	Bootconfig         ComponentKind = "bootconfig"
)

// Component is a declared (size, load address) pair, in on-disk order.
type Component struct {
	Kind ComponentKind
	Size uint32
	Addr uint64
}

// Field is one named header value, used to render img_info.
type Field struct {
	Name  string
	Value any
}

// Header is the parsed form of every supported boot header revision.
// The set of implementations is closed: AndroidV0..AndroidV4, VendorBootV3,
// VendorBootV4 and MtkPrefixed.
type Header interface {
	Magic() string
	HeaderVersion() uint32
	PageSize() uint32
	// HeaderSize is the fixed on-disk size of the header structure.
	HeaderSize() int
	// Components lists every component the revision defines, including
	// zero-sized ones, in on-disk order.
	Components() []Component
	Fields() []Field

	variant()
}

// AndroidV0 is a legacy header. DtSize is non-zero only for QCOM images
// that reuse the version word as the dt.img size.
type AndroidV0 struct {
	Raw    RawV0
	DtSize uint32
}

type AndroidV1 struct{ Raw RawV1 }

type AndroidV2 struct{ Raw RawV2 }

type AndroidV3 struct{ Raw RawV3 }

type AndroidV4 struct{ Raw RawV4 }

type VendorBootV3 struct{ Raw RawVendorV3 }

type VendorBootV4 struct{ Raw RawVendorV4 }

// MtkPrefixed wraps a header found behind a MediaTek prefix. Its component
// offsets are relative to the start of Inner, which sits MtkHeaderSize bytes
// into the image.
type MtkPrefixed struct {
	Prefix MtkHeader
	Inner  Header
}

func (*AndroidV0) variant()    {}
func (*AndroidV1) variant()    {}
func (*AndroidV2) variant()    {}
func (*AndroidV3) variant()    {}
func (*AndroidV4) variant()    {}
func (*VendorBootV3) variant() {}
func (*VendorBootV4) variant() {}
func (*MtkPrefixed) variant()  {}

/* AndroidV0 */

func (h *AndroidV0) Magic() string         { return BootMagic }
func (h *AndroidV0) HeaderVersion() uint32 { return 0 }
func (h *AndroidV0) PageSize() uint32      { return h.Raw.PageSize }
func (h *AndroidV0) HeaderSize() int       { return sizeRawV0 }

func (h *AndroidV0) Components() []Component {
	comps := legacyComponents(&h.Raw)
	if h.DtSize > 0 {
		comps = append(comps, Component{Kind: Dtb, Size: h.DtSize})
	}
	return comps
}

func (h *AndroidV0) Fields() []Field {
	fields := legacyFields(&h.Raw)
	if h.DtSize > 0 {
		fields = append(fields, Field{"dt_size", h.DtSize})
	}
	return fields
}

/* AndroidV1 */

func (h *AndroidV1) Magic() string         { return BootMagic }
func (h *AndroidV1) HeaderVersion() uint32 { return 1 }
func (h *AndroidV1) PageSize() uint32      { return h.Raw.PageSize }
func (h *AndroidV1) HeaderSize() int       { return sizeRawV1 }

func (h *AndroidV1) Components() []Component {
	return append(legacyComponents(&h.Raw.RawV0),
		Component{Kind: RecoveryDtbo, Size: h.Raw.RecoveryDtboSize, Addr: h.Raw.RecoveryDtboOffset})
}

func (h *AndroidV1) Fields() []Field {
	return append(legacyFields(&h.Raw.RawV0), v1Fields(&h.Raw)...)
}

/* AndroidV2 */

func (h *AndroidV2) Magic() string         { return BootMagic }
func (h *AndroidV2) HeaderVersion() uint32 { return 2 }
func (h *AndroidV2) PageSize() uint32      { return h.Raw.PageSize }
func (h *AndroidV2) HeaderSize() int       { return sizeRawV2 }

func (h *AndroidV2) Components() []Component {
	return append(legacyComponents(&h.Raw.RawV0),
		Component{Kind: RecoveryDtbo, Size: h.Raw.RecoveryDtboSize, Addr: h.Raw.RecoveryDtboOffset},
		Component{Kind: Dtb, Size: h.Raw.DtbSize, Addr: h.Raw.DtbAddr},
	)
}

func (h *AndroidV2) Fields() []Field {
	fields := append(legacyFields(&h.Raw.RawV0), v1Fields(&h.Raw.RawV1)...)
	return append(fields,
		Field{"dtb_size", h.Raw.DtbSize},
		Field{"dtb_addr", h.Raw.DtbAddr},
	)
}

/* AndroidV3 */

func (h *AndroidV3) Magic() string         { return BootMagic }
func (h *AndroidV3) HeaderVersion() uint32 { return 3 }
func (h *AndroidV3) PageSize() uint32      { return fixedPageSize }
func (h *AndroidV3) HeaderSize() int       { return sizeRawV3 }

func (h *AndroidV3) Components() []Component {
	return []Component{
		{Kind: Kernel, Size: h.Raw.KernelSize},
		{Kind: Ramdisk, Size: h.Raw.RamdiskSize},
	}
}

func (h *AndroidV3) Fields() []Field { return v3Fields(&h.Raw) }

/* AndroidV4 */

func (h *AndroidV4) Magic() string         { return BootMagic }
func (h *AndroidV4) HeaderVersion() uint32 { return 4 }
func (h *AndroidV4) PageSize() uint32      { return fixedPageSize }
func (h *AndroidV4) HeaderSize() int       { return sizeRawV4 }

func (h *AndroidV4) Components() []Component {
	return []Component{
		{Kind: Kernel, Size: h.Raw.KernelSize},
		{Kind: Ramdisk, Size: h.Raw.RamdiskSize},
		{Kind: Signature, Size: h.Raw.SignatureSize},
	}
}

func (h *AndroidV4) Fields() []Field {
	return append(v3Fields(&h.Raw.RawV3), Field{"signature_size", h.Raw.SignatureSize})
}

/* VendorBootV3 */

func (h *VendorBootV3) Magic() string         { return VendorBootMagic }
func (h *VendorBootV3) HeaderVersion() uint32 { return 3 }
func (h *VendorBootV3) PageSize() uint32      { return h.Raw.PageSize }
func (h *VendorBootV3) HeaderSize() int       { return sizeRawVendorV3 }

func (h *VendorBootV3) Components() []Component {
	return vendorComponents(&h.Raw)
}

func (h *VendorBootV3) Fields() []Field { return vendorFields(&h.Raw) }

/* VendorBootV4 */

func (h *VendorBootV4) Magic() string         { return VendorBootMagic }
func (h *VendorBootV4) HeaderVersion() uint32 { return 4 }
func (h *VendorBootV4) PageSize() uint32      { return h.Raw.PageSize }
func (h *VendorBootV4) HeaderSize() int       { return sizeRawVendorV4 }

func (h *VendorBootV4) Components() []Component {
	return append(vendorComponents(&h.Raw.RawVendorV3),
		Component{Kind: VendorRamdiskTable, Size: h.Raw.VendorRamdiskTableSize},
		Component{Kind: Bootconfig, Size: h.Raw.BootconfigSize},
	)
}

func (h *VendorBootV4) Fields() []Field {
	return append(vendorFields(&h.Raw.RawVendorV3),
		Field{"vendor_ramdisk_table_size", h.Raw.VendorRamdiskTableSize},
		Field{"vendor_ramdisk_table_entry_num", h.Raw.VendorRamdiskTableEntryNum},
		Field{"vendor_ramdisk_table_entry_size", h.Raw.VendorRamdiskTableEntrySize},
		Field{"bootconfig_size", h.Raw.BootconfigSize},
	)
}

/* MtkPrefixed */

func (h *MtkPrefixed) Magic() string           { return h.Inner.Magic() }
func (h *MtkPrefixed) HeaderVersion() uint32   { return h.Inner.HeaderVersion() }
func (h *MtkPrefixed) PageSize() uint32        { return h.Inner.PageSize() }
func (h *MtkPrefixed) HeaderSize() int         { return h.Inner.HeaderSize() }
func (h *MtkPrefixed) Components() []Component { return h.Inner.Components() }

func (h *MtkPrefixed) Fields() []Field {
	return append([]Field{
		{"mtk_name", cstring(h.Prefix.Name[:])},
		{"mtk_size", h.Prefix.Size},
	}, h.Inner.Fields()...)
}

/* shared field sets */

func legacyComponents(r *RawV0) []Component {
	return []Component{
		{Kind: Kernel, Size: r.KernelSize, Addr: uint64(r.KernelAddr)},
		{Kind: Ramdisk, Size: r.RamdiskSize, Addr: uint64(r.RamdiskAddr)},
		{Kind: Second, Size: r.SecondSize, Addr: uint64(r.SecondAddr)},
	}
}

func legacyFields(r *RawV0) []Field {
	base := r.KernelAddr - legacyKernelBias
	return []Field{
		{"kernel_size", r.KernelSize},
		{"kernel_addr", r.KernelAddr},
		{"ramdisk_size", r.RamdiskSize},
		{"ramdisk_addr", r.RamdiskAddr},
		{"second_size", r.SecondSize},
		{"second_addr", r.SecondAddr},
		{"tags_addr", r.TagsAddr},
		{"page_size", r.PageSize},
		{"os_version", r.OSVersion},
		{"base_addr", base},
		{"kernel_offset", r.KernelAddr - base},
		{"ramdisk_offset", r.RamdiskAddr - base},
		{"second_offset", r.SecondAddr - base},
		{"tags_offset", r.TagsAddr - base},
		{"board", cstring(r.Name[:])},
		{"cmd_line", cstring(r.Cmdline[:]) + cstring(r.ExtraCmdline[:])},
		{"id", fmt.Sprintf("%x", r.ID)},
	}
}

func v1Fields(r *RawV1) []Field {
	return []Field{
		{"dtbo_size", r.RecoveryDtboSize},
		{"dtbo_offset", r.RecoveryDtboOffset},
		{"header_size", r.HeaderSize},
	}
}

func v3Fields(r *RawV3) []Field {
	return []Field{
		{"kernel_size", r.KernelSize},
		{"ramdisk_size", r.RamdiskSize},
		{"os_version", r.OSVersion},
		{"header_size", r.HeaderSize},
		{"cmd_line", cstring(r.Cmdline[:])},
	}
}

func vendorComponents(r *RawVendorV3) []Component {
	return []Component{
		{Kind: Ramdisk, Size: r.RamdiskSize, Addr: uint64(r.RamdiskAddr)},
		{Kind: Dtb, Size: r.DtbSize, Addr: r.DtbAddr},
	}
}

func vendorFields(r *RawVendorV3) []Field {
	return []Field{
		{"page_size", r.PageSize},
		{"kernel_addr", r.KernelAddr},
		{"ramdisk_addr", r.RamdiskAddr},
		{"vendor_ramdisk_size", r.RamdiskSize},
		{"tags_addr", r.TagsAddr},
		{"header_size", r.HeaderSize},
		{"dtb_size", r.DtbSize},
		{"dtb_addr", r.DtbAddr},
		{"board", cstring(r.Name[:])},
		{"cmd_line", cstring(r.Cmdline[:])},
	}
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
