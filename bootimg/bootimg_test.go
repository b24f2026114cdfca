package bootimg

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"strings"
	"testing"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

type payloads map[ComponentKind][]byte

func randBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

func padTo(buf *bytes.Buffer, page int) {
	if rem := buf.Len() % page; rem != 0 {
		buf.Write(make([]byte, page-rem))
	}
}

// buildImage lays out hdr followed by each payload in order, page aligned.
func buildImage(t *testing.T, hdr any, page int, order []ComponentKind, p payloads) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	padTo(&buf, page)
	for _, k := range order {
		buf.Write(p[k])
		padTo(&buf, page)
	}
	return buf.Bytes()
}

func legacyOrder() []ComponentKind {
	return []ComponentKind{Kernel, Ramdisk, Second, RecoveryDtbo, Dtb}
}

func newV2(page uint32, p payloads) *RawV2 {
	var r RawV2
	copy(r.Magic[:], BootMagic)
	r.KernelSize = uint32(len(p[Kernel]))
	r.KernelAddr = 0x10008000
	r.RamdiskSize = uint32(len(p[Ramdisk]))
	r.RamdiskAddr = 0x11000000
	r.SecondSize = uint32(len(p[Second]))
	r.SecondAddr = 0x10f00000
	r.TagsAddr = 0x10000100
	r.PageSize = page
	r.HeaderVersion = 2
	r.RecoveryDtboSize = uint32(len(p[RecoveryDtbo]))
	r.HeaderSize = uint32(binary.Size(r))
	r.DtbSize = uint32(len(p[Dtb]))
	r.DtbAddr = 0x11f00000
	copy(r.Name[:], "testboard")
	copy(r.Cmdline[:], "console=ttyMSM0")
	return &r
}

func newV3(p payloads, version uint32) any {
	var r RawV3
	copy(r.Magic[:], BootMagic)
	r.KernelSize = uint32(len(p[Kernel]))
	r.RamdiskSize = uint32(len(p[Ramdisk]))
	r.HeaderVersion = version
	if version == 4 {
		return &RawV4{RawV3: r, SignatureSize: uint32(len(p[Signature]))}
	}
	return &r
}

func newVendorV4(page uint32, p payloads, entries int) *RawVendorV4 {
	var r RawVendorV4
	copy(r.Magic[:], VendorBootMagic)
	r.HeaderVersion = 4
	r.PageSize = page
	r.RamdiskSize = uint32(len(p[Ramdisk]))
	r.DtbSize = uint32(len(p[Dtb]))
	r.VendorRamdiskTableSize = uint32(len(p[VendorRamdiskTable]))
	r.VendorRamdiskTableEntryNum = uint32(entries)
	r.VendorRamdiskTableEntrySize = uint32(binary.Size(RawVendorRamdiskEntry{}))
	r.BootconfigSize = uint32(len(p[Bootconfig]))
	return &r
}

func TestExtentsV3Scenario(t *testing.T) {
	p := payloads{
		Kernel:  bytes.Repeat([]byte{0xaa}, 8192),
		Ramdisk: bytes.Repeat([]byte{0xbb}, 4096),
	}
	img := buildImage(t, newV3(p, 3), 4096, []ComponentKind{Kernel, Ramdisk}, p)

	h, err := Parse(img)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, ok := h.(*AndroidV3); !ok {
		t.Fatalf("Parse() = %T, want *AndroidV3", h)
	}
	extents, err := Extents(h, int64(len(img)))
	if err != nil {
		t.Fatalf("Extents() error = %v", err)
	}
	want := []Extent{
		{Kind: Kernel, Offset: 4096, Length: 8192},
		{Kind: Ramdisk, Offset: 12288, Length: 4096},
	}
	if len(extents) != len(want) {
		t.Fatalf("Extents() = %v, want %v", extents, want)
	}
	for i := range want {
		if extents[i] != want[i] {
			t.Errorf("extent[%d] = %+v, want %+v", i, extents[i], want[i])
		}
	}
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))

	tests := []struct {
		name  string
		page  int
		sizes map[ComponentKind]int
		build func(p payloads, page int) any
		order []ComponentKind
	}{
		{
			name:  "v2 page 2048 all components",
			page:  2048,
			sizes: map[ComponentKind]int{Kernel: 5000, Ramdisk: 3001, Second: 17, RecoveryDtbo: 2048, Dtb: 999},
			build: func(p payloads, page int) any { return newV2(uint32(page), p) },
			order: legacyOrder(),
		},
		{
			name:  "v2 page 4096 without second",
			page:  4096,
			sizes: map[ComponentKind]int{Kernel: 4097, Ramdisk: 12, RecoveryDtbo: 1, Dtb: 8191},
			build: func(p payloads, page int) any { return newV2(uint32(page), p) },
			order: legacyOrder(),
		},
		{
			name:  "v4 with signature",
			page:  4096,
			sizes: map[ComponentKind]int{Kernel: 10000, Ramdisk: 333, Signature: 4096},
			build: func(p payloads, page int) any { return newV3(p, 4) },
			order: []ComponentKind{Kernel, Ramdisk, Signature},
		},
		{
			name:  "vendor v4 page 2048",
			page:  2048,
			sizes: map[ComponentKind]int{Ramdisk: 7000, Dtb: 300, VendorRamdiskTable: 108, Bootconfig: 50},
			build: func(p payloads, page int) any { return newVendorV4(uint32(page), p, 0) },
			order: []ComponentKind{Ramdisk, Dtb, VendorRamdiskTable, Bootconfig},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := payloads{}
			for k, n := range tt.sizes {
				p[k] = randBytes(r, n)
			}
			img := buildImage(t, tt.build(p, tt.page), tt.page, tt.order, p)

			h, err := Parse(img)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			extents, err := Extents(h, int64(len(img)))
			if err != nil {
				t.Fatalf("Extents() error = %v", err)
			}
			if len(extents) != len(tt.sizes) {
				t.Fatalf("got %d extents, want %d", len(extents), len(tt.sizes))
			}
			for _, e := range extents {
				if e.Offset%int64(tt.page) != 0 {
					t.Errorf("%s offset %#x not aligned to %#x", e.Kind, e.Offset, tt.page)
				}
				if !bytes.Equal(e.Slice(img), p[e.Kind]) {
					t.Errorf("%s payload mismatch", e.Kind)
				}
			}
		})
	}
}

func TestAlignmentAllPresenceCombinations(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	kinds := legacyOrder()
	for _, page := range []int{2048, 4096, 16384} {
		for mask := 0; mask < 1<<len(kinds); mask++ {
			p := payloads{}
			for i, k := range kinds {
				if mask&(1<<i) != 0 {
					p[k] = randBytes(r, 1+r.Intn(3*page))
				}
			}
			img := buildImage(t, newV2(uint32(page), p), page, kinds, p)
			h, err := Parse(img)
			if err != nil {
				t.Fatalf("page %d mask %b: Parse() error = %v", page, mask, err)
			}
			extents, err := Extents(h, int64(len(img)))
			if err != nil {
				t.Fatalf("page %d mask %b: Extents() error = %v", page, mask, err)
			}
			for _, e := range extents {
				if e.Offset%int64(page) != 0 {
					t.Errorf("page %d mask %b: %s offset %#x misaligned", page, mask, e.Kind, e.Offset)
				}
				if !bytes.Equal(e.Slice(img), p[e.Kind]) {
					t.Errorf("page %d mask %b: %s payload mismatch", page, mask, e.Kind)
				}
			}
		}
	}
}

func TestLocate(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		want   int
		wantOK bool
	}{
		{"at zero", []byte("ANDROID!rest"), 0, true},
		{"vendor prefixed", append(make([]byte, 300), []byte("VNDRBOOT")...), 300, true},
		{"earliest wins", append(append(make([]byte, 10), "VNDRBOOT"...), "ANDROID!"...), 10, true},
		{"outside window", append(make([]byte, LocateWindow), "ANDROID!"...), 0, false},
		{"absent", []byte("nothing to see"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Locate(tt.data)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("Locate() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFindPrefixedContainer(t *testing.T) {
	p := payloads{Kernel: []byte("kernel"), Ramdisk: []byte("ramdisk")}
	img := buildImage(t, newV3(p, 3), 4096, []ComponentKind{Kernel, Ramdisk}, p)
	prefixed := append(bytes.Repeat([]byte{0xff}, 1024), img...)

	off, h, err := Find(prefixed)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if off != 1024 {
		t.Fatalf("Find() offset = %d, want 1024", off)
	}
	extents, err := Extents(h, int64(len(prefixed)-off))
	if err != nil {
		t.Fatal(err)
	}
	k, _ := Lookup(extents, Kernel)
	if got := string(k.Slice(prefixed[off:])); got != "kernel" {
		t.Errorf("kernel = %q", got)
	}
}

func TestFindUnrecognized(t *testing.T) {
	_, _, err := Find(make([]byte, 16384))
	if !fwerr.Is(err, fwerr.UnrecognizedContainer) {
		t.Fatalf("Find() error = %v, want UnrecognizedContainer", err)
	}
}

func TestMtkPrefixed(t *testing.T) {
	p := payloads{Kernel: bytes.Repeat([]byte{1}, 3000), Ramdisk: bytes.Repeat([]byte{2}, 5000)}
	inner := buildImage(t, newV2(2048, p), 2048, legacyOrder(), p)

	var prefix MtkHeader
	prefix.Magic = MtkMagic
	prefix.Size = uint32(len(inner))
	copy(prefix.Name[:], "RECOVERY")
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &prefix); err != nil {
		t.Fatal(err)
	}
	buf.Write(inner)
	img := buf.Bytes()

	if !IsMtk(img) {
		t.Fatal("IsMtk() = false")
	}
	h, err := Parse(img)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	m, ok := h.(*MtkPrefixed)
	if !ok {
		t.Fatalf("Parse() = %T, want *MtkPrefixed", h)
	}
	if got := cstring(m.Prefix.Name[:]); got != "RECOVERY" {
		t.Errorf("mtk name = %q", got)
	}
	extents, err := Extents(h, int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range extents {
		if (e.Offset-MtkHeaderSize)%2048 != 0 {
			t.Errorf("%s offset %#x not aligned within the inner image", e.Kind, e.Offset)
		}
		if !bytes.Equal(e.Slice(img), p[e.Kind]) {
			t.Errorf("%s payload mismatch", e.Kind)
		}
	}
}

func TestExtentOutOfBoundsKeepsEarlierExtents(t *testing.T) {
	p := payloads{
		Kernel:       bytes.Repeat([]byte{1}, 4096),
		Ramdisk:      bytes.Repeat([]byte{2}, 4096),
		RecoveryDtbo: bytes.Repeat([]byte{3}, 4096),
	}
	img := buildImage(t, newV2(4096, p), 4096, legacyOrder(), p)
	// chop the dtbo in half
	img = img[:len(img)-2048]

	h, err := Parse(img)
	if err != nil {
		t.Fatal(err)
	}
	extents, err := Extents(h, int64(len(img)))
	if !fwerr.Is(err, fwerr.ExtentOutOfBounds) {
		t.Fatalf("Extents() error = %v, want ExtentOutOfBounds", err)
	}
	if !strings.Contains(err.Error(), "dtbo extent") {
		t.Errorf("error %q does not name the dtbo extent", err)
	}
	if len(extents) != 2 {
		t.Fatalf("got %d intact extents, want 2", len(extents))
	}
	for _, e := range extents {
		if !bytes.Equal(e.Slice(img), p[e.Kind]) {
			t.Errorf("%s payload mismatch", e.Kind)
		}
	}
}

func TestParseErrors(t *testing.T) {
	p := payloads{Kernel: []byte{1}}
	v2 := buildImage(t, newV2(2048, p), 2048, legacyOrder(), p)

	badPage := append([]byte(nil), v2...)
	binary.LittleEndian.PutUint32(badPage[36:], 3000)

	zeroPage := append([]byte(nil), v2...)
	binary.LittleEndian.PutUint32(zeroPage[36:], 0)

	tests := []struct {
		name string
		data []byte
		want fwerr.Kind
	}{
		{"unknown magic", []byte("NOTABOOTIMAGE..............................."), fwerr.UnrecognizedContainer},
		{"short magic", []byte("ANDR"), fwerr.Truncated},
		{"short header", v2[:1000], fwerr.Truncated},
		{"page size not power of two", badPage, fwerr.InvalidHeader},
		{"zero page size", zeroPage, fwerr.InvalidHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if !fwerr.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want kind %v", err, tt.want)
			}
		})
	}
}

func TestQcomDtSize(t *testing.T) {
	var r RawV0
	copy(r.Magic[:], BootMagic)
	r.KernelSize = 100
	r.RamdiskSize = 200
	r.PageSize = 2048
	r.HeaderVersion = 5000 // dt.img size
	p := payloads{Kernel: bytes.Repeat([]byte{1}, 100), Ramdisk: bytes.Repeat([]byte{2}, 200), Dtb: bytes.Repeat([]byte{3}, 5000)}
	img := buildImage(t, &r, 2048, []ComponentKind{Kernel, Ramdisk, Dtb}, p)

	h, err := Parse(img)
	if err != nil {
		t.Fatal(err)
	}
	v0, ok := h.(*AndroidV0)
	if !ok || v0.DtSize != 5000 {
		t.Fatalf("Parse() = %#v, want AndroidV0 with DtSize 5000", h)
	}
	extents, err := Extents(h, int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	dt, ok := Lookup(extents, Dtb)
	if !ok || !bytes.Equal(dt.Slice(img), p[Dtb]) {
		t.Errorf("dt extent = %+v", dt)
	}
}

func TestVendorRamdisks(t *testing.T) {
	first := bytes.Repeat([]byte{0x11}, 1000)
	second := bytes.Repeat([]byte{0x22}, 500)

	var table bytes.Buffer
	for i, e := range []struct {
		name string
		off  int
		data []byte
	}{{"", 0, first}, {"dlkm", len(first), second}} {
		var raw RawVendorRamdiskEntry
		raw.RamdiskSize = uint32(len(e.data))
		raw.RamdiskOffset = uint32(e.off)
		raw.RamdiskType = uint32(VendorRamdiskTypePlatform + i*2)
		copy(raw.RamdiskName[:], e.name)
		binary.Write(&table, binary.LittleEndian, &raw)
	}

	p := payloads{
		Ramdisk:            append(append([]byte(nil), first...), second...),
		Dtb:                []byte("dtb"),
		VendorRamdiskTable: table.Bytes(),
	}
	img := buildImage(t, newVendorV4(4096, p, 2), 4096,
		[]ComponentKind{Ramdisk, Dtb, VendorRamdiskTable, Bootconfig}, p)

	h, err := Parse(img)
	if err != nil {
		t.Fatal(err)
	}
	extents, err := Extents(h, int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	ramdisks, err := VendorRamdisks(h.(*VendorBootV4), img, extents)
	if err != nil {
		t.Fatalf("VendorRamdisks() error = %v", err)
	}
	if len(ramdisks) != 2 {
		t.Fatalf("got %d ramdisks, want 2", len(ramdisks))
	}
	if ramdisks[0].Name != "ramdisk_0" || ramdisks[1].Name != "dlkm" {
		t.Errorf("names = %q, %q", ramdisks[0].Name, ramdisks[1].Name)
	}
	if !bytes.Equal(ramdisks[1].Extent.Slice(img), second) {
		t.Error("dlkm ramdisk payload mismatch")
	}
}

func TestVendorRamdisksOversizedTable(t *testing.T) {
	var table bytes.Buffer
	binary.Write(&table, binary.LittleEndian, &RawVendorRamdiskEntry{RamdiskSize: 4})
	p := payloads{
		Ramdisk:            []byte("ramd"),
		VendorRamdiskTable: table.Bytes(),
	}
	raw := newVendorV4(4096, p, 1)
	raw.VendorRamdiskTableEntryNum = 0xffffffff
	raw.VendorRamdiskTableEntrySize = 0xffffffff
	img := buildImage(t, raw, 4096, []ComponentKind{Ramdisk, VendorRamdiskTable}, p)

	h, err := Parse(img)
	if err != nil {
		t.Fatal(err)
	}
	extents, err := Extents(h, int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	ramdisks, err := VendorRamdisks(h.(*VendorBootV4), img, extents)
	if !fwerr.Is(err, fwerr.Truncated) {
		t.Fatalf("VendorRamdisks() error = %v, want Truncated", err)
	}
	if ramdisks != nil {
		t.Errorf("VendorRamdisks() = %v, want nil", ramdisks)
	}
}

func TestVendorBootUsesHeaderPageSize(t *testing.T) {
	p := payloads{
		Ramdisk: bytes.Repeat([]byte{0x33}, 1500),
		Dtb:     []byte("dtb"),
	}
	img := buildImage(t, newVendorV4(2048, p, 0), 2048, []ComponentKind{Ramdisk, Dtb}, p)

	h, err := Parse(img)
	if err != nil {
		t.Fatal(err)
	}
	if h.PageSize() != 2048 {
		t.Fatalf("PageSize() = %d, want 2048", h.PageSize())
	}
	extents, err := Extents(h, int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	// the 2128-byte header rounds up to two 2048-byte pages
	want := []Extent{
		{Kind: Ramdisk, Offset: 4096, Length: 1500},
		{Kind: Dtb, Offset: 6144, Length: 3},
	}
	if len(extents) != len(want) {
		t.Fatalf("Extents() = %v, want %v", extents, want)
	}
	for i := range want {
		if extents[i] != want[i] {
			t.Errorf("extent[%d] = %+v, want %+v", i, extents[i], want[i])
		}
	}
}

func TestWriteInfo(t *testing.T) {
	p := payloads{Kernel: []byte{1, 2, 3}, Ramdisk: []byte{4}}
	img := buildImage(t, newV2(2048, p), 2048, legacyOrder(), p)
	h, err := Parse(img)
	if err != nil {
		t.Fatal(err)
	}
	extents, _ := Extents(h, int64(len(img)))

	var out bytes.Buffer
	if err := WriteInfo(&out, Info{Header: h, Extents: extents, Extra: []Field{{"ramdisk_format", "gzip"}}}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"page_size=0x800\n",
		"hdr_kernel_addr=0x10008000\n",
		"hdr_base_addr=0x10000000\n",
		"hdr_ramdisk_offset=0x01000000\n",
		"kernel_file_offset=0x00000800\n",
		"ramdisk_file_offset=0x00001000\n",
		"hdr_board=\"testboard\"\n",
		"ramdisk_format=\"gzip\"\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("img_info missing %q:\n%s", want, out.String())
		}
	}
}

func TestSplitMtk(t *testing.T) {
	var prefix MtkHeader
	prefix.Magic = MtkMagic
	prefix.Size = 4
	copy(prefix.Name[:], "ROOTFS")
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &prefix)
	buf.WriteString("\x1f\x8b\x08\x00")

	hdr, payload, ok := SplitMtk(buf.Bytes())
	if !ok {
		t.Fatal("SplitMtk() ok = false")
	}
	if got := cstring(hdr.Name[:]); got != "ROOTFS" {
		t.Errorf("name = %q", got)
	}
	if string(payload) != "\x1f\x8b\x08\x00" {
		t.Errorf("payload = %x", payload)
	}

	if _, payload, ok := SplitMtk([]byte("\x1f\x8b\x08\x00")); ok || len(payload) != 4 {
		t.Errorf("SplitMtk() on a plain ramdisk = (%x, %v)", payload, ok)
	}
}
