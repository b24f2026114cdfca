package dumper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/cavaliergopher/cpio"
	"github.com/klauspost/pgzip"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ssut/firmware-dumper-go/bootimg"
	"github.com/ssut/firmware-dumper-go/fwerr"
	"github.com/ssut/firmware-dumper-go/lp"
	"github.com/ssut/firmware-dumper-go/sparse"
)

const page = 4096

func le(t *testing.T, buf *bytes.Buffer, v any) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatal(err)
	}
}

func padTo(buf *bytes.Buffer, n int) {
	for buf.Len()%n != 0 {
		buf.WriteByte(0)
	}
}

func writeInput(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func gzipCpio(t *testing.T) []byte {
	t.Helper()
	var raw bytes.Buffer
	w := cpio.NewWriter(&raw)
	body := []byte("on early-init\n")
	for _, e := range []struct {
		hdr  cpio.Header
		body []byte
	}{
		{cpio.Header{Name: "sbin", Mode: cpio.TypeDir | 0o755}, nil},
		{cpio.Header{Name: "init.rc", Mode: cpio.TypeReg | 0o644, Size: int64(len(body))}, body},
	} {
		hdr := e.hdr
		if err := w.WriteHeader(&hdr); err != nil {
			t.Fatal(err)
		}
		w.Write(e.body)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var gz bytes.Buffer
	zw := pgzip.NewWriter(&gz)
	zw.Write(raw.Bytes())
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return gz.Bytes()
}

func bootV3(t *testing.T, kernel, rd []byte) []byte {
	t.Helper()
	var h bootimg.RawV3
	copy(h.Magic[:], bootimg.BootMagic)
	h.KernelSize = uint32(len(kernel))
	h.RamdiskSize = uint32(len(rd))
	h.HeaderVersion = 3
	h.HeaderSize = uint32(binary.Size(h))

	var buf bytes.Buffer
	le(t, &buf, &h)
	padTo(&buf, page)
	buf.Write(kernel)
	padTo(&buf, page)
	buf.Write(rd)
	padTo(&buf, page)
	return buf.Bytes()
}

// on-disk LP table entries, mirrored from the metadata format
type (
	lpPartition struct {
		Name             [36]byte
		Attributes       uint32
		FirstExtentIndex uint32
		NumExtents       uint32
		GroupIndex       uint32
	}
	lpGroup struct {
		Name        [36]byte
		Flags       uint32
		MaximumSize uint64
	}
	lpDevice struct {
		FirstLogicalSector uint64
		Alignment          uint32
		AlignmentOffset    uint32
		Size               uint64
		PartitionName      [36]byte
		Flags              uint32
	}
)

type superPart struct {
	name string
	data []byte
}

// superImage builds a single-slot super image; data lengths must be
// multiples of the sector size.
func superImage(t *testing.T, parts []superPart) []byte {
	t.Helper()
	const (
		metaMax   = 65536
		dataStart = 1 << 20
	)
	var partTable, extTable, groupTable, devTable bytes.Buffer
	var data []byte
	sector := uint64(dataStart / lp.SectorSize)
	for i, p := range parts {
		var rp lpPartition
		copy(rp.Name[:], p.name)
		rp.FirstExtentIndex = uint32(i)
		rp.NumExtents = 1
		le(t, &partTable, rp)
		n := uint64(len(p.data)) / lp.SectorSize
		le(t, &extTable, lp.Extent{NumSectors: n, TargetType: lp.TargetLinear, TargetData: sector})
		sector += n
		data = append(data, p.data...)
	}
	var grp lpGroup
	copy(grp.Name[:], "default")
	le(t, &groupTable, grp)
	dev := lpDevice{FirstLogicalSector: dataStart / lp.SectorSize, Size: uint64(dataStart + len(data))}
	copy(dev.PartitionName[:], "super")
	le(t, &devTable, dev)

	var tables []byte
	for _, b := range []*bytes.Buffer{&partTable, &extTable, &groupTable, &devTable} {
		tables = append(tables, b.Bytes()...)
	}
	h := lp.Header{
		Magic:          lp.HeaderMagic,
		MajorVersion:   lp.MajorVersion,
		HeaderSize:     uint32(binary.Size(lp.Header{})),
		TablesSize:     uint32(len(tables)),
		TablesChecksum: sha256.Sum256(tables),
		Partitions:     lp.TableDescriptor{Offset: 0, NumEntries: uint32(len(parts)), EntrySize: uint32(binary.Size(lpPartition{}))},
		Extents:        lp.TableDescriptor{Offset: uint32(partTable.Len()), NumEntries: uint32(len(parts)), EntrySize: uint32(binary.Size(lp.Extent{}))},
		Groups:         lp.TableDescriptor{Offset: uint32(partTable.Len() + extTable.Len()), NumEntries: 1, EntrySize: uint32(binary.Size(lpGroup{}))},
		BlockDevices:   lp.TableDescriptor{Offset: uint32(partTable.Len() + extTable.Len() + groupTable.Len()), NumEntries: 1, EntrySize: uint32(binary.Size(lpDevice{}))},
	}
	var hb bytes.Buffer
	le(t, &hb, h)
	h.HeaderChecksum = sha256.Sum256(hb.Bytes())
	hb.Reset()
	le(t, &hb, h)

	g := lp.Geometry{
		Magic:             lp.GeometryMagic,
		StructSize:        uint32(binary.Size(lp.Geometry{})),
		MetadataMaxSize:   metaMax,
		MetadataSlotCount: 1,
		LogicalBlockSize:  page,
	}
	var gb bytes.Buffer
	le(t, &gb, g)
	g.Checksum = sha256.Sum256(gb.Bytes())
	gb.Reset()
	le(t, &gb, g)

	// whole pages, so the image can also be wrapped by sparseImage
	img := make([]byte, (dataStart+len(data)+page-1)/page*page)
	copy(img[lp.GeometryOffset:], gb.Bytes())
	copy(img[lp.BackupGeometryOffset:], gb.Bytes())
	copy(img[lp.MetadataOffset:], append(hb.Bytes(), tables...))
	copy(img[dataStart:], data)
	return img
}

// sparseImage wraps raw, a whole number of pages, in a single RAW chunk.
func sparseImage(t *testing.T, raw []byte) []byte {
	t.Helper()
	blocks := uint32(len(raw) / page)
	var buf bytes.Buffer
	le(t, &buf, sparse.FileHeader{
		Magic:           sparse.Magic,
		MajorVersion:    1,
		FileHeaderSize:  sparse.FileHeaderSize,
		ChunkHeaderSize: sparse.ChunkHeaderSize,
		BlockSize:       page,
		TotalBlocks:     blocks,
		TotalChunks:     1,
	})
	le(t, &buf, sparse.ChunkHeader{Type: sparse.ChunkRaw, ChunkSize: blocks, TotalSize: uint32(sparse.ChunkHeaderSize + len(raw))})
	buf.Write(raw)
	return buf.Bytes()
}

func payloadBin(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var ext, op, part, manifest []byte
	ext = protowire.AppendTag(ext, 1, protowire.VarintType)
	ext = protowire.AppendVarint(ext, 0)
	ext = protowire.AppendTag(ext, 2, protowire.VarintType)
	ext = protowire.AppendVarint(ext, uint64(len(data)/page))

	op = protowire.AppendTag(op, 1, protowire.VarintType)
	op = protowire.AppendVarint(op, 0) // REPLACE
	op = protowire.AppendTag(op, 2, protowire.VarintType)
	op = protowire.AppendVarint(op, 0)
	op = protowire.AppendTag(op, 3, protowire.VarintType)
	op = protowire.AppendVarint(op, uint64(len(data)))
	op = protowire.AppendTag(op, 6, protowire.BytesType)
	op = protowire.AppendBytes(op, ext)

	var info []byte
	info = protowire.AppendTag(info, 1, protowire.VarintType)
	info = protowire.AppendVarint(info, uint64(len(data)))

	part = protowire.AppendTag(part, 1, protowire.BytesType)
	part = protowire.AppendString(part, name)
	part = protowire.AppendTag(part, 7, protowire.BytesType)
	part = protowire.AppendBytes(part, info)
	part = protowire.AppendTag(part, 8, protowire.BytesType)
	part = protowire.AppendBytes(part, op)

	manifest = protowire.AppendTag(manifest, 13, protowire.BytesType)
	manifest = protowire.AppendBytes(manifest, part)

	var buf bytes.Buffer
	buf.WriteString("CrAU")
	binary.Write(&buf, binary.BigEndian, uint64(2))
	binary.Write(&buf, binary.BigEndian, uint64(len(manifest)))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.Write(manifest)
	buf.Write(data)
	return buf.Bytes()
}

func run(t *testing.T, conf Config, inputs ...string) (*Manifest, error) {
	t.Helper()
	if conf.Output == "" {
		conf.Output = t.TempDir()
	}
	return New(conf).Run(context.Background(), inputs)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func hasArtifact(m *Manifest, path string, kind ArtifactKind) bool {
	for _, a := range m.Produced {
		if a.Path == path && a.Kind == kind {
			return true
		}
	}
	return false
}

func TestRunBootImage(t *testing.T) {
	in := t.TempDir()
	kernel := bytes.Repeat([]byte{0xaa}, 2*page)
	rd := gzipCpio(t)
	// a vendor header in front of the container
	img := append(bytes.Repeat([]byte{0x11}, 512), bootV3(t, kernel, rd)...)
	src := writeInput(t, in, "boot.img", img)

	out := t.TempDir()
	m, err := run(t, Config{Output: out}, src)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	dir := filepath.Join(out, "boot")
	if !bytes.Equal(mustRead(t, filepath.Join(dir, "kernel")), kernel) {
		t.Error("kernel mismatch")
	}
	if !bytes.Equal(mustRead(t, filepath.Join(dir, packedRamdiskName)), rd) {
		t.Error("packed ramdisk mismatch")
	}
	if got := string(mustRead(t, filepath.Join(dir, "ramdisk", "init.rc"))); got != "on early-init\n" {
		t.Errorf("init.rc = %q", got)
	}
	if fi, err := os.Stat(filepath.Join(dir, "ramdisk", "sbin")); err != nil || !fi.IsDir() {
		t.Errorf("sbin not replayed: %v", err)
	}

	info := string(mustRead(t, filepath.Join(dir, imgInfoName)))
	for _, want := range []string{
		"container_offset=0x00000200",
		"kernel_file_offset=0x00001000",
		"ramdisk_file_offset=0x00003000",
		`ramdisk_format="gzip"`,
	} {
		if !strings.Contains(info, want) {
			t.Errorf("img_info missing %q:\n%s", want, info)
		}
	}
	if !hasArtifact(m, filepath.Join(dir, "ramdisk"), KindRamdiskTree) || !hasArtifact(m, filepath.Join(dir, "kernel"), KindKernel) {
		t.Errorf("manifest = %+v", m.Produced)
	}
	if _, err := os.Stat(filepath.Join(out, ManifestName)); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}

func TestRunBootCorruptRamdisk(t *testing.T) {
	in := t.TempDir()
	kernel := bytes.Repeat([]byte{0xaa}, page)
	src := writeInput(t, in, "boot.img", bootV3(t, kernel, bytes.Repeat([]byte("garbage!"), 512)))

	out := t.TempDir()
	m, err := run(t, Config{Output: out}, src)
	if err == nil {
		t.Fatal("Run() succeeded with a corrupt ramdisk")
	}
	if len(m.Errors) != 1 || !m.Errors[0].Fatal || m.Errors[0].Kind != fwerr.ArchiveCorrupt.String() {
		t.Fatalf("errors = %+v", m.Errors)
	}
	// siblings of the failed component are still extracted
	if !hasArtifact(m, filepath.Join(out, "boot", "kernel"), KindKernel) {
		t.Error("kernel missing from partial manifest")
	}
	if _, err := os.Stat(filepath.Join(out, "boot", "ramdisk")); !os.IsNotExist(err) {
		t.Error("ramdisk directory left behind")
	}
	if _, err := os.Stat(filepath.Join(out, "boot", "ramdisk"+tmpSuffix)); !os.IsNotExist(err) {
		t.Error("ramdisk temp directory left behind")
	}
}

func TestRunSparseData(t *testing.T) {
	block := func(c byte) []byte { return bytes.Repeat([]byte{c}, page) }
	data := append(block('a'), block('b')...)
	list := "4\n4\n0\n0\nnew 4,2,3,0,1\nzero 2,1,2\n"

	tests := []struct {
		name string
		file string
		data []byte
	}{
		{"raw", "system.new.dat", data},
		{"brotli", "system.new.dat.br", func() []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			w.Write(data)
			w.Close()
			return buf.Bytes()
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := t.TempDir()
			src := writeInput(t, in, tt.file, tt.data)
			writeInput(t, in, "system.transfer.list", []byte(list))

			out := t.TempDir()
			if _, err := run(t, Config{Output: out}, src); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			got := mustRead(t, filepath.Join(out, "system", "system.img"))
			want := bytes.Join([][]byte{block('b'), block(0), block('a'), block(0)}, nil)
			if !bytes.Equal(got, want) {
				t.Errorf("image has %d bytes, content mismatch", len(got))
			}
		})
	}
}

func TestRunMissingTransferList(t *testing.T) {
	in := t.TempDir()
	src := writeInput(t, in, "vendor.new.dat", bytes.Repeat([]byte{1}, page))

	m, err := run(t, Config{}, src)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(m.Errors) != 1 || m.Errors[0].Fatal || m.Errors[0].Kind != fwerr.SkippedMissingTransferList.String() {
		t.Errorf("errors = %+v", m.Errors)
	}
	if !hasArtifact(m, src, KindPassthrough) {
		t.Errorf("produced = %+v, want passthrough", m.Produced)
	}
}

func TestRunSuper(t *testing.T) {
	system := bytes.Repeat([]byte{'S'}, 2*page)
	vendorRaw := bytes.Repeat([]byte{'V'}, page)
	// vendor is itself sparse, padded to whole sectors
	vendor := sparseImage(t, vendorRaw)
	vendor = append(vendor, make([]byte, (lp.SectorSize-len(vendor)%lp.SectorSize)%lp.SectorSize)...)
	super := superImage(t, []superPart{
		{"system_a", system},
		{"vendor", vendor},
		{"unlisted", bytes.Repeat([]byte{'U'}, page)},
	})

	tests := []struct {
		name string
		data []byte
	}{
		{"raw", super},
		{"sparse", sparseImage(t, super)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := t.TempDir()
			src := writeInput(t, in, "super.img", tt.data)
			out := t.TempDir()
			m, err := run(t, Config{Output: out}, src)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			dir := filepath.Join(out, "super")
			if !bytes.Equal(mustRead(t, filepath.Join(dir, "system.img")), system) {
				t.Error("system.img mismatch")
			}
			if !bytes.Equal(mustRead(t, filepath.Join(dir, "vendor.img")), vendorRaw) {
				t.Error("vendor.img was not expanded")
			}
			for _, name := range []string{"system_a.img", "unlisted.img"} {
				if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
					t.Errorf("%s should not exist", name)
				}
			}
			if len(m.Produced) != 2 {
				t.Errorf("produced = %+v", m.Produced)
			}
			if _, err := os.Stat(filepath.Join(out, scratchName)); !os.IsNotExist(err) {
				t.Error("scratch directory left behind")
			}
		})
	}
}

func TestRunSparseImage(t *testing.T) {
	raw := bytes.Repeat([]byte{0x5a}, 3*page)
	in := t.TempDir()
	src := writeInput(t, in, "cache.img", sparseImage(t, raw))
	out := t.TempDir()
	if _, err := run(t, Config{Output: out}, src); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(mustRead(t, filepath.Join(out, "cache", "cache.img")), raw) {
		t.Error("unsparsed image mismatch")
	}
}

func TestRunPayload(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, page)
	in := t.TempDir()
	src := writeInput(t, in, "payload.bin", payloadBin(t, "odm", data))
	out := t.TempDir()
	m, err := run(t, Config{Output: out, Concurrency: 1}, src)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	path := filepath.Join(out, "payload", "odm.img")
	if !bytes.Equal(mustRead(t, path), data) {
		t.Error("odm.img mismatch")
	}
	if !hasArtifact(m, path, KindPartition) {
		t.Errorf("produced = %+v", m.Produced)
	}
}

func TestRunPassthroughAndStems(t *testing.T) {
	in := t.TempDir()
	a := writeInput(t, in, "notes.txt", []byte("hello"))
	sub := filepath.Join(in, "sub")
	os.Mkdir(sub, 0o755)
	b1 := writeInput(t, in, "boot.img", bootV3(t, []byte("k"), nil))
	b2 := writeInput(t, sub, "boot.img", bootV3(t, []byte("k"), nil))

	out := t.TempDir()
	m, err := run(t, Config{Output: out, Concurrency: 2}, a, b1, b2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !hasArtifact(m, a, KindPassthrough) {
		t.Error("unrecognized file not listed as passthrough")
	}
	if _, err := os.Stat(filepath.Join(out, "notes")); !os.IsNotExist(err) {
		t.Error("passthrough file was copied")
	}
	for _, dir := range []string{"boot", "boot-2"} {
		if _, err := os.Stat(filepath.Join(out, dir, "kernel")); err != nil {
			t.Errorf("%s: %v", dir, err)
		}
	}
}

func TestRunCancelled(t *testing.T) {
	in := t.TempDir()
	src := writeInput(t, in, "boot.img", bootV3(t, []byte("kernel"), gzipCpio(t)))
	out := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := New(Config{Output: out}).Run(ctx, []string{src})
	if err == nil {
		t.Fatal("Run() succeeded after cancel")
	}
	if len(m.Produced) != 0 || len(m.Errors) != 1 {
		t.Errorf("manifest = %+v", m)
	}
	if _, err := os.Stat(filepath.Join(out, "boot")); !os.IsNotExist(err) {
		t.Error("output written after cancel")
	}
}

func TestDetect(t *testing.T) {
	in := t.TempDir()
	tests := []struct {
		name string
		data []byte
		want Route
	}{
		{"payload.bin", []byte("CrAU\x00\x00\x00\x00\x00\x00\x00\x02"), PayloadPath},
		{"a.img", sparseImage(t, make([]byte, page)), SparseImagePath},
		{"b.img", superImage(t, nil), SuperPath},
		{"c.img", bootV3(t, []byte("k"), nil), BootPath},
		{"d.bin", []byte("random bytes"), Passthrough},
		{"empty", nil, Passthrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(writeInput(t, in, tt.name, tt.data))
			if err != nil || got != tt.want {
				t.Errorf("Detect() = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestStem(t *testing.T) {
	tests := map[string]string{
		"/x/system.new.dat.br": "system",
		"vendor.new.dat":       "vendor",
		"boot.img":             "boot",
		".new.dat":             ".new",
		"README":               "README",
	}
	for in, want := range tests {
		if got := stem(in); got != want {
			t.Errorf("stem(%q) = %q, want %q", in, got, want)
		}
	}
	got := uniqueStems([]string{"a/boot.img", "b/boot.img", "boot-2.img", "c/boot.img"})
	want := []string{"boot", "boot-2", "boot-2-2", "boot-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("uniqueStems() = %v, want %v", got, want)
			break
		}
	}
}
