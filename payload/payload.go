// Package payload extracts partition images from A/B OTA payload.bin files.
// Only full payloads are supported; operations that need a source image
// are rejected.
package payload

import (
	"bytes"
	"compress/bzip2"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

const (
	payloadHeaderMagic        = "CrAU"
	brilloMajorPayloadVersion = 2
	blockSize                 = 4096
	headerSize                = 24
)

// IsPayload reports whether head starts with the payload magic.
func IsPayload(head []byte) bool {
	return len(head) >= len(payloadHeaderMagic) && string(head[:len(payloadHeaderMagic)]) == payloadHeaderMagic
}

type Payload struct {
	Filename string
	Manifest *DeltaArchiveManifest

	file         *os.File
	header       *payloadHeader
	concurrency  int
	verify       bool
	metadataSize int64
	dataOffset   int64
	initialized  bool

	requests chan *request
	workerWG sync.WaitGroup
	progress *mpb.Progress

	mu      sync.Mutex
	results []Result
}

type payloadHeader struct {
	Version              uint64
	ManifestLen          uint64
	MetadataSignatureLen uint32
}

type request struct {
	ctx             context.Context
	index           int
	partition       *PartitionUpdate
	targetDirectory string
}

// Result is the outcome of extracting one partition.
type Result struct {
	Partition string
	Path      string
	Size      int64
	Err       error

	index int
}

func NewPayload(filename string) *Payload {
	return &Payload{
		Filename:    filename,
		concurrency: 4,
		verify:      true,
	}
}

func (p *Payload) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	p.concurrency = n
}

func (p *Payload) GetConcurrency() int {
	return p.concurrency
}

// SetVerify toggles the whole-partition hash check after extraction.
func (p *Payload) SetVerify(v bool) {
	p.verify = v
}

// SetProgress attaches a progress container; nil disables bars.
func (p *Payload) SetProgress(progress *mpb.Progress) {
	p.progress = progress
}

func (p *Payload) Open() error {
	file, err := os.Open(p.Filename)
	if err != nil {
		return err
	}
	p.file = file
	return nil
}

func (p *Payload) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

func (p *Payload) readHeader() (*payloadHeader, error) {
	buf := make([]byte, headerSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fwerr.At(fwerr.Truncated, "payload header", 0, headerSize)
		}
		return nil, err
	}
	if !IsPayload(buf) {
		return nil, fwerr.New(fwerr.UnrecognizedContainer, "payload header", "invalid magic %q", buf[:4])
	}

	ph := &payloadHeader{
		Version:              binary.BigEndian.Uint64(buf[4:]),
		ManifestLen:          binary.BigEndian.Uint64(buf[12:]),
		MetadataSignatureLen: binary.BigEndian.Uint32(buf[20:]),
	}
	if ph.Version != brilloMajorPayloadVersion {
		return nil, fwerr.New(fwerr.InvalidHeader, "payload header", "unsupported payload version %d", ph.Version)
	}
	log.WithFields(log.Fields{
		"version":       ph.Version,
		"manifest":      ph.ManifestLen,
		"signature_len": ph.MetadataSignatureLen,
	}).Debug("Payload header")
	return ph, nil
}

func (p *Payload) readManifest() (*DeltaArchiveManifest, error) {
	fi, err := p.file.Stat()
	if err != nil {
		return nil, err
	}
	if headerSize+p.header.ManifestLen > uint64(fi.Size()) {
		return nil, fwerr.At(fwerr.Truncated, "payload manifest", headerSize, int64(p.header.ManifestLen))
	}
	buf := make([]byte, p.header.ManifestLen)
	if _, err := p.file.ReadAt(buf, headerSize); err != nil {
		return nil, err
	}
	return UnmarshalManifest(buf)
}

func (p *Payload) Init() error {
	if p.file == nil {
		return errors.New("payload has not been opened")
	}
	header, err := p.readHeader()
	if err != nil {
		return err
	}
	p.header = header

	manifest, err := p.readManifest()
	if err != nil {
		return err
	}
	p.Manifest = manifest
	if p.Manifest.BlockSize == 0 {
		p.Manifest.BlockSize = blockSize
	}

	p.metadataSize = int64(headerSize + p.header.ManifestLen)
	p.dataOffset = p.metadataSize + int64(p.header.MetadataSignatureLen)

	for _, partition := range p.Manifest.Partitions {
		log.WithFields(log.Fields{
			"partition":  partition.PartitionName,
			"size":       humanize.IBytes(partition.Size),
			"operations": len(partition.Operations),
		}).Info("Found partition")
	}

	p.initialized = true
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(b []byte) (int, error) {
	clear(b)
	return len(b), nil
}

// Extract replays the operations of partition into out.
func (p *Payload) Extract(partition *PartitionUpdate, out io.WriteSeeker) error {
	if !p.initialized {
		return errors.New("payload has not been initialized")
	}
	name := partition.PartitionName

	var bar *mpb.Bar
	if p.progress != nil {
		barName := fmt.Sprintf("%s (%s)", name, humanize.IBytes(partition.Size))
		bar = p.progress.AddBar(
			int64(len(partition.Operations)),
			mpb.PrependDecorators(
				decor.Name(barName, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
			),
		)
		defer bar.SetTotal(0, true)
	}

	for i := range partition.Operations {
		if err := p.apply(name, i, &partition.Operations[i], out); err != nil {
			return err
		}
		if bar != nil {
			bar.Increment()
		}
	}
	return nil
}

func (p *Payload) apply(name string, index int, op *InstallOperation, out io.WriteSeeker) error {
	component := fmt.Sprintf("%s operation %d", name, index)
	if len(op.DstExtents) == 0 {
		return fwerr.New(fwerr.InvalidHeader, component, "operation has no destination extents")
	}
	bs := int64(p.Manifest.BlockSize)

	switch op.Type {
	case OpZero, OpDiscard:
		_, err := writeExtents(out, op.DstExtents, bs, zeroReader{})
		return err
	case OpReplace, OpReplaceBz, OpReplaceXz, OpZstd:
	default:
		return fwerr.New(fwerr.UnsupportedOperation, component, "%s needs a source image", op.Type)
	}

	dataOffset := p.dataOffset + int64(op.DataOffset)
	dataLength := int64(op.DataLength)
	bufSha := sha256.New()
	teeReader := io.TeeReader(io.NewSectionReader(p.file, dataOffset, dataLength), bufSha)

	var reader io.Reader
	switch op.Type {
	case OpReplace:
		reader = teeReader
	case OpReplaceBz:
		reader = bzip2.NewReader(teeReader)
	case OpReplaceXz:
		xr, err := xz.NewReader(teeReader)
		if err != nil {
			return errors.Wrap(err, component)
		}
		reader = xr
	case OpZstd:
		zr, err := zstd.NewReader(teeReader)
		if err != nil {
			return errors.Wrap(err, component)
		}
		defer zr.Close()
		reader = zr
	}

	n, err := writeExtents(out, op.DstExtents, bs, reader)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fwerr.At(fwerr.Truncated, component, dataOffset, dataLength)
		}
		return errors.Wrap(err, component)
	}
	extra, err := io.Copy(io.Discard, reader)
	if err != nil {
		return errors.Wrap(err, component)
	}
	if extra > 0 {
		return fwerr.New(fwerr.InvalidHeader, component, "data is %d bytes longer than its extents (%d)", extra, n)
	}
	// the hash covers the whole blob, including any container trailer
	if _, err := io.Copy(io.Discard, teeReader); err != nil {
		return errors.Wrap(err, component)
	}

	if len(op.DataSha256Hash) > 0 && !bytes.Equal(bufSha.Sum(nil), op.DataSha256Hash) {
		return errors.Errorf("%s: checksum mismatch (%s != %s)", component,
			hex.EncodeToString(bufSha.Sum(nil)), hex.EncodeToString(op.DataSha256Hash))
	}
	return nil
}

func writeExtents(out io.WriteSeeker, extents []Extent, bs int64, r io.Reader) (int64, error) {
	var total int64
	for _, e := range extents {
		if _, err := out.Seek(int64(e.StartBlock)*bs, io.SeekStart); err != nil {
			return total, err
		}
		n, err := io.CopyN(out, r, int64(e.NumBlocks)*bs)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Payload) worker() {
	for req := range p.requests {
		res := p.extractFile(req)
		p.mu.Lock()
		p.results = append(p.results, res)
		p.mu.Unlock()
		p.workerWG.Done()
	}
}

func (p *Payload) extractFile(req *request) Result {
	partition := req.partition
	name := fmt.Sprintf("%s.img", partition.PartitionName)
	path := filepath.Join(req.targetDirectory, name)
	res := Result{Partition: partition.PartitionName, Path: path, index: req.index}

	if err := req.ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_TRUNC|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		res.Err = err
		return res
	}
	err = p.Extract(partition, file)
	if err == nil {
		err = file.Truncate(int64(partition.Size))
	}
	if err == nil && p.verify && len(partition.Hash) > 0 {
		err = verifyFile(file, partition)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		log.WithError(err).WithField("partition", partition.PartitionName).Error("Extraction failed")
		res.Err = err
		return res
	}
	res.Size = int64(partition.Size)
	return res
}

func verifyFile(file *os.File, partition *PartitionUpdate) error {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(file, 0, int64(partition.Size))); err != nil {
		return err
	}
	if sum := h.Sum(nil); !bytes.Equal(sum, partition.Hash) {
		return errors.Errorf("%s: partition hash mismatch (%s != %s)", partition.PartitionName,
			hex.EncodeToString(sum), hex.EncodeToString(partition.Hash))
	}
	return nil
}

func (p *Payload) spawnExtractWorkers(n int) {
	for i := 0; i < n; i++ {
		go p.worker()
	}
}

// ExtractSelected writes <name>.img into targetDirectory for every listed
// partition, or all partitions when the list is empty. Per-partition
// failures are reported in the results, in manifest order.
func (p *Payload) ExtractSelected(ctx context.Context, targetDirectory string, partitions []string) ([]Result, error) {
	if !p.initialized {
		return nil, errors.New("payload has not been initialized")
	}

	wanted := map[string]bool{}
	for _, name := range partitions {
		wanted[name] = true
	}
	found := map[string]bool{}

	p.results = nil
	p.requests = make(chan *request, 100)
	p.spawnExtractWorkers(p.concurrency)

	for i := range p.Manifest.Partitions {
		partition := &p.Manifest.Partitions[i]
		if len(wanted) > 0 && !wanted[partition.PartitionName] {
			continue
		}
		found[partition.PartitionName] = true

		p.workerWG.Add(1)
		p.requests <- &request{
			ctx:             ctx,
			index:           i,
			partition:       partition,
			targetDirectory: targetDirectory,
		}
	}

	p.workerWG.Wait()
	close(p.requests)

	for _, name := range partitions {
		if !found[name] {
			log.WithField("partition", name).Warn("Partition not found in payload")
		}
	}

	sort.Slice(p.results, func(i, j int) bool { return p.results[i].index < p.results[j].index })
	return p.results, ctx.Err()
}

func (p *Payload) ExtractAll(ctx context.Context, targetDirectory string) ([]Result, error) {
	return p.ExtractSelected(ctx, targetDirectory, nil)
}
