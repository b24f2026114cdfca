// Package dumper decomposes firmware images into their partitions and files.
//
// Every input is classified by its leading bytes and routed to one of the
// format packages: boot images to bootimg and ramdisk, sparse data to sdat,
// super and sparse images to lp and sparse, OTA payloads to payload. Anything
// else is passed through and still listed in the manifest.
package dumper

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ssut/firmware-dumper-go/bootimg"
	"github.com/ssut/firmware-dumper-go/fwerr"
	"github.com/ssut/firmware-dumper-go/lp"
	"github.com/ssut/firmware-dumper-go/payload"
	"github.com/ssut/firmware-dumper-go/sparse"
)

const (
	Version = "1.0.0"

	// ManifestName is the file the run manifest is written to under Config.Output.
	ManifestName = "manifest.yml"
	scratchName  = ".scratch"
)

// Config controls a Dumper. The zero value is usable once Output is set.
type Config struct {
	// Output is the root every produced file is written below.
	Output string
	// Concurrency bounds the number of inputs processed at once.
	Concurrency int
	// Partitions overrides the super partition catalog and selects payload
	// partitions. Empty means the default catalog and every payload partition.
	Partitions []string
	Slot       lp.SlotPolicy
	// Progress enables progress bars on stdout.
	Progress bool
	// SkipVerify disables payload partition hash checks.
	SkipVerify bool
}

type Dumper struct {
	conf     Config
	catalog  []lp.PartitionDescriptor
	progress *mpb.Progress
}

func New(conf Config) *Dumper {
	if conf.Concurrency < 1 {
		conf.Concurrency = runtime.NumCPU()
	}
	if conf.Output == "" {
		conf.Output = "."
	}
	catalog := lp.DefaultCatalog()
	if len(conf.Partitions) > 0 {
		catalog = lp.Catalog(conf.Partitions...)
	}
	return &Dumper{conf: conf, catalog: catalog}
}

// Run processes inputs in parallel and writes the manifest to
// Config.Output/manifest.yml. The manifest is returned even when an error is,
// listing whatever was produced before the failure.
func (d *Dumper) Run(ctx context.Context, inputs []string) (*Manifest, error) {
	m := &Manifest{}
	if err := os.MkdirAll(d.conf.Output, 0o755); err != nil {
		return m, errors.Wrap(err, "failed to create output directory")
	}
	scratch := filepath.Join(d.conf.Output, scratchName)
	defer os.RemoveAll(scratch)

	if d.conf.Progress {
		d.progress = mpb.NewWithContext(ctx)
	}

	var g errgroup.Group
	g.SetLimit(d.conf.Concurrency)
	for i, stem := range uniqueStems(inputs) {
		t := &task{
			d:       d,
			ctx:     ctx,
			src:     inputs[i],
			dir:     filepath.Join(d.conf.Output, stem),
			scratch: scratch,
			m:       m,
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				m.fail(t.src, err, true)
				return err
			}
			if err := t.run(); err != nil {
				m.fail(t.src, err, true)
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			return nil
		})
	}
	err := g.Wait()
	if d.progress != nil {
		d.progress.Wait()
	}

	m.sort()
	if werr := m.WriteFile(filepath.Join(d.conf.Output, ManifestName)); werr != nil && err == nil {
		err = werr
	}
	if err == nil && m.Failed() {
		err = errors.Errorf("%d error(s) while processing %d input(s)", len(m.Errors), len(inputs))
	}
	return m, err
}

// Route is the path an input takes through the dumper.
type Route int

const (
	Passthrough Route = iota
	BootPath
	SparseDataPath
	SuperPath
	SparseImagePath
	PayloadPath
	PayloadZipPath
)

var routeNames = map[Route]string{
	Passthrough:     "passthrough",
	BootPath:        "boot",
	SparseDataPath:  "sparse data",
	SuperPath:       "super",
	SparseImagePath: "sparse image",
	PayloadPath:     "payload",
	PayloadZipPath:  "payload zip",
}

func (r Route) String() string { return routeNames[r] }

const zipMagic = "PK\x03\x04"

// Detect classifies the file at path by its contents. The only naming rule
// is the data/transfer list pairing of sparse data files, which carry no
// magic of their own. A sparse data file without its transfer list is
// reported as Passthrough with a fwerr.SkippedMissingTransferList error.
func Detect(path string) (Route, error) {
	f, err := os.Open(path)
	if err != nil {
		return Passthrough, err
	}
	defer f.Close()

	head := make([]byte, bootimg.LocateWindow)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Passthrough, err
	}
	head = head[:n]

	switch {
	case payload.IsPayload(head):
		return PayloadPath, nil
	case sparse.IsSparse(head):
		return SparseImagePath, nil
	case lp.HasGeometry(f):
		return SuperPath, nil
	case bootimg.IsMtk(head):
		return BootPath, nil
	case strings.HasPrefix(string(head), zipMagic) && payload.HasPayloadBin(path):
		return PayloadZipPath, nil
	}

	if list, ok := transferListFor(path); ok {
		if _, err := os.Stat(list); err == nil {
			return SparseDataPath, nil
		}
		return Passthrough, fwerr.New(fwerr.SkippedMissingTransferList, "sparse data",
			"%s not found", filepath.Base(list))
	}
	if _, ok := bootimg.Locate(head); ok {
		return BootPath, nil
	}
	return Passthrough, nil
}

// task is the processing of one input. Every file it writes lives below dir.
type task struct {
	d       *Dumper
	ctx     context.Context
	src     string
	dir     string
	scratch string
	m       *Manifest
}

func (t *task) run() error {
	route, err := Detect(t.src)
	if err != nil && !fwerr.Is(err, fwerr.SkippedMissingTransferList) {
		return err
	}
	t.warn(err)
	log.WithFields(log.Fields{"file": t.src, "route": route}).Info("Processing")

	switch route {
	case BootPath:
		return t.dumpBoot()
	case SparseDataPath:
		return t.dumpSparseData()
	case SuperPath, SparseImagePath:
		return t.dumpImage()
	case PayloadPath:
		return t.dumpPayload(t.src)
	case PayloadZipPath:
		return t.dumpPayloadZip()
	}
	t.passthrough()
	return nil
}

func (t *task) produced(path string, kind ArtifactKind) {
	t.m.add(Artifact{Path: path, Source: t.src, Kind: kind})
}

// warn records a non-fatal error against the input.
func (t *task) warn(err error) {
	if err == nil {
		return
	}
	log.WithError(err).WithField("file", t.src).Warn("Partial failure")
	t.m.fail(t.src, err, false)
}

func (t *task) passthrough() {
	log.WithField("file", t.src).Warn("Unrecognized container, passing through")
	t.produced(t.src, KindPassthrough)
}
