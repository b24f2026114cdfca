package dumper

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/ssut/firmware-dumper-go/lp"
	"github.com/ssut/firmware-dumper-go/sparse"
)

// dumpImage handles super images and stand-alone sparse images. Both are
// opened through lp.Open, which expands sparse input into scratch; an image
// that turns out to carry LP metadata is split, anything else is written out
// as <stem>.img.
func (t *task) dumpImage() error {
	if err := os.MkdirAll(t.scratch, 0o755); err != nil {
		return err
	}
	im, err := lp.Open(t.src, t.scratch)
	if err != nil {
		return err
	}
	defer im.Close()

	if lp.HasGeometry(im) {
		return t.splitSuper(im)
	}
	if !im.Sparse {
		// a sparse-looking file that did not expand
		t.passthrough()
		return nil
	}

	name := stem(t.src) + ".img"
	path := filepath.Join(t.dir, name)
	if _, err := t.copyOut(path, io.NewSectionReader(im, 0, im.Size()), im.Size()); err != nil {
		return err
	}
	log.WithFields(log.Fields{"file": t.src, "size": humanize.IBytes(uint64(im.Size()))}).Info("Unsparsed image")
	t.produced(path, KindPartition)
	return nil
}

func (t *task) splitSuper(im *lp.Image) error {
	images, err := lp.Split(im, t.d.conf.Slot, t.d.catalog)
	if images == nil && err != nil {
		return err
	}
	// extents that could not be resolved only cost their own partition
	t.warn(err)
	if len(images) == 0 {
		log.WithField("file", t.src).Warn("No catalog partition found in super image")
	}

	for i := range images {
		li := &images[i]
		if err := t.ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(t.dir, li.FileName())
		if err := t.writePartition(path, li); err != nil {
			return errors.Wrapf(err, "partition %s", li.Descriptor.Name)
		}
		t.produced(path, KindPartition)
	}
	return nil
}

// writePartition copies a logical partition out, expanding it on the way if
// the partition itself holds a sparse image.
func (t *task) writePartition(path string, li *lp.LogicalImage) error {
	br := bufio.NewReaderSize(li.Reader(), 1<<20)
	head, _ := br.Peek(sparse.FileHeaderSize)
	if !sparse.IsSparse(head) {
		_, err := t.copyOut(path, br, li.Size())
		return err
	}

	out, err := createAtomic(path)
	if err != nil {
		return err
	}
	defer out.Abort()
	if _, err := sparse.Unsparse(ctxReader{ctx: t.ctx, r: br}, out); err != nil {
		return err
	}
	log.WithField("partition", li.Descriptor.Name).Info("Expanded sparse partition")
	return out.Commit()
}

func (t *task) copyOut(path string, r io.Reader, size int64) (int64, error) {
	r = ctxReader{ctx: t.ctx, r: r}
	if bar := t.d.bytesBar(filepath.Base(path), size); bar != nil {
		r = bar.ProxyReader(r)
		defer bar.SetTotal(0, true)
	}
	return copyFileAtomic(path, r)
}
