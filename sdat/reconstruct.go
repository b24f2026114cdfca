package sdat

import (
	"io"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

// Output is where a reconstructed image is written.
type Output interface {
	io.WriteSeeker
	Truncate(size int64) error
}

// Reconstruct replays tl against src into out. Each new command copies its
// blocks from the current position of src, so src is consumed strictly in
// command order. Zero and erase commands write nothing: the regions they name
// keep whatever out already holds, which for a fresh file is a hole that reads
// as zeros. out is finally sized to max(capacityBlocks, tl.MaxBlock()) blocks.
func Reconstruct(tl *TransferList, src io.Reader, out Output, capacityBlocks uint64) error {
	log.WithFields(log.Fields{
		"version":    tl.Version,
		"new_blocks": tl.NewBlocks(),
	}).Infof("%s transfer list", VersionName(tl.Version))

	// a hand-built list may skip Parse, so bound every offset before writing
	if capacityBlocks > MaxBlocks {
		return fwerr.New(fwerr.InvalidHeader, "output", "capacity of %d blocks", capacityBlocks)
	}
	if m := tl.MaxBlock(); m > MaxBlocks {
		return fwerr.New(fwerr.MalformedRangeset, "transfer list", "block %d is out of range", m)
	}

	var consumed int64
	for _, c := range tl.Commands {
		if c.Op != OpNew {
			log.Debugf("Skipping command %s (%d blocks)", c.Op, c.Ranges.Blocks())
			continue
		}
		for _, r := range c.Ranges {
			log.Debugf("Copying %d blocks into position %d", r.Len(), r.Begin)
			if _, err := out.Seek(int64(r.Begin)*BlockSize, io.SeekStart); err != nil {
				return errors.Wrapf(err, "failed to seek to block %d", r.Begin)
			}
			want := int64(r.Len()) * BlockSize
			n, err := io.CopyN(out, src, want)
			consumed += n
			if err == io.EOF {
				return &fwerr.FormatError{
					Kind:      fwerr.Truncated,
					Component: "new data",
					Offset:    consumed - n,
					Length:    want,
					Err:       errors.Errorf("stream ended after %d of %d bytes for blocks %d-%d", n, want, r.Begin, r.End),
				}
			}
			if err != nil {
				return errors.Wrapf(err, "failed to copy blocks %d-%d", r.Begin, r.End)
			}
		}
	}

	blocks := tl.MaxBlock()
	if capacityBlocks > blocks {
		blocks = capacityBlocks
	}
	size := int64(blocks) * BlockSize
	if err := out.Truncate(size); err != nil {
		return errors.Wrap(err, "failed to size output image")
	}
	log.WithField("size", humanize.IBytes(uint64(size))).Debugf("Consumed %s of new data", humanize.IBytes(uint64(consumed)))
	return nil
}
