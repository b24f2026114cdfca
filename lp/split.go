package lp

import (
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

type span struct {
	zero   bool
	offset int64
	length int64
}

// LogicalImage is one logical partition of a super image, resolved to the
// byte ranges it occupies. Descriptor.Name is always the bare partition name.
type LogicalImage struct {
	Descriptor PartitionDescriptor
	spans      []span
	src        io.ReaderAt
}

// FileName is the name the partition is written under.
func (li *LogicalImage) FileName() string { return li.Descriptor.Name + ".img" }

// Size returns the partition size in bytes.
func (li *LogicalImage) Size() int64 { return li.Descriptor.ByteLength }

// Reader streams the partition contents. Zero extents read as zeros.
func (li *LogicalImage) Reader() io.Reader {
	readers := make([]io.Reader, 0, len(li.spans))
	for _, s := range li.spans {
		if s.zero {
			readers = append(readers, io.LimitReader(zeros{}, s.length))
		} else {
			readers = append(readers, io.NewSectionReader(li.src, s.offset, s.length))
		}
	}
	return io.MultiReader(readers...)
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

type sizer interface {
	Size() int64
}

// Split resolves every catalog entry against the super image in r. For each
// entry the policy's suffixed name is tried first, then the bare name; a
// partition that is missing or has no extents under both names is skipped.
// Resolved images carry the bare name whichever variant matched.
//
// Extents that cannot be served from r are reported through the returned
// error; the other partitions are still returned.
func Split(r io.ReaderAt, policy SlotPolicy, catalog []PartitionDescriptor) ([]LogicalImage, error) {
	g, err := ReadGeometry(r)
	if err != nil {
		return nil, err
	}
	slot := policy.MetadataSlot()
	if slot >= g.MetadataSlotCount {
		slot = 0
	}
	md, err := ReadMetadata(r, slot)
	if err != nil {
		return nil, err
	}

	var limit int64 = -1
	if s, ok := r.(sizer); ok {
		limit = s.Size()
	}

	var (
		images []LogicalImage
		errs   []error
		seen   = map[string]bool{}
	)
	for _, entry := range catalog {
		if seen[entry.Name] {
			continue
		}
		seen[entry.Name] = true

		for _, suffix := range policy.Suffixes() {
			p, ok := md.Lookup(entry.Name + suffix)
			if !ok || p.NumExtents == 0 {
				continue
			}
			li, err := resolve(md, p, r, limit)
			if err != nil {
				errs = append(errs, err)
				break
			}
			li.Descriptor = PartitionDescriptor{Name: entry.Name, SlotSuffix: suffix, ByteLength: li.Descriptor.ByteLength}
			log.WithFields(log.Fields{
				"partition": p.Name,
				"size":      humanize.IBytes(uint64(li.Size())),
			}).Info("Found logical partition")
			images = append(images, *li)
			break
		}
	}
	return images, errors.Join(errs...)
}

func resolve(md *Metadata, p *Partition, r io.ReaderAt, limit int64) (*LogicalImage, error) {
	li := &LogicalImage{src: r}
	var total uint64
	for i, e := range md.PartitionExtents(p) {
		if e.NumSectors > MaxSectors-total {
			return nil, fwerr.New(fwerr.ExtentOutOfBounds, fmt.Sprintf("%s extent %d", p.Name, i),
				"%d sectors after %d", e.NumSectors, total)
		}
		total += e.NumSectors
		length := int64(e.NumSectors) * SectorSize
		switch e.TargetType {
		case TargetZero:
			li.spans = append(li.spans, span{zero: true, length: length})
		case TargetLinear:
			if e.TargetSource != 0 {
				return nil, fwerr.New(fwerr.UnsupportedOperation, fmt.Sprintf("%s extent %d", p.Name, i),
					"extent lives on block device %d", e.TargetSource)
			}
			if e.TargetData > MaxSectors-e.NumSectors {
				return nil, fwerr.New(fwerr.ExtentOutOfBounds, fmt.Sprintf("%s extent %d", p.Name, i),
					"sector %d+%d", e.TargetData, e.NumSectors)
			}
			off := int64(e.TargetData) * SectorSize
			if limit >= 0 && off+length > limit {
				return nil, fwerr.At(fwerr.ExtentOutOfBounds, fmt.Sprintf("%s extent %d", p.Name, i), off, length)
			}
			li.spans = append(li.spans, span{offset: off, length: length})
		default:
			return nil, fwerr.New(fwerr.InvalidHeader, fmt.Sprintf("%s extent %d", p.Name, i),
				"unknown target type %d", e.TargetType)
		}
	}
	li.Descriptor.ByteLength = int64(total) * SectorSize
	return li, nil
}
