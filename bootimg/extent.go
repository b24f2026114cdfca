package bootimg

import (
	"errors"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

// Extent is the byte range one component occupies in the image.
type Extent struct {
	Kind   ComponentKind
	Offset int64
	Length int64
}

// End returns the offset one past the last byte of the extent.
func (e Extent) End() int64 { return e.Offset + e.Length }

// Slice returns the bytes of e within data.
func (e Extent) Slice(data []byte) []byte { return data[e.Offset:e.End()] }

// Align rounds n up to the next multiple of pageSize (a power of two).
func Align(n, pageSize int64) int64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// Extents walks the components of h in on-disk order and returns the byte
// extent of every non-empty one. The first component starts at the page
// boundary after the header, and each following one at the page-aligned end
// of its predecessor. Offsets are relative to the start of the image passed to
// Parse, MTK prefix included; alignment is relative to the header itself.
//
// A component whose extent ends past imageSize is reported through the
// returned error as fwerr.ExtentOutOfBounds; every other extent is still
// returned so callers can extract what is intact.
func Extents(h Header, imageSize int64) ([]Extent, error) {
	var base int64
	if m, ok := h.(*MtkPrefixed); ok {
		base = MtkHeaderSize
		h = m.Inner
	}

	page := int64(h.PageSize())
	offset := Align(int64(h.HeaderSize()), page)

	var (
		extents []Extent
		errs    []error
	)
	for _, c := range h.Components() {
		size := int64(c.Size)
		if size > 0 {
			e := Extent{Kind: c.Kind, Offset: base + offset, Length: size}
			if e.End() > imageSize {
				errs = append(errs, fwerr.At(fwerr.ExtentOutOfBounds, string(c.Kind)+" extent", e.Offset, e.Length))
			} else {
				extents = append(extents, e)
			}
		}
		offset = Align(offset+size, page)
	}
	return extents, errors.Join(errs...)
}

// Lookup returns the extent of kind k, if present.
func Lookup(extents []Extent, k ComponentKind) (Extent, bool) {
	for _, e := range extents {
		if e.Kind == k {
			return e, true
		}
	}
	return Extent{}, false
}
