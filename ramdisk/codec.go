package ramdisk

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz/lzma"
	xzbcj "github.com/xi2/xz"
)

// Format is a ramdisk compression format, identified by magic bytes only.
type Format int

const (
	Uncompressed Format = iota
	Gzip
	Xz
	Lzma
	Bzip2
	Lz4
	Zstd
	Lzo
)

func (f Format) String() string {
	switch f {
	case Gzip:
		return "gzip"
	case Xz:
		return "xz"
	case Lzma:
		return "lzma"
	case Bzip2:
		return "bzip2"
	case Lz4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Lzo:
		return "lzo"
	}
	return "uncompressed"
}

// SniffLen is how many leading bytes Detect looks at.
const SniffLen = 16

const (
	gzipMagic      = "\x1f\x8b"
	gzipAltMagic   = "\x1f\x9e"
	xzMagic        = "\xfd7zXZ\x00"
	lzmaMagic      = "\x5d\x00\x00"
	bzip2Magic     = "BZh"
	lz4FrameMagic  = "\x04\x22\x4d\x18"
	lz4LegacyMagic = "\x02\x21\x4c\x18"
	zstdMagic      = "\x28\xb5\x2f\xfd"
	lzopMagic      = "\x89LZO\x00\r\n\x1a\n"
)

// codec pairs a signature predicate with a streaming decoder.
type codec struct {
	format Format
	match  func(head []byte) bool
	open   func(r io.Reader) (io.ReadCloser, error)
}

// codecs is evaluated in order; the first matching signature wins.
var codecs = []codec{
	{Gzip, hasPrefix(gzipMagic, gzipAltMagic), openGzip},
	{Xz, hasPrefix(xzMagic), openXz},
	{Lzma, matchLzma, openLzma},
	{Bzip2, hasPrefix(bzip2Magic), openBzip2},
	{Lz4, hasPrefix(lz4FrameMagic, lz4LegacyMagic), openLz4},
	{Zstd, hasPrefix(zstdMagic), openZstd},
	{Lzo, hasPrefix(lzopMagic), openLzop},
}

// Priority is the order in which signatures are tried.
var Priority = func() []Format {
	p := make([]Format, len(codecs))
	for i, c := range codecs {
		p[i] = c.format
	}
	return p
}()

func hasPrefix(magics ...string) func([]byte) bool {
	return func(head []byte) bool {
		for _, m := range magics {
			if bytes.HasPrefix(head, []byte(m)) {
				return true
			}
		}
		return false
	}
}

// matchLzma accepts the legacy .lzma header with the default properties byte.
// The size field is not inspected; openLzma rejects headers it cannot decode.
func matchLzma(head []byte) bool {
	return bytes.HasPrefix(head, []byte(lzmaMagic))
}

// Detect classifies data by its first SniffLen bytes, falling back to
// Uncompressed when no signature matches.
func Detect(data []byte) Format {
	head := data
	if len(head) > SniffLen {
		head = head[:SniffLen]
	}
	for _, c := range codecs {
		if c.match(head) {
			return c.format
		}
	}
	return Uncompressed
}

// Candidates returns the formats to try for a blob detected as first: first
// itself, the remaining compressed formats in priority order, then Uncompressed.
func Candidates(first Format) []Format {
	out := []Format{first}
	for _, f := range Priority {
		if f != first {
			out = append(out, f)
		}
	}
	if first != Uncompressed {
		out = append(out, Uncompressed)
	}
	return out
}

// NewReader wraps r in the decoder for format f. Uncompressed returns r as is.
func NewReader(f Format, r io.Reader) (io.ReadCloser, error) {
	if f == Uncompressed {
		return io.NopCloser(r), nil
	}
	for _, c := range codecs {
		if c.format == f {
			rc, err := c.open(r)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to open %s stream", f)
			}
			return rc, nil
		}
	}
	return nil, errors.Errorf("unknown compression format %d", int(f))
}

func openGzip(r io.Reader) (io.ReadCloser, error) {
	return pgzip.NewReader(r)
}

// xi2/xz understands the BCJ filters some kernels build their initramfs with.
func openXz(r io.Reader) (io.ReadCloser, error) {
	zr, err := xzbcj.NewReader(r, 0)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(zr), nil
}

// maxLzmaDict bounds the dictionary an lzma header may ask for. Every preset
// stays below it; non-lzma blobs tried as a fallback often do not.
const maxLzmaDict = 1 << 26

func openLzma(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(5)
	if err != nil {
		return nil, err
	}
	if hdr[0] >= 9*5*5 {
		return nil, errors.Errorf("invalid lzma properties %#x", hdr[0])
	}
	if dict := binary.LittleEndian.Uint32(hdr[1:]); dict > maxLzmaDict {
		return nil, errors.Errorf("lzma dictionary size %d out of range", dict)
	}
	zr, err := lzma.NewReader(br)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(zr), nil
}

func openBzip2(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(bzip2.NewReader(r)), nil
}

func openLz4(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func openZstd(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

func openLzop(r io.Reader) (io.ReadCloser, error) {
	lr, err := newLzopReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(lr), nil
}
