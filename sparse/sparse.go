// Package sparse converts Android sparse images (simg) to raw images.
package sparse

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

const (
	Magic = 0xed26ff3a

	FileHeaderSize  = 28
	ChunkHeaderSize = 12

	ChunkRaw      = 0xcac1
	ChunkFill     = 0xcac2
	ChunkDontCare = 0xcac3
	ChunkCrc32    = 0xcac4
)

// FileHeader is the sparse image header as stored on disk.
type FileHeader struct {
	Magic           uint32
	MajorVersion    uint16
	MinorVersion    uint16
	FileHeaderSize  uint16
	ChunkHeaderSize uint16
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	Checksum        uint32
}

// Size returns the size of the raw image described by h.
func (h *FileHeader) Size() int64 {
	return int64(h.TotalBlocks) * int64(h.BlockSize)
}

// ChunkHeader precedes every chunk.
type ChunkHeader struct {
	Type      uint16
	Reserved  uint16
	ChunkSize uint32 // in blocks of the output image
	TotalSize uint32 // in bytes of the sparse file, header included
}

// Output is where a raw image is written.
type Output interface {
	io.WriteSeeker
	Truncate(size int64) error
}

// IsSparse reports whether head starts with the sparse magic.
func IsSparse(head []byte) bool {
	return len(head) >= 4 && binary.LittleEndian.Uint32(head) == Magic
}

// ReadHeader reads and validates a sparse file header, consuming any extra
// header bytes a newer producer may have appended.
func ReadHeader(r io.Reader) (*FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, &fwerr.FormatError{Kind: fwerr.Truncated, Component: "sparse header", Length: FileHeaderSize, Err: err}
	}
	if h.Magic != Magic {
		return nil, fwerr.New(fwerr.UnrecognizedContainer, "sparse header", "bad magic %#08x", h.Magic)
	}
	if h.MajorVersion != 1 {
		return nil, fwerr.New(fwerr.InvalidHeader, "sparse header", "unsupported major version %d", h.MajorVersion)
	}
	if h.FileHeaderSize < FileHeaderSize || h.ChunkHeaderSize < ChunkHeaderSize {
		return nil, fwerr.New(fwerr.InvalidHeader, "sparse header",
			"header sizes %d/%d too small", h.FileHeaderSize, h.ChunkHeaderSize)
	}
	if h.BlockSize == 0 || h.BlockSize%4 != 0 {
		return nil, fwerr.New(fwerr.InvalidHeader, "sparse header", "block size %d", h.BlockSize)
	}
	if _, err := io.CopyN(io.Discard, r, int64(h.FileHeaderSize-FileHeaderSize)); err != nil {
		return nil, errors.Wrap(err, "failed to skip extended sparse header")
	}
	return &h, nil
}

// Unsparse expands the sparse image read from r into out and returns the raw
// image size. Don't-care chunks are skipped with a seek, so out should be a
// fresh file for them to read back as zeros.
func Unsparse(r io.Reader, out Output) (int64, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	h, err := ReadHeader(br)
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{
		"blocks": h.TotalBlocks,
		"chunks": h.TotalChunks,
		"size":   humanize.IBytes(uint64(h.Size())),
	}).Debug("Unsparsing image")

	var block int64
	blockSize := int64(h.BlockSize)
	for i := uint32(0); i < h.TotalChunks; i++ {
		var ch ChunkHeader
		if err := binary.Read(br, binary.LittleEndian, &ch); err != nil {
			return 0, &fwerr.FormatError{Kind: fwerr.Truncated, Component: "sparse chunk header", Err: errors.Wrapf(err, "chunk %d", i)}
		}
		if _, err := io.CopyN(io.Discard, br, int64(h.ChunkHeaderSize-ChunkHeaderSize)); err != nil {
			return 0, err
		}
		if block+int64(ch.ChunkSize) > int64(h.TotalBlocks) {
			return 0, fwerr.At(fwerr.ExtentOutOfBounds, "sparse chunk", block*blockSize, int64(ch.ChunkSize)*blockSize)
		}
		dataSize := int64(ch.TotalSize) - int64(h.ChunkHeaderSize)

		if _, err := out.Seek(block*blockSize, io.SeekStart); err != nil {
			return 0, err
		}
		switch ch.Type {
		case ChunkRaw:
			want := int64(ch.ChunkSize) * blockSize
			if dataSize != want {
				return 0, fwerr.New(fwerr.InvalidHeader, "sparse raw chunk", "chunk %d carries %d bytes, want %d", i, dataSize, want)
			}
			if n, err := io.CopyN(out, br, want); err != nil {
				return 0, &fwerr.FormatError{Kind: fwerr.Truncated, Component: "sparse raw chunk", Offset: block * blockSize, Length: want,
					Err: errors.Errorf("copied %d bytes: %v", n, err)}
			}
		case ChunkFill:
			if dataSize != 4 {
				return 0, fwerr.New(fwerr.InvalidHeader, "sparse fill chunk", "chunk %d fill value is %d bytes", i, dataSize)
			}
			var pattern [4]byte
			if _, err := io.ReadFull(br, pattern[:]); err != nil {
				return 0, &fwerr.FormatError{Kind: fwerr.Truncated, Component: "sparse fill chunk", Offset: block * blockSize, Length: 4, Err: err}
			}
			if err := fill(out, pattern, int64(ch.ChunkSize)*blockSize); err != nil {
				return 0, err
			}
		case ChunkDontCare:
			if dataSize != 0 {
				return 0, fwerr.New(fwerr.InvalidHeader, "sparse chunk", "don't care chunk %d carries data", i)
			}
		case ChunkCrc32:
			if _, err := io.CopyN(io.Discard, br, dataSize); err != nil {
				return 0, err
			}
		default:
			return 0, fwerr.New(fwerr.InvalidHeader, "sparse chunk", "unknown chunk type %#04x", ch.Type)
		}
		block += int64(ch.ChunkSize)
	}

	if err := out.Truncate(h.Size()); err != nil {
		return 0, err
	}
	return h.Size(), nil
}

func fill(w io.Writer, pattern [4]byte, n int64) error {
	buf := bytes.Repeat(pattern[:], 1024)
	for n > 0 {
		chunk := int64(len(buf))
		if n < chunk {
			chunk = n
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
