package ramdisk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	lzo "github.com/rasky/go-lzo"
)

// lzop header flags
const (
	lzopAdler32D    = 0x0001
	lzopAdler32C    = 0x0002
	lzopExtraField  = 0x0040
	lzopCrc32D      = 0x0100
	lzopCrc32C      = 0x0200
	lzopFilter      = 0x0800
	lzopMaxBlock    = 64 << 20
	lzopNewHeaderAt = 0x0940
)

// lzopReader decodes an lzop container whose blocks are LZO1X compressed.
type lzopReader struct {
	r     *bufio.Reader
	flags uint32
	buf   []byte
	done  bool
}

func newLzopReader(r io.Reader) (*lzopReader, error) {
	lr := &lzopReader{r: bufio.NewReader(r)}
	if err := lr.readHeader(); err != nil {
		return nil, err
	}
	return lr, nil
}

func (lr *lzopReader) u8() (uint8, error) {
	return lr.r.ReadByte()
}

func (lr *lzopReader) u16() (uint16, error) {
	var v uint16
	err := binary.Read(lr.r, binary.BigEndian, &v)
	return v, err
}

func (lr *lzopReader) u32() (uint32, error) {
	var v uint32
	err := binary.Read(lr.r, binary.BigEndian, &v)
	return v, err
}

func (lr *lzopReader) skip(n int) error {
	_, err := lr.r.Discard(n)
	return err
}

func (lr *lzopReader) readHeader() error {
	magic := make([]byte, len(lzopMagic))
	if _, err := io.ReadFull(lr.r, magic); err != nil {
		return errors.Wrap(err, "lzop: failed to read magic")
	}
	if !bytes.Equal(magic, []byte(lzopMagic)) {
		return errors.New("lzop: bad magic")
	}

	version, err := lr.u16()
	if err != nil {
		return err
	}
	if err := lr.skip(2); err != nil { // lib version
		return err
	}
	if version >= lzopNewHeaderAt {
		if err := lr.skip(2); err != nil { // version needed
			return err
		}
	}
	method, err := lr.u8()
	if err != nil {
		return err
	}
	if method < 1 || method > 3 {
		return errors.Errorf("lzop: unsupported method %d", method)
	}
	if version >= lzopNewHeaderAt {
		if err := lr.skip(1); err != nil { // level
			return err
		}
	}
	if lr.flags, err = lr.u32(); err != nil {
		return err
	}
	if lr.flags&lzopFilter != 0 {
		return errors.New("lzop: filtered streams are not supported")
	}
	// mode, mtime low
	if err := lr.skip(8); err != nil {
		return err
	}
	if version >= lzopNewHeaderAt {
		if err := lr.skip(4); err != nil { // mtime high
			return err
		}
	}
	nameLen, err := lr.u8()
	if err != nil {
		return err
	}
	// name, header checksum
	if err := lr.skip(int(nameLen) + 4); err != nil {
		return err
	}
	if lr.flags&lzopExtraField != 0 {
		n, err := lr.u32()
		if err != nil {
			return err
		}
		if err := lr.skip(int(n) + 4); err != nil {
			return err
		}
	}
	return nil
}

func (lr *lzopReader) nextBlock() error {
	dstLen, err := lr.u32()
	if err != nil {
		return errors.Wrap(err, "lzop: failed to read block header")
	}
	if dstLen == 0 {
		lr.done = true
		return nil
	}
	srcLen, err := lr.u32()
	if err != nil {
		return err
	}
	if dstLen > lzopMaxBlock || srcLen > dstLen {
		return errors.Errorf("lzop: bad block lengths (src %d, dst %d)", srcLen, dstLen)
	}

	checksums := 0
	if lr.flags&lzopAdler32D != 0 {
		checksums++
	}
	if lr.flags&lzopCrc32D != 0 {
		checksums++
	}
	if srcLen < dstLen {
		if lr.flags&lzopAdler32C != 0 {
			checksums++
		}
		if lr.flags&lzopCrc32C != 0 {
			checksums++
		}
	}
	if err := lr.skip(4 * checksums); err != nil {
		return err
	}

	block := make([]byte, srcLen)
	if _, err := io.ReadFull(lr.r, block); err != nil {
		return errors.Wrap(err, "lzop: short block")
	}
	if srcLen == dstLen {
		lr.buf = block
		return nil
	}
	out, err := lzo.Decompress1X(bytes.NewReader(block), int(srcLen), int(dstLen))
	if err != nil {
		return errors.Wrap(err, "lzop: block decompression failed")
	}
	if len(out) != int(dstLen) {
		return errors.Errorf("lzop: block decompressed to %d bytes, want %d", len(out), dstLen)
	}
	lr.buf = out
	return nil
}

func (lr *lzopReader) Read(p []byte) (int, error) {
	for len(lr.buf) == 0 {
		if lr.done {
			return 0, io.EOF
		}
		if err := lr.nextBlock(); err != nil {
			return 0, err
		}
	}
	n := copy(p, lr.buf)
	lr.buf = lr.buf[n:]
	return n, nil
}
