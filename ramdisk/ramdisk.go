// Package ramdisk detects the compression of a boot image ramdisk and
// replays the cpio archive inside it into a directory tree.
package ramdisk

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

// decodeErrReader remembers the first error produced by the decoder so a
// failed replay can tell a codec failure from a corrupt archive.
type decodeErrReader struct {
	r   io.Reader
	err error
}

func (d *decodeErrReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF && d.err == nil {
		d.err = err
	}
	return n, err
}

// Unpack detects the format of data and extracts it into dir.
func Unpack(data []byte, dir string) (Format, *Tree, error) {
	f := Detect(data)
	tree, err := UnpackWith(data, f, dir)
	return f, tree, err
}

// UnpackWith decompresses data as format f and replays the result into dir.
// A decoder failure is returned as is; a stream that decodes but does not
// replay is reported as fwerr.ArchiveCorrupt. Trying another format is left
// to the caller.
func UnpackWith(data []byte, f Format, dir string) (*Tree, error) {
	rc, err := NewReader(f, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dr := &decodeErrReader{r: rc}
	tree, err := Replay(dr, dir)
	if err == nil {
		return tree, nil
	}
	if dr.err != nil {
		return tree, errors.Wrapf(dr.err, "%s decode failed", f)
	}
	return tree, &fwerr.FormatError{Kind: fwerr.ArchiveCorrupt, Component: "ramdisk archive", Err: err}
}
