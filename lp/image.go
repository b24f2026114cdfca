package lp

import (
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/ssut/firmware-dumper-go/sparse"
)

// Image is a super image opened for splitting. A sparse input is expanded
// into a scratch file first.
type Image struct {
	file    *os.File
	size    int64
	scratch string
	// Sparse is true when the input was normalised from sparse form.
	Sparse bool
}

// Open opens the super image at path. When the file starts with the sparse
// magic it is expanded into scratchDir; if expansion fails the original file
// is used as is, since some producers emit raw images that merely look sparse.
func Open(path, scratchDir string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	head := make([]byte, 4)
	if _, err := f.ReadAt(head, 0); err == nil && sparse.IsSparse(head) {
		im, err := unsparseTo(f, scratchDir)
		if err == nil {
			f.Close()
			return im, nil
		}
		log.WithError(err).WithField("file", path).Warn("sparse normalisation failed, treating image as raw")
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Image{file: f, size: fi.Size()}, nil
}

func unsparseTo(f *os.File, scratchDir string) (*Image, error) {
	tmp, err := os.CreateTemp(scratchDir, filepath.Base(f.Name())+".raw-*")
	if err != nil {
		return nil, err
	}
	size, err := sparse.Unsparse(io.NewSectionReader(f, 0, 1<<62), tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, errors.Wrap(err, "failed to unsparse super image")
	}
	return &Image{file: tmp, size: size, scratch: tmp.Name(), Sparse: true}, nil
}

func (im *Image) ReadAt(p []byte, off int64) (int, error) { return im.file.ReadAt(p, off) }

// Size returns the size of the raw image.
func (im *Image) Size() int64 { return im.size }

// Close closes the image and removes any scratch file.
func (im *Image) Close() error {
	err := im.file.Close()
	if im.scratch != "" {
		if rerr := os.Remove(im.scratch); err == nil {
			err = rerr
		}
	}
	return err
}
