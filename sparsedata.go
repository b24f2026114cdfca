package dumper

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/ssut/firmware-dumper-go/sdat"
)

const (
	newDatSuffix       = ".new.dat"
	transferListSuffix = ".transfer.list"
	xzMagic            = "\xfd7zXZ\x00"
)

// transferListFor returns the transfer list paired with a sparse data file:
// <base>.new.dat, <base>.new.dat.br and <base>.new.dat.xz all pair with
// <base>.transfer.list in the same directory.
func transferListFor(path string) (string, bool) {
	dir, name := filepath.Split(path)
	for _, s := range stemSuffixes {
		if strings.HasSuffix(name, s) && len(name) > len(s) {
			return filepath.Join(dir, strings.TrimSuffix(name, s)+transferListSuffix), true
		}
	}
	return "", false
}

// openTransferData wraps the data file in its decoder: xz by magic, brotli
// by name since brotli streams carry no signature.
func openTransferData(path string, f io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(f, 1<<20)
	head, _ := br.Peek(len(xzMagic))
	switch {
	case bytes.Equal(head, []byte(xzMagic)):
		r, err := xz.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open xz stream")
		}
		return r, nil
	case strings.HasSuffix(path, newDatSuffix+".br"):
		return brotli.NewReader(br), nil
	}
	return br, nil
}

func (t *task) dumpSparseData() error {
	listPath, _ := transferListFor(t.src)
	lf, err := os.Open(listPath)
	if err != nil {
		return err
	}
	tl, err := sdat.Parse(lf)
	lf.Close()
	if err != nil {
		return errors.Wrap(err, filepath.Base(listPath))
	}

	df, err := os.Open(t.src)
	if err != nil {
		return err
	}
	defer df.Close()
	src, err := openTransferData(t.src, df)
	if err != nil {
		return err
	}

	name := stem(t.src) + ".img"
	path := filepath.Join(t.dir, name)
	out, err := createAtomic(path)
	if err != nil {
		return err
	}
	defer out.Abort()

	src = ctxReader{ctx: t.ctx, r: src}
	if bar := t.d.bytesBar(name, int64(tl.NewBlocks())*sdat.BlockSize); bar != nil {
		src = bar.ProxyReader(src)
		defer bar.SetTotal(0, true)
	}
	if err := sdat.Reconstruct(tl, src, out, tl.TotalBlocks); err != nil {
		return err
	}
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if err := out.Commit(); err != nil {
		return err
	}
	log.WithFields(log.Fields{"file": t.src, "image": path}).Info("Reconstructed sparse data")
	t.produced(path, KindPartition)
	return nil
}
