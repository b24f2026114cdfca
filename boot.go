package dumper

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/ssut/firmware-dumper-go/bootimg"
	"github.com/ssut/firmware-dumper-go/fwerr"
	"github.com/ssut/firmware-dumper-go/ramdisk"
)

const (
	packedRamdiskName = "ramdisk.packed"
	ramdiskDirName    = "ramdisk"
	vendorRamdiskDir  = "vendor_ramdisk"
	imgInfoName       = "img_info"
)

// componentFile names the output of a boot component.
func componentFile(h bootimg.Header, k bootimg.ComponentKind) (string, ArtifactKind) {
	switch k {
	case bootimg.Kernel:
		return "kernel", KindKernel
	case bootimg.Ramdisk:
		return packedRamdiskName, KindRamdisk
	case bootimg.Second:
		return "second", KindSecond
	case bootimg.RecoveryDtbo:
		return "dtbo", KindDtbo
	case bootimg.Dtb:
		// only pre-versioning QCOM headers carry a dt.img
		if h.HeaderVersion() == 0 {
			return "dt.img", KindDtb
		}
		return "dtb", KindDtb
	}
	return string(k), KindBootComponent
}

func (t *task) dumpBoot() error {
	f, err := os.Open(t.src)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return errors.Wrap(err, "failed to map input")
	}
	defer data.Unmap()

	off, h, err := bootimg.Find(data)
	if err != nil {
		return err
	}
	img := []byte(data[off:])
	log.WithFields(log.Fields{
		"file":    t.src,
		"magic":   h.Magic(),
		"version": h.HeaderVersion(),
		"page":    h.PageSize(),
		"offset":  off,
	}).Info("Found boot header")

	// out-of-bounds components are lost, the rest are still extracted
	extents, err := bootimg.Extents(h, int64(len(img)))
	t.warn(err)

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	info := bootimg.Info{ContainerOffset: int64(off), Header: h, Extents: extents}

	var fatal []error
	for _, e := range extents {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		name, kind := componentFile(h, e.Kind)
		path := filepath.Join(t.dir, name)
		if err := writeFileAtomic(path, e.Slice(img)); err != nil {
			return errors.Wrapf(err, "failed to write %s", name)
		}
		t.produced(path, kind)
		log.WithFields(log.Fields{
			"component": name,
			"offset":    fmt.Sprintf("%#x", e.Offset),
			"size":      humanize.IBytes(uint64(e.Length)),
		}).Debug("Extracted")
	}

	if vb, ok := h.(*bootimg.VendorBootV4); ok && vb.Raw.VendorRamdiskTableEntryNum > 0 {
		extra, err := t.unpackVendorRamdisks(vb, img, extents)
		info.Extra = append(info.Extra, extra...)
		if err != nil {
			fatal = append(fatal, err)
		}
	} else if e, ok := bootimg.Lookup(extents, bootimg.Ramdisk); ok {
		extra, err := t.unpackRamdisk(e.Slice(img), filepath.Join(t.dir, ramdiskDirName), "ramdisk")
		info.Extra = append(info.Extra, extra...)
		if err != nil {
			fatal = append(fatal, err)
		}
	}

	var buf bytes.Buffer
	if err := bootimg.WriteInfo(&buf, info); err != nil {
		return err
	}
	infoPath := filepath.Join(t.dir, imgInfoName)
	if err := writeFileAtomic(infoPath, buf.Bytes()); err != nil {
		return err
	}
	t.produced(infoPath, KindImgInfo)
	return stderrors.Join(fatal...)
}

func (t *task) unpackVendorRamdisks(h *bootimg.VendorBootV4, img []byte, extents []bootimg.Extent) ([]bootimg.Field, error) {
	ramdisks, err := bootimg.VendorRamdisks(h, img, extents)
	if err != nil {
		if !fwerr.Is(err, fwerr.ExtentOutOfBounds) {
			return nil, err
		}
		t.warn(err)
	}
	root := filepath.Join(t.dir, vendorRamdiskDir)
	var (
		extra []bootimg.Field
		errs  []error
	)
	for _, vr := range ramdisks {
		dir, err := securejoin.SecureJoin(root, vr.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fields, err := t.unpackRamdisk(vr.Extent.Slice(img), dir, "vendor_ramdisk_"+vr.Name)
		extra = append(extra, fields...)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "vendor ramdisk %s", vr.Name))
		}
	}
	return extra, stderrors.Join(errs...)
}

// unpackRamdisk strips an MTK prefix if present and replays the ramdisk into
// dir. The detected codec is tried first, then every other codec, then the
// blob as a bare archive; the tree is built in a temp directory and renamed
// into place once a candidate succeeds.
func (t *task) unpackRamdisk(data []byte, dir, label string) ([]bootimg.Field, error) {
	var extra []bootimg.Field
	if prefix, rest, ok := bootimg.SplitMtk(data); ok {
		extra = append(extra,
			bootimg.Field{Name: label + "_mtk_name", Value: cstring(prefix.Name[:])},
			bootimg.Field{Name: label + "_mtk_size", Value: prefix.Size},
		)
		data = rest
	}

	detected := ramdisk.Detect(data)
	tmp := dir + tmpSuffix
	var errs []error
	for _, f := range ramdisk.Candidates(detected) {
		if err := t.ctx.Err(); err != nil {
			os.RemoveAll(tmp)
			return extra, err
		}
		os.RemoveAll(tmp)
		tree, err := ramdisk.UnpackWith(data, f, tmp)
		if err != nil {
			log.WithError(err).WithField("format", f).Debug("Ramdisk candidate failed")
			errs = append(errs, errors.Wrapf(err, "as %s", f))
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return extra, err
		}
		if err := os.Rename(tmp, dir); err != nil {
			os.RemoveAll(tmp)
			return extra, err
		}
		if f != detected {
			log.WithFields(log.Fields{"detected": detected, "used": f}).Warn("Ramdisk codec differs from its signature")
		}
		log.WithFields(log.Fields{
			"format":  f,
			"entries": len(tree.Entries),
			"skipped": len(tree.Skipped),
		}).Info("Unpacked " + label)
		t.produced(dir, KindRamdiskTree)
		return append(extra, bootimg.Field{Name: label + "_format", Value: f.String()}), nil
	}
	os.RemoveAll(tmp)
	return extra, &fwerr.FormatError{
		Kind:      fwerr.ArchiveCorrupt,
		Component: label,
		Length:    int64(len(data)),
		Err:       stderrors.Join(errs...),
	}
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
