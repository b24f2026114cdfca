package ramdisk

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/cavaliergopher/cpio"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pkg/errors"
)

// Entry is one file written by Replay.
type Entry struct {
	Name     string
	Mode     cpio.FileMode
	Size     int64
	Linkname string
}

// Tree is the directory produced from a ramdisk archive.
type Tree struct {
	Root    string
	Entries []Entry
	// Skipped lists device nodes, fifos and sockets that were not materialised.
	Skipped []string
}

// Replay reads a newc cpio stream from r and recreates it under dir. Entry
// names are confined to dir; parent directories are created on demand.
func Replay(r io.Reader, dir string) (*Tree, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tree := &Tree{Root: dir}
	cr := cpio.NewReader(r)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return tree, errors.Wrap(err, "failed to read cpio header")
		}

		name := strings.TrimPrefix(filepath.Clean("/"+hdr.Name), "/")
		if name == "" {
			continue
		}
		path, err := securejoin.SecureJoin(dir, name)
		if err != nil {
			return tree, errors.Wrapf(err, "cpio entry %q escapes the output root", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return tree, err
		}

		entry := Entry{Name: name, Mode: hdr.Mode, Size: hdr.Size}
		switch hdr.Mode & cpio.ModeType {
		case cpio.TypeDir:
			if err := os.MkdirAll(path, dirPerm(hdr.Mode)); err != nil {
				return tree, err
			}
		case cpio.TypeReg:
			if err := writeFile(path, cr, hdr); err != nil {
				return tree, errors.Wrapf(err, "failed to extract %s", name)
			}
		case cpio.TypeSymlink:
			target := hdr.Linkname
			if target == "" {
				b, err := io.ReadAll(io.LimitReader(cr, hdr.Size))
				if err != nil {
					return tree, errors.Wrapf(err, "failed to read link target of %s", name)
				}
				target = string(b)
			}
			os.Remove(path)
			if err := os.Symlink(target, path); err != nil {
				return tree, err
			}
			entry.Linkname = target
		default:
			log.WithFields(log.Fields{"name": name, "mode": hdr.Mode}).Warn("skipping special file")
			tree.Skipped = append(tree.Skipped, name)
			continue
		}
		tree.Entries = append(tree.Entries, entry)
	}
	return tree, nil
}

func writeFile(path string, r io.Reader, hdr *cpio.Header) error {
	f, err := os.OpenFile(path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, filePerm(hdr.Mode))
	if err != nil {
		return err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n != hdr.Size {
		return errors.Errorf("short entry: %d != %d", n, hdr.Size)
	}
	return nil
}

// Extracted files stay owner writable so the tree can be cleaned up again.
func filePerm(m cpio.FileMode) os.FileMode {
	return os.FileMode(m.Perm()) | 0o600
}

func dirPerm(m cpio.FileMode) os.FileMode {
	return os.FileMode(m.Perm()) | 0o700
}
