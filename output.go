package dumper

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const tmpSuffix = ".tmp"

// atomicFile is an output written under a temporary name and renamed into
// place only by Commit, so an interrupted task never leaves a half-written
// file at its final path.
type atomicFile struct {
	*os.File
	path string
	done bool
}

func createAtomic(path string) (*atomicFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path+tmpSuffix, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &atomicFile{File: f, path: path}, nil
}

func (f *atomicFile) Commit() error {
	if f.done {
		return nil
	}
	f.done = true
	if err := f.File.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), f.path)
}

// Abort discards the temp file. It is a no-op after Commit.
func (f *atomicFile) Abort() {
	if f.done {
		return
	}
	f.done = true
	f.File.Close()
	os.Remove(f.Name())
}

func writeFileAtomic(path string, data []byte) error {
	f, err := createAtomic(path)
	if err != nil {
		return err
	}
	defer f.Abort()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Commit()
}

func copyFileAtomic(path string, r io.Reader) (int64, error) {
	f, err := createAtomic(path)
	if err != nil {
		return 0, err
	}
	defer f.Abort()
	n, err := io.Copy(f, r)
	if err != nil {
		return n, err
	}
	return n, f.Commit()
}

// ctxReader fails reads once ctx is done, so long copies stop on cancel.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// multi-part suffixes stripped before the plain extension
var stemSuffixes = []string{".new.dat.br", ".new.dat.xz", ".new.dat"}

// stem names the output directory of an input file.
func stem(path string) string {
	base := filepath.Base(path)
	for _, s := range stemSuffixes {
		if strings.HasSuffix(base, s) && len(base) > len(s) {
			return strings.TrimSuffix(base, s)
		}
	}
	if ext := filepath.Ext(base); ext != "" && len(ext) < len(base) {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

// uniqueStems assigns every input a distinct output directory name, in
// input order: a repeated stem gets a numeric suffix.
func uniqueStems(inputs []string) []string {
	seen := map[string]int{}
	out := make([]string, len(inputs))
	for i, in := range inputs {
		s := stem(in)
		n := seen[s]
		seen[s] = n + 1
		if n > 0 {
			s = fmt.Sprintf("%s-%d", s, n+1)
			for seen[s] > 0 {
				n++
				s = fmt.Sprintf("%s-%d", stem(in), n+1)
			}
			seen[s] = 1
		}
		out[i] = s
	}
	return out
}
