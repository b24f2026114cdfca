package dumper

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

// ArtifactKind classifies a produced file.
type ArtifactKind string

const (
	KindKernel        ArtifactKind = "kernel"
	KindRamdisk       ArtifactKind = "ramdisk"
	KindRamdiskTree   ArtifactKind = "ramdisk_tree"
	KindSecond        ArtifactKind = "second"
	KindDtb           ArtifactKind = "dtb"
	KindDtbo          ArtifactKind = "dtbo"
	KindBootComponent ArtifactKind = "boot_component"
	KindImgInfo       ArtifactKind = "img_info"
	KindPartition     ArtifactKind = "partition"
	KindPassthrough   ArtifactKind = "passthrough"
)

// Artifact is one file or directory produced from an input.
type Artifact struct {
	Path   string       `yaml:"path"`
	Source string       `yaml:"source"`
	Kind   ArtifactKind `yaml:"kind"`
}

// FileError is a failure attached to the input that caused it.
type FileError struct {
	Path    string `yaml:"path"`
	Kind    string `yaml:"kind,omitempty"`
	Fatal   bool   `yaml:"fatal"`
	Message string `yaml:"error"`

	Err error `yaml:"-"`
}

func (e FileError) Error() string { return e.Path + ": " + e.Message }

func (e FileError) Unwrap() error { return e.Err }

// Manifest lists everything a run produced and every error it met. It is
// returned even when the run fails, so a caller can retry only what failed.
type Manifest struct {
	Produced []Artifact  `yaml:"produced"`
	Errors   []FileError `yaml:"errors,omitempty"`

	mu sync.Mutex
}

func (m *Manifest) add(a Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Produced = append(m.Produced, a)
}

// fail records err against path. Joined errors are recorded one by one.
// A kind that corrupts the whole file is recorded as fatal even when the
// call site could carry on.
func (m *Manifest) fail(path string, err error, fatal bool) {
	if err == nil {
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			m.fail(path, e, fatal)
		}
		return
	}
	fe := FileError{Path: path, Fatal: fatal, Err: err, Message: err.Error()}
	if k, ok := fwerr.KindOf(err); ok {
		fe.Kind = k.String()
		fe.Fatal = fatal || k.Fatal()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, fe)
}

// Failed reports whether any recorded error is fatal.
func (m *Manifest) Failed() bool {
	for _, e := range m.Errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

func (m *Manifest) sort() {
	sort.SliceStable(m.Produced, func(i, j int) bool { return m.Produced[i].Path < m.Produced[j].Path })
	sort.SliceStable(m.Errors, func(i, j int) bool { return m.Errors[i].Path < m.Errors[j].Path })
}

// WriteFile writes the manifest as YAML to path through a temp file.
func (m *Manifest) WriteFile(path string) error {
	m.mu.Lock()
	data, err := yaml.Marshal(m)
	m.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "failed to encode manifest")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// ReadManifest loads a manifest written by WriteFile.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return &m, nil
}
