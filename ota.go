package dumper

import (
	"os"

	"github.com/apex/log"

	"github.com/ssut/firmware-dumper-go/payload"
)

func (t *task) dumpPayloadZip() error {
	if err := os.MkdirAll(t.scratch, 0o755); err != nil {
		return err
	}
	log.WithField("file", t.src).Info("Extracting payload.bin from zip")
	bin, err := payload.ExtractPayloadBin(t.src, t.scratch, stem(t.src))
	if err != nil {
		return err
	}
	defer os.Remove(bin)
	return t.dumpPayload(bin)
}

func (t *task) dumpPayload(path string) error {
	p := payload.NewPayload(path)
	if err := p.Open(); err != nil {
		return err
	}
	defer p.Close()
	if err := p.Init(); err != nil {
		return err
	}
	p.SetConcurrency(t.d.conf.Concurrency)
	p.SetVerify(!t.d.conf.SkipVerify)
	p.SetProgress(t.d.progress)
	log.WithFields(log.Fields{
		"file":       path,
		"partitions": len(p.Manifest.Partitions),
		"workers":    p.GetConcurrency(),
	}).Info("Extracting payload")

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	results, err := p.ExtractSelected(t.ctx, t.dir, t.d.conf.Partitions)
	for _, r := range results {
		if r.Err != nil {
			// delta operations and checksum failures only cost their partition;
			// a malformed operation still fails the run
			t.warn(r.Err)
			continue
		}
		t.produced(r.Path, KindPartition)
	}
	return err
}
