package dumper

import (
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// bytesBar adds a byte-counting bar, or returns nil when progress is off.
func (d *Dumper) bytesBar(name string, total int64) *mpb.Bar {
	if d.progress == nil {
		return nil
	}
	return d.progress.AddBar(
		total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WCSyncSpaceR),
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
		),
	)
}
