package main

import (
	"github.com/schollz/progressbar/v3"
)

// progress wraps the terminal progress bar, tolerating unknown totals.
type progress struct {
	bar   *progressbar.ProgressBar
	total int64
}

func newProgressBar(label string) *progress {
	return &progress{
		bar: progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription(label),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (p *progress) update(done, total int64) {
	if total > 0 && total != p.total {
		p.total = total
		p.bar.ChangeMax64(total)
	}
	p.bar.Set64(done)
}

func (p *progress) finish() {
	p.bar.Finish()
}
