// Package progress renders a live progress bar for one DOWNLOAD command
// (spec §8.3), built on the same third-party bar library used elsewhere
// in the example corpus for long-running CLI operations.
package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// Reporter drives one progressbar.ProgressBar per DOWNLOAD command,
// keyed by job ID, for the lifetime of that command.
type Reporter struct {
	bars map[string]*progressbar.ProgressBar
	out  io.Writer
}

// New returns a Reporter that renders to out.
func New(out io.Writer) *Reporter {
	return &Reporter{bars: make(map[string]*progressbar.ProgressBar), out: out}
}

// Update moves jobID's bar to done/total, creating it on first use.
func (r *Reporter) Update(jobID string, done, total int) {
	bar, ok := r.bars[jobID]
	if !ok {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetDescription(jobID),
			progressbar.OptionClearOnFinish(),
		)
		r.bars[jobID] = bar
	}
	bar.Set(done)
	if done >= total {
		bar.Finish()
		delete(r.bars, jobID)
	}
}
