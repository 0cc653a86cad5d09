// Package progress renders a live row counter for a sync run.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker tracks delivered rows across all tables in a run.
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	startTime time.Time
}

// New creates a tracker. Call SetTotal before Add for a bounded bar.
func New() *Tracker {
	return &Tracker{startTime: time.Now()}
}

// SetTotal sets the expected total row count for the run.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Extracting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add increments the delivered-row counter.
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Current returns the delivered-row count so far.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish completes the bar and prints a throughput summary.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()

	fmt.Println()
	fmt.Printf("Delivered %d rows in %s (%.0f rows/sec)\n",
		t.current.Load(), elapsed.Round(time.Second), rowsPerSec)
}
