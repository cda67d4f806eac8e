package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johndauphine/mdcore/internal/logging"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Tracker counts processed rows across concurrent jobs and renders a bar
// when attached to a terminal.
type Tracker struct {
	out       io.Writer
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	startTime time.Time

	// Track active jobs for accurate display
	mu         sync.Mutex
	activeJobs map[string]int // job name -> active count
}

// New creates a tracker that draws on stdout only when stdout is a terminal.
func New() *Tracker {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return NewWithWriter(nil)
	}
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a tracker drawing on out. A nil writer counts rows
// without rendering.
func NewWithWriter(out io.Writer) *Tracker {
	return &Tracker{
		out:        out,
		startTime:  time.Now(),
		activeJobs: make(map[string]int),
	}
}

// SetTotal sets the expected number of rows. A negative total renders a spinner.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	if t.out == nil {
		return
	}
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionShowBytes(false),
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

// Add increments the progress counter
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Counter returns a callback that accepts a cumulative row count, as the
// validator reports it, and adds the difference since its last call. Each
// job needs its own counter.
func (t *Tracker) Counter() func(rowsDone int64) {
	var last int64
	return func(rowsDone int64) {
		if d := rowsDone - last; d > 0 {
			t.Add(d)
		}
		last = rowsDone
	}
}

// StartJob marks a job as active
func (t *Tracker) StartJob(name string) {
	t.mu.Lock()
	t.activeJobs[name]++
	n := len(t.activeJobs)
	t.mu.Unlock()

	if t.bar != nil {
		if n == 1 {
			t.bar.Describe(fmt.Sprintf("Processing %s", name))
		} else {
			t.bar.Describe(fmt.Sprintf("Processing (%d jobs)", n))
		}
	}
}

// EndJob marks a job as done
func (t *Tracker) EndJob(name string) {
	t.mu.Lock()
	t.activeJobs[name]--
	if t.activeJobs[name] <= 0 {
		delete(t.activeJobs, name)
	}
	n := len(t.activeJobs)
	var remaining string
	for name := range t.activeJobs {
		remaining = name
		break
	}
	t.mu.Unlock()

	if t.bar != nil && n > 0 {
		if n == 1 {
			t.bar.Describe(fmt.Sprintf("Processing %s", remaining))
		} else {
			t.bar.Describe(fmt.Sprintf("Processing (%d jobs)", n))
		}
	}
}

// Active returns the names of jobs currently running.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.activeJobs))
	for name := range t.activeJobs {
		names = append(names, name)
	}
	return names
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Fprintln(t.out)
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()

	logging.Info("Processed %d rows in %s (%.0f rows/sec)",
		t.current.Load(), elapsed.Round(time.Millisecond), rowsPerSec)
}
