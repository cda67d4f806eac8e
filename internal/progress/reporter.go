package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/mdcore/internal/logging"
)

// ProgressUpdate is a JSON progress line for headless runs under a scheduler.
type ProgressUpdate struct {
	Timestamp     string   `json:"timestamp"`
	Phase         string   `json:"phase"` // starting, running, finished
	JobsComplete  int      `json:"jobs_complete"`
	JobsTotal     int      `json:"jobs_total"`
	JobsRunning   int      `json:"jobs_running"`
	JobsDeferred  int      `json:"jobs_deferred,omitempty"`
	RowsProcessed int64    `json:"rows_processed"`
	ProgressPct   float64  `json:"progress_pct"`
	CurrentJobs   []string `json:"current_jobs,omitempty"`
	ErrorCount    int      `json:"error_count,omitempty"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between updates (to avoid flooding).
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits a JSON progress update, dropping updates that arrive within
// the configured interval of the previous one.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.write(update, now)
}

// ReportImmediate emits a progress update immediately, bypassing throttling.
// Use for phase transitions.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.write(update, time.Now())
}

// write must be called with mu held.
func (r *JSONReporter) write(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.UTC().Format(time.RFC3339)
	}
	if update.JobsTotal > 0 {
		update.ProgressPct = float64(update.JobsComplete) / float64(update.JobsTotal) * 100
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update ProgressUpdate) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

// Close does nothing.
func (r *NullReporter) Close() {}
