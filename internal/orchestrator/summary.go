package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Summary counts job outcomes of one run.
type Summary struct {
	Completed int
	Skipped   int
	Deferred  int
	Failed    int
	Rows      int64
	Duration  time.Duration

	failures []error
	deferred []error
}

// Summarize tallies results.
func Summarize(results []*JobResult) Summary {
	var s Summary
	for _, r := range results {
		if r == nil {
			continue
		}
		s.Duration += r.Duration
		switch r.Status {
		case StatusCompleted:
			s.Completed++
			if r.Validation != nil {
				s.Rows += r.Validation.ValidRows
			}
		case StatusSkipped:
			s.Skipped++
		case StatusDeferred:
			s.Deferred++
			s.deferred = append(s.deferred, fmt.Errorf("job %s: %w", r.Job.Name, r.Err))
		case StatusFailed:
			s.Failed++
			s.failures = append(s.failures, fmt.Errorf("job %s: %w", r.Job.Name, r.Err))
		}
	}
	return s
}

// Err returns the failures of the run joined together, or the deferrals
// when nothing failed, so that the exit code reflects the worst outcome.
func (s Summary) Err() error {
	if len(s.failures) > 0 {
		return errors.Join(s.failures...)
	}
	return errors.Join(s.deferred...)
}
