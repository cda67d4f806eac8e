// Package orchestrator runs ingestion jobs end to end: fetch through the
// source's circuit breaker, validate into a clean artifact, record the
// completion marker and load the artifact into the warehouse.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/mdcore/internal/breaker"
	"github.com/johndauphine/mdcore/internal/config"
	"github.com/johndauphine/mdcore/internal/dataset"
	"github.com/johndauphine/mdcore/internal/exitcodes"
	"github.com/johndauphine/mdcore/internal/idempotency"
	"github.com/johndauphine/mdcore/internal/logging"
	"github.com/johndauphine/mdcore/internal/metrics"
	"github.com/johndauphine/mdcore/internal/notify"
	"github.com/johndauphine/mdcore/internal/progress"
	"github.com/johndauphine/mdcore/internal/validation"
	"github.com/johndauphine/mdcore/internal/warehouse"
)

// Job is one ingestion task.
type Job struct {
	Name         string
	Source       string
	Input        string
	Output       string
	TaskKey      string
	Schema       string
	Table        string
	PartitionKey string
}

// JobFromConfig converts a configured job.
func JobFromConfig(jc config.JobConfig) Job {
	return Job{
		Name:         jc.Name,
		Source:       jc.Source,
		Input:        jc.Input,
		Output:       jc.Output,
		TaskKey:      jc.TaskKey,
		Schema:       jc.Schema,
		Table:        jc.Table,
		PartitionKey: jc.PartitionKey,
	}
}

// Status is the outcome of a job.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusDeferred  Status = "deferred"
	StatusFailed    Status = "failed"
)

// JobResult reports what happened to one job.
type JobResult struct {
	Job        Job
	Status     Status
	RunID      string
	Validation *validation.Result
	Manifest   *warehouse.Manifest
	Err        error
	Duration   time.Duration
}

// RejectedError is returned when an artifact's critical failure rate
// exceeds the configured limit. No marker is written for it.
type RejectedError struct {
	Task    string
	Schema  string
	Rate    float64
	MaxRate float64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("task %s rejected: failure rate %.4f above %.4f for schema %s", e.Task, e.Rate, e.MaxRate, e.Schema)
}

func (e *RejectedError) ExitCode() int { return exitcodes.ValidationError }

// Runner wires the reliability components together. Loader, Notifier,
// Metrics, Progress and Reporter are optional.
type Runner struct {
	Config   *config.Config
	Breakers *breaker.Registry
	Schemas  *validation.Registry
	Markers  *idempotency.Store
	Loader   *warehouse.Loader
	Fetcher  Fetcher
	Notifier notify.Provider
	Metrics  *metrics.Collector
	Progress *progress.Tracker
	Reporter progress.Reporter

	closers []func() error
}

// Close releases the resources opened by Build.
func (r *Runner) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// RunAll runs jobs with at most Runner.Workers in flight. A deferred or
// failed job does not stop the others. Results are in job order.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) []*JobResult {
	workers := r.Config.Runner.Workers
	if workers < 1 {
		workers = 1
	}
	logging.Debug("Starting worker pool with %d workers, %d jobs", workers, len(jobs))

	results := make([]*JobResult, len(jobs))
	r.progress().SetTotal(-1)
	tally := &tally{total: len(jobs)}
	r.reporter().ReportImmediate(tally.update("starting", nil, r.progress()))

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, job := range jobs {
		select {
		case <-ctx.Done():
			results[i] = &JobResult{Job: job, Status: StatusFailed, Err: ctx.Err()}
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, j Job) {
			defer wg.Done()
			defer func() { <-sem }()

			r.progress().StartJob(j.Name)
			res := r.RunJob(ctx, j)
			r.progress().EndJob(j.Name)

			results[i] = res
			r.reporter().Report(tally.update("running", res, r.progress()))
		}(i, job)
	}

	wg.Wait()
	r.progress().Finish()
	r.reporter().ReportImmediate(tally.update("finished", nil, r.progress()))
	return results
}

// RunJob runs a single job. The result is never nil.
func (r *Runner) RunJob(ctx context.Context, job Job) (res *JobResult) {
	start := time.Now()
	res = &JobResult{Job: job, RunID: uuid.NewString()}
	defer func() {
		res.Duration = time.Since(start)
		switch res.Status {
		case StatusFailed:
			logging.Error("Job %s failed: %v", job.Name, res.Err)
		case StatusDeferred:
			logging.Warn("Job %s deferred: %v", job.Name, res.Err)
		default:
			logging.Info("Job %s %s in %s", job.Name, res.Status, res.Duration.Round(time.Millisecond))
		}
	}()

	if err := ctx.Err(); err != nil {
		return res.fail(err)
	}

	if r.Markers.IsCompleted(ctx, job.Output, job.TaskKey) {
		if prior, ok := r.Markers.GetCompletedResult(ctx, job.Output, job.TaskKey); ok {
			logging.Debug("Job %s completed at %s with %d rows", job.Name, prior.CompletedAt.Format(time.RFC3339), prior.RowCount)
		}
		// the artifact is done but its load may still be pending
		if job.Table == "" || r.Loader == nil {
			res.Status = StatusSkipped
			return res
		}
		m, err := r.load(ctx, job)
		res.Manifest = m
		if err != nil {
			return res.fail(err)
		}
		res.Status = StatusCompleted
		if m.Status == warehouse.StatusSkipped {
			res.Status = StatusSkipped
		}
		return res
	}

	staging := filepath.Join(r.stagingDir(), res.RunID+filepath.Ext(job.Input))
	defer os.Remove(staging)

	err := r.Breakers.Call(job.Source, func() error {
		return r.fetcher().Fetch(ctx, job, staging)
	})
	if err != nil {
		var openErr *breaker.CircuitOpenError
		if errors.As(err, &openErr) {
			res.Status = StatusDeferred
			res.Err = err
			return res
		}
		return res.fail(fmt.Errorf("fetching %s from %s: %w", job.Input, job.Source, err))
	}

	vres, err := r.validate(job, staging)
	res.Validation = vres
	if err != nil {
		return res.fail(err)
	}

	meta := map[string]string{
		"schema": job.Schema,
		"source": job.Source,
		"run_id": res.RunID,
	}
	if _, err := r.Markers.MarkCompleted(ctx, job.Output, job.TaskKey, vres.ValidRows, meta); err != nil {
		return res.fail(fmt.Errorf("writing completion marker for %s: %w", job.TaskKey, err))
	}

	if job.Table != "" && r.Loader != nil {
		m, err := r.load(ctx, job)
		res.Manifest = m
		if err != nil {
			return res.fail(err)
		}
	}
	res.Status = StatusCompleted
	return res
}

func (res *JobResult) fail(err error) *JobResult {
	res.Status = StatusFailed
	res.Err = err
	return res
}

func (r *Runner) load(ctx context.Context, job Job) (*warehouse.Manifest, error) {
	return r.Loader.Load(ctx, dataset.FileArtifact(job.Output), job.Table, job.PartitionKey)
}

// validate streams the staged payload into the clean artifact and the
// quarantine file. Neither is published unless the run is accepted, except
// that rejected runs keep their quarantine file for inspection.
func (r *Runner) validate(job Job, staging string) (*validation.Result, error) {
	vc := r.Config.Validation

	src, err := dataset.Open(staging)
	if err != nil {
		return nil, fmt.Errorf("opening staged payload: %w", err)
	}
	defer src.Close()

	artifact, err := validation.NewArtifactSink(job.Output, r.artifactColumns(src, job.Schema))
	if err != nil {
		return nil, err
	}
	sinks := validation.MultiSink{artifact}

	var quarantine *validation.QuarantineWriter
	if vc.QuarantineDir != "" {
		quarantine, err = validation.NewQuarantineWriter(filepath.Join(vc.QuarantineDir, fileName(job.TaskKey)+".jsonl"))
		if err != nil {
			artifact.Abort()
			return nil, err
		}
		sinks = append(sinks, quarantine)
	}
	abortAll := func() {
		artifact.Abort()
		if quarantine != nil {
			quarantine.Abort()
		}
	}

	v := validation.New(r.Schemas, validation.Options{
		MaxErrorDetails: vc.MaxErrorDetails,
		Progress:        r.progress().Counter(),
	})
	res, err := v.ValidateTo(src, job.Schema, vc.BatchSize, sinks)
	if err != nil {
		abortAll()
		return nil, err
	}
	r.Metrics.ObserveValidation(res)

	if rate := res.FailureRate(); rate > vc.MaxFailureRate {
		artifact.Abort()
		if quarantine != nil {
			if err := quarantine.Commit(); err != nil {
				logging.Warn("Could not keep quarantine file for %s: %v", job.TaskKey, err)
			}
		}
		if r.Notifier != nil {
			if err := r.Notifier.ValidationRejected(job.TaskKey, res); err != nil {
				logging.Warn("Notification for task %s failed: %v", job.TaskKey, err)
			}
		}
		return res, &RejectedError{Task: job.TaskKey, Schema: job.Schema, Rate: rate, MaxRate: vc.MaxFailureRate}
	}

	if err := artifact.Commit(); err != nil {
		if quarantine != nil {
			quarantine.Abort()
		}
		return res, err
	}
	if quarantine != nil {
		if quarantine.Rows() == 0 {
			quarantine.Abort()
		} else if err := quarantine.Commit(); err != nil {
			return res, err
		}
	}

	logging.Info("Validated %s: %d rows, %d valid, %d critical, %d warnings",
		job.TaskKey, res.TotalRows, res.ValidRows, res.CriticalFailures, res.Warnings)
	return res, nil
}

// artifactColumns orders a clean CSV artifact like its input, or like the
// schema when the input only learns its columns while reading.
func (r *Runner) artifactColumns(src dataset.Reader, schemaName string) []string {
	if cols := src.Columns(); len(cols) > 0 {
		return cols
	}
	s, ok := r.Schemas.Schema(schemaName)
	if !ok {
		return nil
	}
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = f.Name
	}
	return cols
}

func (r *Runner) stagingDir() string {
	if r.Config.Runner.StagingDir != "" {
		return r.Config.Runner.StagingDir
	}
	return filepath.Join(os.TempDir(), "mdcore-staging")
}

func (r *Runner) fetcher() Fetcher {
	if r.Fetcher == nil {
		return FileFetcher{}
	}
	return r.Fetcher
}

var discardProgress = progress.NewWithWriter(nil)

func (r *Runner) progress() *progress.Tracker {
	if r.Progress == nil {
		return discardProgress
	}
	return r.Progress
}

func (r *Runner) reporter() progress.Reporter {
	if r.Reporter == nil {
		return &progress.NullReporter{}
	}
	return r.Reporter
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// fileName maps a task key to a safe file name.
func fileName(taskKey string) string {
	return unsafeFileChars.ReplaceAllString(taskKey, "_")
}

// tally counts finished jobs for progress reports.
type tally struct {
	mu       sync.Mutex
	total    int
	done     int
	deferred int
	failed   int
}

func (t *tally) update(phase string, res *JobResult, tr *progress.Tracker) progress.ProgressUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	if res != nil {
		t.done++
		switch res.Status {
		case StatusDeferred:
			t.deferred++
		case StatusFailed:
			t.failed++
		}
	}
	active := tr.Active()
	return progress.ProgressUpdate{
		Phase:         phase,
		JobsComplete:  t.done,
		JobsTotal:     t.total,
		JobsRunning:   len(active),
		JobsDeferred:  t.deferred,
		RowsProcessed: tr.Current(),
		CurrentJobs:   active,
		ErrorCount:    t.failed,
	}
}
