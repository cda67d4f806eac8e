package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Fetcher retrieves a job's raw payload from its upstream source and writes
// it to dst. Errors count against the source's circuit breaker.
type Fetcher interface {
	Fetch(ctx context.Context, job Job, dst string) error
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, job Job, dst string) error

func (f FetcherFunc) Fetch(ctx context.Context, job Job, dst string) error {
	return f(ctx, job, dst)
}

// FileFetcher copies job.Input from the local filesystem.
type FileFetcher struct{}

func (FileFetcher) Fetch(ctx context.Context, job Job, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(job.Input)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying %s: %w", job.Input, err)
	}
	return out.Close()
}
