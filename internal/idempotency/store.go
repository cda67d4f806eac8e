// Package idempotency records that a logical write already happened so that
// retried pipeline tasks can skip it. Markers are keyed by (output target,
// task key) and are only trusted while the artifact's content hash matches.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/mdcore/internal/logging"
)

// StoreOptions configures a Store.
type StoreOptions struct {
	// SkipHashValidation trusts marker presence without rehashing the artifact.
	SkipHashValidation bool
	Clock              func() time.Time
}

// CompletedResult describes a prior completed write for skip-path callers.
type CompletedResult struct {
	OutputTarget string            `json:"output_target"`
	TaskKey      string            `json:"task_key"`
	RowCount     int64             `json:"row_count"`
	ContentHash  string            `json:"content_hash"`
	CompletedAt  time.Time         `json:"completed_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store answers "did this write already complete?" on top of a Backend.
// Concurrent writers for the same key are unsupported; the last write wins.
type Store struct {
	backend Backend
	hasher  Hasher
	opts    StoreOptions
}

// NewStore creates a store. A nil hasher hashes local files.
func NewStore(backend Backend, hasher Hasher, opts StoreOptions) *Store {
	if hasher == nil {
		hasher = FileHasher{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{backend: backend, hasher: hasher, opts: opts}
}

// IsCompleted reports whether a valid marker exists for (target, taskKey).
// Missing, unreadable and stale markers all report false.
func (s *Store) IsCompleted(ctx context.Context, target, taskKey string) bool {
	_, ok := s.lookup(ctx, target, taskKey)
	return ok
}

func (s *Store) lookup(ctx context.Context, target, taskKey string) (*Marker, bool) {
	m, err := s.backend.Get(ctx, target, taskKey)
	if err != nil {
		logging.Warn("Ignoring unreadable completion marker for %s [%s]: %v", target, taskKey, err)
		return nil, false
	}
	if m == nil {
		return nil, false
	}
	if s.opts.SkipHashValidation {
		return m, true
	}

	current, err := s.hasher.Hash(ctx, target)
	if err != nil {
		logging.Warn("Cannot verify completion marker for %s [%s]: %v", target, taskKey, err)
		return nil, false
	}
	if current != m.ContentHash {
		logging.Warn("Completion marker for %s [%s] is stale: hash %s, artifact %s",
			target, taskKey, m.ContentHash, current)
		return nil, false
	}
	return m, true
}

// MarkCompleted records a completed write. The artifact at target must be
// fully written before this is called; its hash is captured in the marker.
// Any prior marker for the key is overwritten.
func (s *Store) MarkCompleted(ctx context.Context, target, taskKey string, rowCount int64, metadata map[string]string) (*Marker, error) {
	hash, err := s.hasher.Hash(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("hashing artifact %s: %w", target, err)
	}

	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}

	m := &Marker{
		Timestamp:    s.opts.Clock().UTC(),
		TaskKey:      taskKey,
		RowCount:     rowCount,
		ContentHash:  hash,
		OutputTarget: target,
		Metadata:     md,
	}
	if err := s.backend.Put(ctx, m); err != nil {
		return nil, fmt.Errorf("writing completion marker: %w", err)
	}

	logging.Debug("Marked %s [%s] complete: %d rows, %s", target, taskKey, rowCount, hash)
	return m, nil
}

// GetCompletedResult returns the prior result when IsCompleted would be true.
func (s *Store) GetCompletedResult(ctx context.Context, target, taskKey string) (*CompletedResult, bool) {
	m, ok := s.lookup(ctx, target, taskKey)
	if !ok {
		return nil, false
	}
	return &CompletedResult{
		OutputTarget: m.OutputTarget,
		TaskKey:      m.TaskKey,
		RowCount:     m.RowCount,
		ContentHash:  m.ContentHash,
		CompletedAt:  m.Timestamp,
		Metadata:     m.Metadata,
	}, true
}

// Invalidate deletes the marker so the next run re-executes the task.
func (s *Store) Invalidate(ctx context.Context, target, taskKey string) error {
	return s.backend.Delete(ctx, target, taskKey)
}

// List returns the markers recorded for target without validating them.
func (s *Store) List(ctx context.Context, target string) ([]Marker, error) {
	return s.backend.List(ctx, target)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
