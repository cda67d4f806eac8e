package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrCorruptMarker is returned by backends when a stored marker cannot be decoded.
var ErrCorruptMarker = errors.New("corrupt completion marker")

// Marker records that the write of OutputTarget for TaskKey completed.
type Marker struct {
	Timestamp    time.Time         `yaml:"timestamp" json:"timestamp"`
	TaskKey      string            `yaml:"task_key" json:"task_key"`
	RowCount     int64             `yaml:"row_count" json:"row_count"`
	ContentHash  string            `yaml:"content_hash" json:"content_hash"`
	OutputTarget string            `yaml:"output_target" json:"output_target"`
	Metadata     map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Backend persists markers keyed by (output target, task key).
// Get returns nil, nil when no marker exists. Put overwrites.
type Backend interface {
	Get(ctx context.Context, target, taskKey string) (*Marker, error)
	Put(ctx context.Context, m *Marker) error
	Delete(ctx context.Context, target, taskKey string) error
	List(ctx context.Context, target string) ([]Marker, error)
	Close() error
}

// Ensure implementations satisfy the interface
var (
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*SQLBackend)(nil)
	_ Backend = (*S3Backend)(nil)
)
