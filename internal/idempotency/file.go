package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/johndauphine/mdcore/internal/logging"
	"gopkg.in/yaml.v3"
)

// MarkerPrefix is the file name prefix of markers stored next to artifacts.
const MarkerPrefix = ".idempotent."

// FileBackend stores each marker as a small YAML file colocated with the
// artifact it describes: <dir of target>/.idempotent.<base>.<taskKey>.<digest>.
type FileBackend struct {
	mu sync.Mutex
}

// NewFileBackend creates a filesystem marker backend.
func NewFileBackend() *FileBackend {
	return &FileBackend{}
}

// MarkerPath returns the marker location for (target, taskKey).
func MarkerPath(target, taskKey string) string {
	target = filepath.Clean(target)
	return filepath.Join(filepath.Dir(target), markerName(filepath.Base(target), taskKey))
}

// markerName names the marker of the artifact called base. Sanitizing is
// lossy, so a digest of the raw pair keeps distinct keys on distinct names.
func markerName(base, taskKey string) string {
	sum := sha256.Sum256([]byte(base + "\x00" + taskKey))
	return markerStem(base) + SanitizeTaskKey(taskKey) + "." + hex.EncodeToString(sum[:4])
}

// markerStem is the name prefix shared by every marker of the artifact base.
func markerStem(base string) string {
	return MarkerPrefix + SanitizeTaskKey(base) + "."
}

// SanitizeTaskKey maps a task key onto characters safe in file and object names.
func SanitizeTaskKey(taskKey string) string {
	var b strings.Builder
	for _, r := range taskKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// Get reads the marker for (target, taskKey). A marker recorded for another
// key is treated as absent.
func (f *FileBackend) Get(ctx context.Context, target, taskKey string) (*Marker, error) {
	m, err := readMarkerFile(MarkerPath(target, taskKey))
	if err != nil || m == nil {
		return nil, err
	}
	if m.OutputTarget != target || m.TaskKey != taskKey {
		logging.Debug("Marker %s belongs to %s, not %s", MarkerPath(target, taskKey), m.OutputTarget, target)
		return nil, nil
	}
	return m, nil
}

func readMarkerFile(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading marker file: %w", err)
	}
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptMarker, path, err)
	}
	if m.TaskKey == "" || m.ContentHash == "" {
		return nil, fmt.Errorf("%w: %s: missing task_key or content_hash", ErrCorruptMarker, path)
	}
	return &m, nil
}

// Put writes the marker through a temp file and rename so readers never see
// a partial marker.
func (f *FileBackend) Put(ctx context.Context, m *Marker) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := MarkerPath(m.OutputTarget, m.TaskKey)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating marker dir: %w", err)
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling marker: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".marker-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp marker: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing marker file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing marker file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing marker file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming marker file: %w", err)
	}
	return nil
}

// Delete removes the marker. Deleting a missing marker is not an error.
func (f *FileBackend) Delete(ctx context.Context, target, taskKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(MarkerPath(target, taskKey))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing marker file: %w", err)
	}
	return nil
}

// List returns every readable marker recorded for target. Corrupt markers are skipped.
func (f *FileBackend) List(ctx context.Context, target string) ([]Marker, error) {
	clean := filepath.Clean(target)
	pattern := filepath.Join(filepath.Dir(clean), markerStem(filepath.Base(clean))+"*")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("listing markers: %w", err)
	}

	var markers []Marker
	for _, p := range paths {
		m, err := readMarkerFile(p)
		if err != nil {
			logging.Warn("Skipping marker %s: %v", p, err)
			continue
		}
		if m != nil && m.OutputTarget == target {
			markers = append(markers, *m)
		}
	}
	return markers, nil
}

// Close is a no-op for the file backend.
func (f *FileBackend) Close() error {
	return nil
}
