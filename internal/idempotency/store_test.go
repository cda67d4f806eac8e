package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestStore_MarkThenIsCompleted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "ohlcv", "2024-01-15.jsonl")
	writeArtifact(t, target, `{"symbol":"AAPL","close":185.1}`+"\n")

	store := NewStore(NewFileBackend(), nil, StoreOptions{})

	assert.False(t, store.IsCompleted(ctx, target, "ohlcv.2024-01-15"), "no marker yet")

	m, err := store.MarkCompleted(ctx, target, "ohlcv.2024-01-15", 1, map[string]string{"schema": "ohlcv_daily"})
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, m.ContentHash)
	assert.True(t, store.IsCompleted(ctx, target, "ohlcv.2024-01-15"))

	marker := MarkerPath(target, "ohlcv.2024-01-15")
	assert.Equal(t, filepath.Join(dir, "ohlcv"), filepath.Dir(marker), "marker is colocated with the artifact")
	assert.Regexp(t, `^\.idempotent\.2024-01-15\.jsonl\.ohlcv\.2024-01-15\.[0-9a-f]{8}$`, filepath.Base(marker))
	_, err = os.Stat(marker)
	assert.NoError(t, err)

	res, ok := store.GetCompletedResult(ctx, target, "ohlcv.2024-01-15")
	require.True(t, ok)
	assert.Equal(t, int64(1), res.RowCount)
	assert.Equal(t, "ohlcv_daily", res.Metadata["schema"])
	assert.Equal(t, m.ContentHash, res.ContentHash)
}

func TestStore_ArtifactChangedAfterMarker(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "quotes.csv")
	writeArtifact(t, target, "symbol,bid\nAAPL,185.0\n")

	store := NewStore(NewFileBackend(), nil, StoreOptions{})
	_, err := store.MarkCompleted(ctx, target, "quotes", 1, nil)
	require.NoError(t, err)

	writeArtifact(t, target, "symbol,bid\nAAPL,185.0\nMSFT,410.2\n")
	assert.False(t, store.IsCompleted(ctx, target, "quotes"), "hash mismatch means not completed")
	_, ok := store.GetCompletedResult(ctx, target, "quotes")
	assert.False(t, ok)

	lenient := NewStore(NewFileBackend(), nil, StoreOptions{SkipHashValidation: true})
	assert.True(t, lenient.IsCompleted(ctx, target, "quotes"), "presence suffices without hash validation")
}

func TestStore_ArtifactMissing(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "gone.jsonl")
	writeArtifact(t, target, "{}\n")

	store := NewStore(NewFileBackend(), nil, StoreOptions{})
	_, err := store.MarkCompleted(ctx, target, "gone", 1, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(target))

	assert.False(t, store.IsCompleted(ctx, target, "gone"))

	_, err = store.MarkCompleted(ctx, target, "gone", 1, nil)
	assert.ErrorIs(t, err, ErrArtifactMissing)
}

func TestStore_CorruptMarkerIsNotCompleted(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "trades.jsonl")
	writeArtifact(t, target, "{}\n")

	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "{{{ not yaml"},
		{"empty", ""},
		{"missing hash", "task_key: trades\noutput_target: " + target + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(MarkerPath(target, "trades"), []byte(tt.content), 0600))
			store := NewStore(NewFileBackend(), nil, StoreOptions{})
			assert.False(t, store.IsCompleted(ctx, target, "trades"))
		})
	}
}

func TestStore_OverwriteReplacesMarker(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "bars.jsonl")
	writeArtifact(t, target, "a\n")

	now := time.Date(2024, 1, 15, 21, 0, 0, 0, time.UTC)
	store := NewStore(NewFileBackend(), nil, StoreOptions{Clock: func() time.Time { return now }})

	_, err := store.MarkCompleted(ctx, target, "bars", 1, map[string]string{"run_id": "r1"})
	require.NoError(t, err)

	writeArtifact(t, target, "a\nb\n")
	now = now.Add(time.Hour)
	_, err = store.MarkCompleted(ctx, target, "bars", 2, map[string]string{"run_id": "r2"})
	require.NoError(t, err)

	res, ok := store.GetCompletedResult(ctx, target, "bars")
	require.True(t, ok)
	assert.Equal(t, int64(2), res.RowCount)
	assert.Equal(t, "r2", res.Metadata["run_id"])
	assert.Equal(t, now, res.CompletedAt)

	markers, err := store.List(ctx, target)
	require.NoError(t, err)
	assert.Len(t, markers, 1, "markers are overwritten, not appended")
}

func TestStore_Invalidate(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "fx.jsonl")
	writeArtifact(t, target, "x\n")

	store := NewStore(NewFileBackend(), nil, StoreOptions{})
	_, err := store.MarkCompleted(ctx, target, "fx", 1, nil)
	require.NoError(t, err)

	require.NoError(t, store.Invalidate(ctx, target, "fx"))
	assert.False(t, store.IsCompleted(ctx, target, "fx"))
	assert.NoError(t, store.Invalidate(ctx, target, "fx"), "invalidating twice is fine")
}

func TestFileBackend_SameDirDifferentArtifacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.jsonl")
	writeArtifact(t, a, "a\n")
	writeArtifact(t, b, "b\n")

	store := NewStore(NewFileBackend(), nil, StoreOptions{})
	_, err := store.MarkCompleted(ctx, a, "load.bars", 1, nil)
	require.NoError(t, err)
	assert.False(t, store.IsCompleted(ctx, b, "load.bars"), "marker belongs to a different artifact")

	_, err = store.MarkCompleted(ctx, b, "load.bars", 2, nil)
	require.NoError(t, err)
	assert.True(t, store.IsCompleted(ctx, a, "load.bars"), "marking b keeps a's marker")
	assert.True(t, store.IsCompleted(ctx, b, "load.bars"))

	resA, ok := store.GetCompletedResult(ctx, a, "load.bars")
	require.True(t, ok)
	assert.Equal(t, int64(1), resA.RowCount)

	require.NoError(t, store.Invalidate(ctx, b, "load.bars"))
	assert.True(t, store.IsCompleted(ctx, a, "load.bars"), "invalidating b leaves a alone")

	markers, err := store.List(ctx, a)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, a, markers[0].OutputTarget)
}

func TestFileBackend_KeysThatSanitizeAlike(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "day.jsonl")
	writeArtifact(t, target, "x\n")

	assert.NotEqual(t, MarkerPath(target, "load/x"), MarkerPath(target, "load_x"))

	store := NewStore(NewFileBackend(), nil, StoreOptions{})
	_, err := store.MarkCompleted(ctx, target, "load/x", 1, nil)
	require.NoError(t, err)
	_, err = store.MarkCompleted(ctx, target, "load_x", 2, nil)
	require.NoError(t, err)

	for key, rows := range map[string]int64{"load/x": 1, "load_x": 2} {
		res, ok := store.GetCompletedResult(ctx, target, key)
		require.True(t, ok, key)
		assert.Equal(t, rows, res.RowCount, key)
	}
}

func TestSanitizeTaskKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ohlcv.2024-01-15", "ohlcv.2024-01-15"},
		{"load/ohlcv daily", "load_ohlcv_daily"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"", "_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeTaskKey(tt.in), tt.in)
	}
}

func TestFileHasher_Directory(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "partitioned")
	writeArtifact(t, filepath.Join(dir, "date=2024-01-15", "part-0.jsonl"), "a\n")
	writeArtifact(t, filepath.Join(dir, "date=2024-01-16", "part-0.jsonl"), "b\n")

	h1, err := FileHasher{}.Hash(ctx, dir)
	require.NoError(t, err)

	writeArtifact(t, filepath.Join(dir, ".marker-123.tmp"), "ignored")
	h2, err := FileHasher{}.Hash(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hidden files do not affect the hash")

	writeArtifact(t, filepath.Join(dir, "date=2024-01-16", "part-0.jsonl"), "c\n")
	h3, err := FileHasher{}.Hash(ctx, dir)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
