package progress

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerCounter(t *testing.T) {
	tr := NewWithWriter(nil)
	tr.SetTotal(100)

	a, b := tr.Counter(), tr.Counter()
	a(10)
	b(5)
	a(25)
	b(5) // no change
	b(12)

	assert.Equal(t, int64(37), tr.Current())
}

func TestTrackerRendersToWriter(t *testing.T) {
	var buf bytes.Buffer
	tr := NewWithWriter(&buf)
	tr.SetTotal(10)
	tr.StartJob("daily_bars")
	tr.Add(10)
	tr.EndJob("daily_bars")
	tr.Finish()

	assert.NotEmpty(t, buf.String())
	assert.Equal(t, int64(10), tr.Current())
	assert.Empty(t, tr.Active())
}

func TestTrackerActiveJobs(t *testing.T) {
	tr := NewWithWriter(nil)
	tr.StartJob("a")
	tr.StartJob("a")
	tr.StartJob("b")
	tr.EndJob("a")
	assert.ElementsMatch(t, []string{"a", "b"}, tr.Active())
	tr.EndJob("a")
	assert.Equal(t, []string{"b"}, tr.Active())
}

func TestJSONReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, time.Hour)

	r.ReportImmediate(ProgressUpdate{Phase: "starting", JobsTotal: 4})
	r.Report(ProgressUpdate{Phase: "running", JobsTotal: 4, JobsComplete: 1}) // throttled
	r.ReportImmediate(ProgressUpdate{Phase: "finished", JobsTotal: 4, JobsComplete: 4, RowsProcessed: 1200})
	r.Close()
	r.ReportImmediate(ProgressUpdate{Phase: "after-close"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var last ProgressUpdate
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, "finished", last.Phase)
	assert.Equal(t, 100.0, last.ProgressPct)
	assert.Equal(t, int64(1200), last.RowsProcessed)
	assert.NotEmpty(t, last.Timestamp)
}

func TestNullReporter(t *testing.T) {
	var r Reporter = &NullReporter{}
	r.Report(ProgressUpdate{})
	r.ReportImmediate(ProgressUpdate{})
	r.Close()
}
