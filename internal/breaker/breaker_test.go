package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	failures    int
}

func (o *recordingObserver) StateChanged(source string, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from.String()+"->"+to.String())
}

func (o *recordingObserver) FailureRecorded(source string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

var errUpstream = errors.New("upstream 503")

func failing() error { return errUpstream }
func succeeding() error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("nasdaq", Options{FailureThreshold: 3, RecoveryTimeout: time.Minute, Clock: clock.Now})

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Call(failing), errUpstream)
		assert.Equal(t, Closed, b.State())
	}
	require.ErrorIs(t, b.Call(failing), errUpstream)
	assert.Equal(t, Open, b.State())
	assert.Equal(t, 3, b.Snapshot().FailureCount)
	assert.Equal(t, clock.Now(), b.Snapshot().LastStateChangeTime)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("nyse", Options{FailureThreshold: 3})

	_ = b.Call(failing)
	_ = b.Call(failing)
	require.NoError(t, b.Call(succeeding))
	assert.Equal(t, 0, b.Snapshot().FailureCount)

	_ = b.Call(failing)
	_ = b.Call(failing)
	assert.Equal(t, Closed, b.State(), "non-consecutive failures must not open the circuit")
}

func TestBreaker_RecoveryScenario(t *testing.T) {
	clock := newFakeClock()
	b := New("yahoo", Options{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second, Clock: clock.Now})

	for i := 0; i < 3; i++ {
		_ = b.Call(failing)
	}
	require.Equal(t, Open, b.State())

	calls := 0
	op := func() error { calls++; return nil }

	clock.Advance(10 * time.Second)
	err := b.Call(op)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, "yahoo", openErr.Source)
	assert.Equal(t, 50*time.Second, openErr.RetryAfter)
	assert.Equal(t, 0, calls, "op must not run while open")

	clock.Advance(51 * time.Second)
	require.NoError(t, b.Call(op))
	assert.Equal(t, 1, calls, "half-open trial runs exactly once")
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("cboe", Options{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second, Clock: clock.Now})

	_ = b.Call(failing)
	_ = b.Call(failing)
	require.Equal(t, Open, b.State())

	clock.Advance(30 * time.Second)
	require.ErrorIs(t, b.Call(failing), errUpstream)
	assert.Equal(t, Open, b.State())
	assert.Equal(t, clock.Now(), b.Snapshot().LastStateChangeTime)

	clock.Advance(time.Second)
	assert.ErrorIs(t, b.Call(succeeding), ErrCircuitOpen, "recovery timeout restarts after a failed trial")
}

func TestBreaker_SingleHalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("binance", Options{FailureThreshold: 1, RecoveryTimeout: time.Second, Clock: clock.Now})

	_ = b.Call(failing)
	clock.Advance(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.Equal(t, HalfOpen, b.State())
	var ran atomic.Bool
	err := b.Call(func() error { ran.Store(true); return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran.Load(), "second caller must not run during trial")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_IsFailurePredicate(t *testing.T) {
	b := New("fred", Options{FailureThreshold: 2, IsFailure: IsTransient})

	parseErr := errors.New("bad payload")
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Call(func() error { return parseErr }), parseErr)
	}
	assert.Equal(t, Closed, b.State(), "non-transient errors are returned but not counted")

	transient := NewTransientError("fred", errUpstream)
	_ = b.Call(func() error { return transient })
	err := b.Call(func() error { return transient })
	assert.Same(t, transient, err, "original error is returned unchanged")
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	obs := &recordingObserver{}
	b := New("coinbase", Options{FailureThreshold: 1, Observer: obs})

	_ = b.Call(failing)
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, obs.transitions)
	assert.Equal(t, 1, obs.failures)
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	b := New("flaky", Options{FailureThreshold: 1})

	assert.Panics(t, func() {
		_ = b.Call(func() error { panic("boom") })
	})
	assert.Equal(t, Open, b.State())
}

func TestDo_ReturnsValue(t *testing.T) {
	b := New("eod", Options{})

	got, err := Do(b, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Do(b, func() (string, error) { return "", errUpstream })
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 1, b.Snapshot().FailureCount)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "CLOSED"},
		{Open, "OPEN"},
		{HalfOpen, "HALF_OPEN"},
		{State(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
