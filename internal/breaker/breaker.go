// Package breaker gates calls to upstream market-data sources. Each source
// gets one Breaker that moves between CLOSED, OPEN and HALF_OPEN based on
// consecutive failures and a wall-clock recovery timeout.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/johndauphine/mdcore/internal/logging"
)

// State is the circuit state of a single source.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Observer receives breaker events. Methods are invoked after the breaker
// lock is released, so implementations may call back into the breaker.
type Observer interface {
	StateChanged(source string, from, to State)
	FailureRecorded(source string, err error)
}

// Observers fans events out to each observer in order.
type Observers []Observer

func (o Observers) StateChanged(source string, from, to State) {
	for _, obs := range o {
		obs.StateChanged(source, from, to)
	}
}

func (o Observers) FailureRecorded(source string, err error) {
	for _, obs := range o {
		obs.FailureRecorded(source, err)
	}
}

// Options configures a Breaker. Zero values select the defaults.
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsFailure decides which errors count toward the threshold.
	// Defaults to every non-nil error.
	IsFailure func(error) bool
	Clock     func() time.Time
	Observer  Observer
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if o.IsFailure == nil {
		o.IsFailure = func(err error) bool { return err != nil }
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// merge overlays the non-zero fields of over onto o.
func (o Options) merge(over Options) Options {
	if over.FailureThreshold > 0 {
		o.FailureThreshold = over.FailureThreshold
	}
	if over.RecoveryTimeout > 0 {
		o.RecoveryTimeout = over.RecoveryTimeout
	}
	if over.IsFailure != nil {
		o.IsFailure = over.IsFailure
	}
	if over.Clock != nil {
		o.Clock = over.Clock
	}
	if over.Observer != nil {
		o.Observer = over.Observer
	}
	return o
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Source              string    `json:"source"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	FailureCount        int       `json:"failure_count"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	LastStateChangeTime time.Time `json:"last_state_change_time"`
}

// Breaker is a circuit breaker for one source. It is safe for concurrent use.
type Breaker struct {
	source string
	opts   Options

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	lastChange    time.Time
	trialInFlight bool
}

type transition struct {
	from, to State
}

// New creates a closed breaker for source.
func New(source string, opts Options) *Breaker {
	opts = opts.withDefaults()
	return &Breaker{
		source:     source,
		opts:       opts,
		state:      Closed,
		lastChange: opts.Clock(),
	}
}

// Source returns the source name the breaker guards.
func (b *Breaker) Source() string {
	return b.source
}

// Call runs op if the circuit admits it. The error returned by op is passed
// back unchanged after being recorded. When the circuit rejects the call,
// op is not invoked and a *CircuitOpenError is returned.
func (b *Breaker) Call(op func() error) (err error) {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(trial, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = op()
	b.record(trial, err)
	return err
}

// Do runs op through b and returns its result.
func Do[T any](b *Breaker, op func() (T, error)) (T, error) {
	var out T
	err := b.Call(func() error {
		v, err := op()
		out = v
		return err
	})
	return out, err
}

// admit decides whether a call may run. trial is true for the single
// HALF_OPEN probe.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	now := b.opts.Clock()
	var tr *transition

	switch b.state {
	case Open:
		elapsed := now.Sub(b.lastChange)
		if elapsed < b.opts.RecoveryTimeout {
			b.mu.Unlock()
			return false, &CircuitOpenError{Source: b.source, RetryAfter: b.opts.RecoveryTimeout - elapsed}
		}
		tr = b.setState(HalfOpen, now)
		b.trialInFlight = true
		trial = true
	case HalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return false, &CircuitOpenError{Source: b.source}
		}
		b.trialInFlight = true
		trial = true
	}
	b.mu.Unlock()

	b.emit(tr, nil)
	return trial, nil
}

func (b *Breaker) record(trial bool, err error) {
	failed := err != nil && b.opts.IsFailure(err)

	b.mu.Lock()
	now := b.opts.Clock()
	var tr *transition

	if trial {
		b.trialInFlight = false
	}

	switch {
	case failed && trial:
		b.failures++
		b.lastFailure = now
		tr = b.setState(Open, now)
	case failed && b.state == Closed:
		b.failures++
		b.lastFailure = now
		if b.failures >= b.opts.FailureThreshold {
			tr = b.setState(Open, now)
		}
	case err == nil && trial:
		b.failures = 0
		tr = b.setState(Closed, now)
	case err == nil && b.state == Closed:
		b.failures = 0
	}
	// Errors rejected by IsFailure are neutral: a HALF_OPEN probe that
	// returns one frees the slot for the next caller.
	failures := b.failures
	b.mu.Unlock()

	if failed {
		logging.Debug("Source %s failure %d/%d: %v", b.source, failures, b.opts.FailureThreshold, err)
		b.emit(nil, err)
	}
	b.emit(tr, nil)
}

// setState must be called with mu held.
func (b *Breaker) setState(to State, now time.Time) *transition {
	if b.state == to {
		return nil
	}
	tr := &transition{from: b.state, to: to}
	b.state = to
	b.lastChange = now
	return tr
}

func (b *Breaker) emit(tr *transition, failure error) {
	if tr != nil {
		switch tr.to {
		case Open:
			logging.Warn("Circuit for source %s opened (%s -> %s)", b.source, tr.from, tr.to)
		case HalfOpen:
			logging.Info("Circuit for source %s half-open, probing", b.source)
		case Closed:
			logging.Info("Circuit for source %s closed", b.source)
		}
	}
	if b.opts.Observer == nil {
		return
	}
	if failure != nil {
		b.opts.Observer.FailureRecorded(b.source, failure)
	}
	if tr != nil {
		b.opts.Observer.StateChanged(b.source, tr.from, tr.to)
	}
}

// Reset forces the circuit CLOSED and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setState(Closed, b.opts.Clock())
	b.failures = 0
	b.trialInFlight = false
	b.mu.Unlock()

	b.emit(tr, nil)
}

// State returns the current state. An OPEN circuit whose recovery timeout has
// elapsed still reports OPEN until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's bookkeeping.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Source:              b.source,
		State:               b.state,
		StateName:           b.state.String(),
		FailureCount:        b.failures,
		LastFailureTime:     b.lastFailure,
		LastStateChangeTime: b.lastChange,
	}
}
