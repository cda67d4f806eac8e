package notify

import (
	"sync"

	"github.com/johndauphine/mdcore/internal/breaker"
	"github.com/johndauphine/mdcore/internal/logging"
	"github.com/johndauphine/mdcore/internal/validation"
	"github.com/johndauphine/mdcore/internal/warehouse"
)

// Provider defines the notification contract for pipeline events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// CircuitOpened fires when a source's breaker trips.
	CircuitOpened(source string, failures int, lastErr error) error

	// CircuitRecovered fires when a half-open trial succeeds.
	CircuitRecovered(source string) error

	// ValidationRejected fires when an artifact exceeds the failure-rate limit.
	ValidationRejected(task string, res *validation.Result) error

	// LoadFailed fires when a warehouse load returns an error.
	LoadFailed(table string, err error) error

	// LoadCompleted fires after a successful warehouse load.
	LoadCompleted(m *warehouse.Manifest) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)

// BreakerObserver forwards breaker transitions to a Provider.
type BreakerObserver struct {
	p Provider

	mu       sync.Mutex
	lastErr  map[string]error
	failures map[string]int
}

var _ breaker.Observer = (*BreakerObserver)(nil)

// NewBreakerObserver adapts p to breaker.Observer.
func NewBreakerObserver(p Provider) *BreakerObserver {
	return &BreakerObserver{p: p, lastErr: make(map[string]error), failures: make(map[string]int)}
}

func (o *BreakerObserver) FailureRecorded(source string, err error) {
	o.mu.Lock()
	o.lastErr[source] = err
	o.failures[source]++
	o.mu.Unlock()
}

func (o *BreakerObserver) StateChanged(source string, from, to breaker.State) {
	o.mu.Lock()
	lastErr, failures := o.lastErr[source], o.failures[source]
	if to == breaker.Closed {
		delete(o.lastErr, source)
		delete(o.failures, source)
	}
	o.mu.Unlock()

	var err error
	switch {
	case to == breaker.Open && from == breaker.Closed:
		err = o.p.CircuitOpened(source, failures, lastErr)
	case to == breaker.Closed && from == breaker.HalfOpen:
		err = o.p.CircuitRecovered(source)
	}
	if err != nil {
		logging.Warn("Notification for source %s failed: %v", source, err)
	}
}

// LoadObserver forwards finished loads to a Provider.
type LoadObserver struct {
	P Provider
}

var _ warehouse.LoadObserver = LoadObserver{}

func (o LoadObserver) LoadFinished(m *warehouse.Manifest, loadErr error) {
	var err error
	switch {
	case loadErr != nil:
		err = o.P.LoadFailed(m.Table, loadErr)
	case m.Status == warehouse.StatusSuccess:
		err = o.P.LoadCompleted(m)
	}
	if err != nil {
		logging.Warn("Notification for table %s failed: %v", m.Table, err)
	}
}
