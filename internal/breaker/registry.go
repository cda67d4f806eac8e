package breaker

import (
	"sort"
	"sync"
)

// Registry holds exactly one Breaker per source name. The registry lock only
// guards insertion; state changes use each breaker's own lock.
type Registry struct {
	mu        sync.RWMutex
	defaults  Options
	overrides map[string]Options
	breakers  map[string]*Breaker
}

// NewRegistry creates an empty registry whose breakers use defaults.
func NewRegistry(defaults Options) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: make(map[string]Options),
		breakers:  make(map[string]*Breaker),
	}
}

// Configure sets per-source options applied when the source's breaker is
// first created. It has no effect on a breaker that already exists.
func (r *Registry) Configure(source string, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[source] = opts
}

// Get returns the breaker for source, creating it on first use.
func (r *Registry) Get(source string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[source]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[source]; ok {
		return b
	}
	opts := r.defaults
	if over, ok := r.overrides[source]; ok {
		opts = opts.merge(over)
	}
	b = New(source, opts)
	r.breakers[source] = b
	return b
}

// Call is shorthand for r.Get(source).Call(op).
func (r *Registry) Call(source string, op func() error) error {
	return r.Get(source).Call(op)
}

// Sources returns the names of all breakers created so far, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the state of every breaker, sorted by source.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Reset closes the breaker for source. It reports false if no breaker exists.
func (r *Registry) Reset(source string) bool {
	r.mu.RLock()
	b, ok := r.breakers[source]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()
	for _, b := range list {
		b.Reset()
	}
}
