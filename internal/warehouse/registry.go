package warehouse

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Driver)
)

// Register adds a driver under its name and aliases. It is called from a
// driver package's init() and panics on duplicate names.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := d.Name()
	if _, exists := drivers[name]; exists {
		panic(fmt.Sprintf("warehouse driver %q already registered", name))
	}
	drivers[name] = d

	for _, alias := range d.Aliases() {
		if _, exists := drivers[alias]; exists {
			panic(fmt.Sprintf("warehouse driver alias %q already registered", alias))
		}
		drivers[alias] = d
	}
}

// Get retrieves a driver by name or alias (case-insensitive).
func Get(nameOrAlias string) (Driver, error) {
	registryMu.RLock()
	d, exists := drivers[strings.ToLower(nameOrAlias)]
	registryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown warehouse driver: %q (available: %v)", nameOrAlias, Available())
	}
	return d, nil
}

// Available returns the sorted primary names of registered drivers.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	seen := make(map[string]bool)
	for _, d := range drivers {
		seen[d.Name()] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a driver with the given name or alias exists.
func IsRegistered(nameOrAlias string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, exists := drivers[strings.ToLower(nameOrAlias)]
	return exists
}
