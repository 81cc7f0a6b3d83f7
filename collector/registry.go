package collector

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrDuplicateName is returned when a collector name is already taken.
	ErrDuplicateName = errors.New("collector name already registered")
	// ErrEmptyName is returned for a blank collector name.
	ErrEmptyName = errors.New("collector name must not be empty")
)

// Handle identifies one registration. It is required to unregister.
type Handle struct {
	id   uint64
	name string
}

// Name returns the component name the handle was issued for.
func (h Handle) Name() string { return h.name }

// Entry is a registered collector as seen by one sampling cycle.
type Entry struct {
	Name      string
	Collector Collector

	// busy is shared by every snapshot of one registration and is set
	// while a call to Collector has not returned.
	busy *atomic.Bool
}

type registration struct {
	id        uint64
	collector Collector
	busy      *atomic.Bool
}

// Registry maps component names to collectors. It is safe for concurrent
// use; the sampler takes a Snapshot at the start of every cycle so that
// registration changes never show up halfway through a cycle.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	entries map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds c under name. An existing registration is never replaced.
func (r *Registry) Register(name string, c Collector) (Handle, error) {
	if strings.TrimSpace(name) == "" {
		return Handle{}, ErrEmptyName
	}
	if c == nil {
		return Handle{}, fmt.Errorf("register %q: nil collector", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return Handle{}, fmt.Errorf("register %q: %w", name, ErrDuplicateName)
	}
	r.nextID++
	r.entries[name] = registration{id: r.nextID, collector: c, busy: new(atomic.Bool)}
	return Handle{id: r.nextID, name: name}, nil
}

// Unregister removes the registration behind h. It is idempotent, and a
// stale handle never removes a newer registration of the same name.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.entries[h.name]; ok && reg.id == h.id {
		delete(r.entries, h.name)
	}
}

// Names returns the registered component names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the current registrations, sorted by name.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for name, reg := range r.entries {
		out = append(out, Entry{Name: name, Collector: reg.collector, busy: reg.busy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered collectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
