// Package history keeps a bounded, per-component window of recent samples.
//
// Each component owns a fixed-size ring buffer: appending is O(1) and, once
// the buffer is full, every append evicts the oldest sample. Nothing is
// persisted; the store lives as long as the monitor that owns it.
package history

import (
	"sort"
	"sync"

	"perfwatch/collector"
)

// DefaultCapacity is the per-component sample limit used when none is given.
const DefaultCapacity = 500

type ring struct {
	buf  []collector.Sample
	head int // index of the oldest sample
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]collector.Sample, capacity)}
}

func (r *ring) push(s collector.Sample) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

// at returns the i-th oldest sample, 0 <= i < size.
func (r *ring) at(i int) collector.Sample {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring) newest() (collector.Sample, bool) {
	if r.size == 0 {
		return collector.Sample{}, false
	}
	return r.at(r.size - 1), true
}

// Store is safe for concurrent use. The sampler is its only writer;
// readers receive copies and never observe a half-written append.
type Store struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring
}

// NewStore returns a store retaining at most capacity samples per component.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

// Capacity returns the per-component limit.
func (s *Store) Capacity() int { return s.capacity }

// Append stores a copy of sample under sample.Component. A timestamp older
// than the component's newest sample is clamped so that each stream stays
// non-decreasing in time.
func (s *Store) Append(sample collector.Sample) {
	sample = sample.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[sample.Component]
	if !ok {
		r = newRing(s.capacity)
		s.rings[sample.Component] = r
	}
	if last, ok := r.newest(); ok && sample.Timestamp.Before(last.Timestamp) {
		sample.Timestamp = last.Timestamp
	}
	r.push(sample)
}

// Len returns the number of samples held for component.
func (s *Store) Len(component string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rings[component]; ok {
		return r.size
	}
	return 0
}

// Latest returns the newest sample of component.
func (s *Store) Latest(component string) (collector.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rings[component]
	if !ok {
		return collector.Sample{}, false
	}
	last, ok := r.newest()
	if !ok {
		return collector.Sample{}, false
	}
	return last.Clone(), true
}

// LatestAll returns the newest sample of every component.
func (s *Store) LatestAll() map[string]collector.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]collector.Sample, len(s.rings))
	for name, r := range s.rings {
		if last, ok := r.newest(); ok {
			out[name] = last.Clone()
		}
	}
	return out
}

// Samples returns every retained sample of component, oldest first.
func (s *Store) Samples(component string) []collector.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rings[component]
	if !ok {
		return nil
	}
	out := make([]collector.Sample, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.at(i).Clone()
	}
	return out
}

// Window returns up to n of the most recent values of metric for
// component, oldest first. Samples lacking the metric are skipped, so the
// result may be shorter than n.
func (s *Store) Window(component, metric string, n int) []float64 {
	if n <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rings[component]
	if !ok {
		return nil
	}
	values := make([]float64, 0, n)
	for i := r.size - 1; i >= 0 && len(values) < n; i-- {
		if v, ok := r.at(i).Values[metric]; ok {
			values = append(values, v)
		}
	}
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values
}

// Components returns the names of components with history, sorted.
func (s *Store) Components() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.rings))
	for name := range s.rings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove drops all history for component.
func (s *Store) Remove(component string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, component)
}
