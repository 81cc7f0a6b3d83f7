package collector

import (
	"sort"
	"time"
)

// Point holds a single numeric reading together with its timestamp.
type Point struct {
	Name      string    `json:"name"`      // e.g. "latency_ms"
	Value     float64   `json:"value"`     // numeric value
	Timestamp time.Time `json:"timestamp"` // time the sample was stamped
}

// Sample is the result of one collector invocation for one component.
// All values share the same timestamp, stamped by the sampler rather than
// the collector so that readings from different sources are comparable.
//
// A Sample is treated as immutable once created: NewSample copies the
// value map and the history store hands out copies again.
type Sample struct {
	Component string             `json:"component"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// NewSample creates a sample owning a private copy of values.
func NewSample(component string, ts time.Time, values map[string]float64) Sample {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Sample{
		Component: component,
		Timestamp: ts,
		Values:    cp,
	}
}

// Value returns the named reading and whether it is present.
func (s Sample) Value(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Names returns the metric names in the sample, sorted.
func (s Sample) Names() []string {
	names := make([]string, 0, len(s.Values))
	for k := range s.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Points flattens the sample into individual points, sorted by name.
func (s Sample) Points() []Point {
	points := make([]Point, 0, len(s.Values))
	for _, name := range s.Names() {
		points = append(points, Point{
			Name:      name,
			Value:     s.Values[name],
			Timestamp: s.Timestamp,
		})
	}
	return points
}

// Clone returns a deep copy of the sample.
func (s Sample) Clone() Sample {
	return NewSample(s.Component, s.Timestamp, s.Values)
}
