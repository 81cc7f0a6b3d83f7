// Package threshold checks samples against static per-metric limits.
package threshold

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"perfwatch/collector"
)

// Kind tells which side of a limit was crossed.
type Kind int

const (
	AboveMax Kind = iota + 1
	BelowMin
)

func (k Kind) String() string {
	switch k {
	case AboveMax:
		return "above_max"
	case BelowMin:
		return "below_min"
	default:
		return "unknown"
	}
}

// Limit bounds one metric. A nil bound is not checked.
type Limit struct {
	Max *float64 `json:"max,omitempty" mapstructure:"max"`
	Min *float64 `json:"min,omitempty" mapstructure:"min"`
}

// Max returns a Limit with only an upper bound.
func Max(v float64) Limit { return Limit{Max: &v} }

// Min returns a Limit with only a lower bound.
func Min(v float64) Limit { return Limit{Min: &v} }

// Between returns a Limit with both bounds.
func Between(min, max float64) Limit { return Limit{Min: &min, Max: &max} }

// Config maps metric names to limits. Metrics without an entry are not checked.
type Config map[string]Limit

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for name, l := range c {
		var cp Limit
		if l.Max != nil {
			v := *l.Max
			cp.Max = &v
		}
		if l.Min != nil {
			v := *l.Min
			cp.Min = &v
		}
		out[name] = cp
	}
	return out
}

// Validate rejects non-finite bounds and inverted ranges.
func (c Config) Validate() error {
	for name, l := range c {
		for _, b := range []*float64{l.Max, l.Min} {
			if b != nil && (math.IsNaN(*b) || math.IsInf(*b, 0)) {
				return fmt.Errorf("threshold %q: bound must be finite", name)
			}
		}
		if l.Max != nil && l.Min != nil && *l.Min > *l.Max {
			return fmt.Errorf("threshold %q: min %g greater than max %g", name, *l.Min, *l.Max)
		}
	}
	return nil
}

// Violation is one metric crossing one limit in one sample.
type Violation struct {
	Component string
	Metric    string
	Observed  float64
	Limit     float64
	Kind      Kind
}

// Excess is how far past the limit the observation is, relative to the
// limit's magnitude (or absolute when the limit is zero).
func (v Violation) Excess() float64 {
	d := math.Abs(v.Observed - v.Limit)
	if v.Limit == 0 {
		return d
	}
	return d / math.Abs(v.Limit)
}

func (v Violation) String() string {
	switch v.Kind {
	case AboveMax:
		return fmt.Sprintf("%s=%g above max %g", v.Metric, v.Observed, v.Limit)
	case BelowMin:
		return fmt.Sprintf("%s=%g below min %g", v.Metric, v.Observed, v.Limit)
	default:
		return fmt.Sprintf("%s=%g outside %g", v.Metric, v.Observed, v.Limit)
	}
}

// Evaluate returns the violations of sample against cfg, ordered by metric.
// Comparisons are strict: a value exactly at a bound is within limits.
func Evaluate(sample collector.Sample, cfg Config) []Violation {
	var out []Violation
	for _, name := range sample.Names() {
		limit, ok := cfg[name]
		if !ok {
			continue
		}
		observed := sample.Values[name]
		if limit.Max != nil && observed > *limit.Max {
			out = append(out, Violation{
				Component: sample.Component,
				Metric:    name,
				Observed:  observed,
				Limit:     *limit.Max,
				Kind:      AboveMax,
			})
		}
		if limit.Min != nil && observed < *limit.Min {
			out = append(out, Violation{
				Component: sample.Component,
				Metric:    name,
				Observed:  observed,
				Limit:     *limit.Min,
				Kind:      BelowMin,
			})
		}
	}
	return out
}

// Holder publishes the active Config. Replacement is whole: a new config
// swaps in atomically and is never merged with the previous one.
type Holder struct {
	cur atomic.Pointer[Config]
}

// NewHolder returns a holder serving a copy of cfg.
func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.Store(cfg)
	return h
}

// Load returns the active config. Callers must not modify it.
func (h *Holder) Load() Config {
	if p := h.cur.Load(); p != nil {
		return *p
	}
	return Config{}
}

// Store replaces the active config with a copy of cfg.
func (h *Holder) Store(cfg Config) {
	cp := cfg.Clone()
	h.cur.Store(&cp)
}

// Metrics returns the configured metric names, sorted.
func (c Config) Metrics() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
