// Package trend detects metrics that are steadily getting worse.
//
// The analyzer fits a least-squares line to the most recent window of a
// metric's values, indexed by position rather than wall-clock time so that
// sampling jitter does not bend the fit. The fitted change across the window
// is normalised by the window's value range and compared against a
// configured fraction in the metric's "bad" direction.
package trend

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Direction is the way a metric moves when it degrades.
type Direction int

const (
	// Unknown metrics never produce a verdict.
	Unknown Direction = iota
	// Up means higher is worse, e.g. latency.
	Up
	// Down means lower is worse, e.g. throughput.
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// ParseDirection accepts "up"/"higher" and "down"/"lower" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "higher", "increasing":
		return Up, nil
	case "down", "lower", "decreasing":
		return Down, nil
	default:
		return Unknown, fmt.Errorf("unknown trend direction %q", s)
	}
}

// Severity of a verdict.
type Severity int

const (
	None Severity = iota
	Degrading
)

func (s Severity) String() string {
	if s == Degrading {
		return "degrading"
	}
	return "none"
}

const (
	DefaultWindow          = 10
	DefaultSlopeFraction   = 0.15
	DefaultMinSignificance = 0.5
)

// Config controls the analyzer.
type Config struct {
	// Window is the number of most recent values analysed.
	Window int
	// SlopeFraction is the normalised slope that must be exceeded; 0 means
	// any slope in the bad direction.
	SlopeFraction float64
	// MinSignificance is the minimum R² of the fit; 0 disables the check.
	MinSignificance float64
	// Directions opts metrics into trend analysis.
	Directions map[string]Direction
}

// DefaultConfig returns the defaults with no metric opted in.
func DefaultConfig() Config {
	return Config{
		Window:          DefaultWindow,
		SlopeFraction:   DefaultSlopeFraction,
		MinSignificance: DefaultMinSignificance,
		Directions:      map[string]Direction{},
	}
}

// Verdict is the analysis of one (component, metric) window.
type Verdict struct {
	Component  string
	Metric     string
	Direction  Direction
	Slope      float64 // change per sample
	Normalized float64 // fitted change across the window / value range
	RSquared   float64
	WindowSize int
	Severity   Severity
}

// Degrading reports whether the verdict should raise an alert.
func (v Verdict) Degrading() bool { return v.Severity == Degrading }

func (v Verdict) String() string {
	return fmt.Sprintf("%s trending %s: slope %.4g/sample over %d samples (normalized %.2f, r2 %.2f)",
		v.Metric, v.Direction, v.Slope, v.WindowSize, v.Normalized, v.RSquared)
}

// Analyzer is immutable after construction and safe for concurrent use.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer validates cfg. A zero Window selects DefaultWindow; the
// other fields are used as given, so a zero SlopeFraction flags any slope
// in the bad direction. Start from DefaultConfig for the usual limits.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Window < 2 {
		return nil, fmt.Errorf("trend window must be at least 2, got %d", cfg.Window)
	}
	if cfg.SlopeFraction < 0 || cfg.MinSignificance < 0 || cfg.MinSignificance > 1 {
		return nil, fmt.Errorf("trend: slope fraction %g / significance %g out of range",
			cfg.SlopeFraction, cfg.MinSignificance)
	}
	dirs := make(map[string]Direction, len(cfg.Directions))
	for name, d := range cfg.Directions {
		if d != Unknown {
			dirs[name] = d
		}
	}
	cfg.Directions = dirs
	return &Analyzer{cfg: cfg}, nil
}

// Window returns the number of values a verdict needs.
func (a *Analyzer) Window() int { return a.cfg.Window }

// Direction returns the configured direction of metric.
func (a *Analyzer) Direction(metric string) Direction {
	return a.cfg.Directions[metric]
}

// Metrics returns the metrics opted into analysis, sorted.
func (a *Analyzer) Metrics() []string {
	names := make([]string, 0, len(a.cfg.Directions))
	for name := range a.cfg.Directions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Analyze judges values (oldest first). Only the last Window values are
// used; with fewer available the verdict is always None.
func (a *Analyzer) Analyze(component, metric string, values []float64) Verdict {
	v := Verdict{
		Component:  component,
		Metric:     metric,
		Direction:  a.cfg.Directions[metric],
		WindowSize: len(values),
	}
	if v.Direction == Unknown || len(values) < a.cfg.Window {
		return v
	}

	values = values[len(values)-a.cfg.Window:]
	v.WindowSize = len(values)

	lo, hi := values[0], values[0]
	for _, y := range values[1:] {
		lo = math.Min(lo, y)
		hi = math.Max(hi, y)
	}
	if hi == lo {
		return v
	}

	v.Slope, v.RSquared = Fit(values)
	v.Normalized = v.Slope * float64(len(values)-1) / (hi - lo)

	bad := v.Normalized
	if v.Direction == Down {
		bad = -bad
	}
	if bad > a.cfg.SlopeFraction && v.RSquared >= a.cfg.MinSignificance {
		v.Severity = Degrading
	}
	return v
}

// Fit returns the least-squares slope of values against their index and the
// coefficient of determination of that fit. Fewer than two values, or
// constant values, give zeros.
func Fit(values []float64) (slope, rSquared float64) {
	n := float64(len(values))
	if n < 2 {
		return 0, 0
	}

	meanX := (n - 1) / 2
	var meanY float64
	for _, y := range values {
		meanY += y
	}
	meanY /= n

	var sxx, sxy, syy float64
	for i, y := range values {
		dx := float64(i) - meanX
		dy := y - meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, 0
	}
	slope = sxy / sxx
	rSquared = (sxy * sxy) / (sxx * syy)
	return slope, rSquared
}
