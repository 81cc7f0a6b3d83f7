// Package alert turns threshold violations and trend verdicts into
// deduplicated, severity-tagged alerts and delivers their open/close
// events to registered handlers.
//
// An alert is keyed by (component, metric, reason). While a key has an open
// alert, further signals for it are absorbed silently; the first cycle in
// which a reporting component no longer signals the key closes it.
package alert

import (
	"fmt"
	"strings"
	"time"

	"perfwatch/threshold"
	"perfwatch/trend"
)

// Severity classifies how urgent an alert is.
type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts the names produced by MarshalText.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "info":
		return Info, nil
	case "warning", "warn":
		return Warning, nil
	case "critical", "crit":
		return Critical, nil
	}
	return Info, fmt.Errorf("unknown severity %q", s)
}

// Reason tells what kind of check raised an alert.
type Reason int

const (
	ReasonThreshold Reason = iota + 1
	ReasonTrend
	// ReasonCollector marks the synthetic alert for a collector that keeps failing.
	ReasonCollector
)

func (r Reason) String() string {
	switch r {
	case ReasonThreshold:
		return "threshold"
	case ReasonTrend:
		return "trend"
	case ReasonCollector:
		return "collector"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// MarshalText encodes the reason by name.
func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// CollectorMetric is the metric name used for collector health alerts.
const CollectorMetric = "collector_health"

// Key identifies the condition an alert tracks.
type Key struct {
	Component string
	Metric    string
	Reason    Reason
}

func (k Key) String() string {
	return k.Component + "/" + k.Metric + "/" + k.Reason.String()
}

// Alert is the operator-facing unit of notification.
type Alert struct {
	ID        string     `json:"id"`
	Component string     `json:"component"`
	Metric    string     `json:"metric"`
	Severity  Severity   `json:"severity"`
	Reason    Reason     `json:"reason"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Limit     float64    `json:"limit,omitempty"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Key returns the condition key of the alert.
func (a Alert) Key() Key {
	return Key{Component: a.Component, Metric: a.Metric, Reason: a.Reason}
}

// IsOpen reports whether the alert has not been closed.
func (a Alert) IsOpen() bool { return a.ClosedAt == nil }

// LastActivity is the close time of a closed alert, else its open time.
func (a Alert) LastActivity() time.Time {
	if a.ClosedAt != nil {
		return *a.ClosedAt
	}
	return a.OpenedAt
}

func (a Alert) clone() Alert {
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		a.ClosedAt = &t
	}
	return a
}

// EventKind distinguishes openings from closures.
type EventKind int

const (
	Opened EventKind = iota + 1
	Closed
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is what handlers receive.
type Event struct {
	Kind  EventKind `json:"kind"`
	Alert Alert     `json:"alert"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// Signal reports that a condition holds during the current cycle.
type Signal struct {
	Component string
	Metric    string
	Reason    Reason
	Severity  Severity
	Value     float64
	Limit     float64
	Message   string
}

// Key returns the condition key of the signal.
func (s Signal) Key() Key {
	return Key{Component: s.Component, Metric: s.Metric, Reason: s.Reason}
}

// DefaultCriticalBand is the relative excess at which a threshold
// violation becomes critical.
const DefaultCriticalBand = 0.2

// FromViolation classifies a threshold violation using fixed bands:
// an excess of at least criticalBand is critical, anything less a warning.
func FromViolation(v threshold.Violation, criticalBand float64) Signal {
	sev := Warning
	if v.Excess() >= criticalBand {
		sev = Critical
	}
	return Signal{
		Component: v.Component,
		Metric:    v.Metric,
		Reason:    ReasonThreshold,
		Severity:  sev,
		Value:     v.Observed,
		Limit:     v.Limit,
		Message:   v.String(),
	}
}

// FromVerdict turns a degrading trend verdict into a warning signal.
func FromVerdict(v trend.Verdict) Signal {
	return Signal{
		Component: v.Component,
		Metric:    v.Metric,
		Reason:    ReasonTrend,
		Severity:  Warning,
		Value:     v.Normalized,
		Message:   v.String(),
	}
}

// CollectorUnhealthy is the synthetic warning for a collector that has
// failed failures times in a row.
func CollectorUnhealthy(component string, failures int, lastErr error) Signal {
	msg := fmt.Sprintf("collector failed %d consecutive times", failures)
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	return Signal{
		Component: component,
		Metric:    CollectorMetric,
		Reason:    ReasonCollector,
		Severity:  Warning,
		Value:     float64(failures),
		Message:   msg,
	}
}
