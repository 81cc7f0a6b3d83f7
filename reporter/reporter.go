// Package reporter exposes read-only views over the monitoring state.
package reporter

import (
	"sort"
	"time"

	"perfwatch/alert"
	"perfwatch/collector"
)

// StaleFactor is the number of sampling intervals after which a component
// without a fresh sample is considered stale.
const StaleFactor = 2

// Samples is the history view the reporter reads.
type Samples interface {
	LatestAll() map[string]collector.Sample
}

// Alerts is the alert view the reporter reads.
type Alerts interface {
	Open() []alert.Alert
	Recent(d time.Duration) []alert.Alert
}

// Summary is a point-in-time digest of the monitored system.
type Summary struct {
	TotalComponents      int                      `json:"total_components"`
	OpenAlertCount       int                      `json:"open_alert_count"`
	AlertsBySeverity     map[alert.Severity]int   `json:"alerts_by_severity"`
	ComponentAges        map[string]time.Duration `json:"component_ages"`
	OldestStaleComponent string                   `json:"oldest_stale_component,omitempty"`
	GeneratedAt          time.Time                `json:"generated_at"`
}

// Reporter answers operator queries. It never blocks sampling for longer
// than a history or alert snapshot takes.
type Reporter struct {
	samples  Samples
	alerts   Alerts
	interval func() time.Duration
	now      func() time.Time
}

// New returns a Reporter. interval reports the current sampling interval
// and is used for staleness; now defaults to time.Now.
func New(samples Samples, alerts Alerts, interval func() time.Duration, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	if interval == nil {
		interval = func() time.Duration { return 0 }
	}
	return &Reporter{samples: samples, alerts: alerts, interval: interval, now: now}
}

// CurrentMetrics returns the most recent sample of every component.
func (r *Reporter) CurrentMetrics() map[string]collector.Sample {
	return r.samples.LatestAll()
}

// RecentAlerts returns open alerts plus alerts opened or closed within d,
// most recent activity first.
func (r *Reporter) RecentAlerts(d time.Duration) []alert.Alert {
	return r.alerts.Recent(d)
}

// Summary builds a digest as of now.
func (r *Reporter) Summary() Summary {
	now := r.now()
	latest := r.samples.LatestAll()
	open := r.alerts.Open()

	s := Summary{
		TotalComponents:  len(latest),
		OpenAlertCount:   len(open),
		AlertsBySeverity: make(map[alert.Severity]int),
		ComponentAges:    make(map[string]time.Duration, len(latest)),
		GeneratedAt:      now,
	}
	for _, a := range open {
		s.AlertsBySeverity[a.Severity]++
	}

	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	sort.Strings(names)

	staleAfter := StaleFactor * r.interval()
	var oldest time.Duration
	for _, name := range names {
		age := now.Sub(latest[name].Timestamp)
		if age < 0 {
			age = 0
		}
		s.ComponentAges[name] = age
		if staleAfter > 0 && age > staleAfter && age > oldest {
			oldest = age
			s.OldestStaleComponent = name
		}
	}
	return s
}
