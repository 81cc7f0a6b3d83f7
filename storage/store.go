package storage

import (
	"context"
	"time"

	"perfwatch/alert"
)

// AlertRecord is a single persisted alert event row.
type AlertRecord struct {
	ID        int64     `json:"-"`         // auto-increment primary key (mostly for internal use)
	At        time.Time `json:"at"`        // when the event happened
	Event     string    `json:"event"`     // "opened" or "closed"
	AlertID   string    `json:"alert_id"`  // uuid shared by the opened and closed rows
	Component string    `json:"component"` // e.g. "engine"
	Metric    string    `json:"metric"`    // e.g. "latency_ms"
	Reason    string    `json:"reason"`    // threshold|trend|collector
	Severity  string    `json:"severity"`  // info|warning|critical
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Note      string    `json:"note,omitempty"`
}

// Store abstracts a persistence back-end for alert events. Metric samples
// are never persisted.
type Store interface {
	// Append writes one event. Opened and closed events of the same alert
	// become two rows.
	Append(ctx context.Context, ev alert.Event) error

	// Query returns records for a given component between the time range.
	// If component is empty the call returns records for *all* components.
	// The returned slice is sorted by At ascending.
	Query(ctx context.Context, component string, from, to time.Time) ([]AlertRecord, error)

	// Close releases any resources (e.g. DB connections).
	Close() error
}
