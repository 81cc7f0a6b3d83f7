package alert

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultLogSize       = 1000
	DefaultHandlerBudget = 100 * time.Millisecond
)

// Options configure a Manager. Zero values select the defaults.
type Options struct {
	// LogSize bounds the number of alerts kept for reporting.
	LogSize int
	// HandlerBudget is the handling time above which a handler is logged as slow.
	HandlerBudget time.Duration
	Now           func() time.Time
	NewID         func() string
}

type entry struct {
	alert *Alert
	seen  bool // signalled during the current cycle
}

type registeredHandler struct {
	id      uint64
	handler Handler
}

// Manager owns the open-alert table and the alert log. Submit, EndCycle
// and CloseComponent are driven by the sampler; the read methods and
// handler registration are safe to call from any goroutine.
type Manager struct {
	log  *zap.Logger
	opts Options

	mu   sync.RWMutex
	open map[Key]*entry
	hist []*Alert // oldest first, bounded by LogSize

	hmu      sync.RWMutex
	nextID   uint64
	handlers []registeredHandler
}

// NewManager returns a manager with no handlers.
func NewManager(opts Options, log *zap.Logger) *Manager {
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultLogSize
	}
	if opts.HandlerBudget <= 0 {
		opts.HandlerBudget = DefaultHandlerBudget
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:  log,
		opts: opts,
		open: make(map[Key]*entry),
	}
}

// AddHandler registers h. Handlers are called in registration order.
func (m *Manager) AddHandler(h Handler) HandlerHandle {
	m.hmu.Lock()
	defer m.hmu.Unlock()

	m.nextID++
	m.handlers = append(m.handlers, registeredHandler{id: m.nextID, handler: h})
	return HandlerHandle{id: m.nextID}
}

// RemoveHandler unregisters the handler behind hh. It is idempotent.
func (m *Manager) RemoveHandler(hh HandlerHandle) {
	m.hmu.Lock()
	defer m.hmu.Unlock()

	for i, rh := range m.handlers {
		if rh.id == hh.id {
			m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
			return
		}
	}
}

// Submit records that sig's condition holds in the current cycle. The
// first signal for a key without an open alert opens one and delivers it;
// later signals for the same key are absorbed until the alert closes.
func (m *Manager) Submit(sig Signal) {
	key := sig.Key()

	m.mu.Lock()
	if e, ok := m.open[key]; ok {
		e.seen = true
		m.mu.Unlock()
		return
	}
	a := &Alert{
		ID:        m.opts.NewID(),
		Component: sig.Component,
		Metric:    sig.Metric,
		Severity:  sig.Severity,
		Reason:    sig.Reason,
		Message:   sig.Message,
		Value:     sig.Value,
		Limit:     sig.Limit,
		OpenedAt:  m.opts.Now(),
	}
	m.open[key] = &entry{alert: a, seen: true}
	m.record(a)
	ev := Event{Kind: Opened, Alert: a.clone(), At: a.OpenedAt}
	m.mu.Unlock()

	m.deliver(ev)
}

// EndCycle closes every open alert of a reporting component that was not
// signalled since the previous EndCycle. Components absent from reported
// (for instance because their collector failed) keep their alerts as they
// are. It returns the number of alerts closed.
func (m *Manager) EndCycle(reported []string) int {
	did := make(map[string]bool, len(reported))
	for _, name := range reported {
		did[name] = true
	}

	m.mu.Lock()
	now := m.opts.Now()
	var events []Event
	for key, e := range m.open {
		if !e.seen && did[key.Component] {
			events = append(events, m.closeLocked(key, e, now, "condition cleared"))
			continue
		}
		e.seen = false
	}
	m.mu.Unlock()

	m.deliverAll(events)
	return len(events)
}

// CloseComponent closes every open alert of component, e.g. after its
// collector was unregistered. It returns the number of alerts closed.
func (m *Manager) CloseComponent(component, note string) int {
	m.mu.Lock()
	now := m.opts.Now()
	var events []Event
	for key, e := range m.open {
		if key.Component == component {
			events = append(events, m.closeLocked(key, e, now, note))
		}
	}
	m.mu.Unlock()

	m.deliverAll(events)
	return len(events)
}

func (m *Manager) closeLocked(key Key, e *entry, now time.Time, note string) Event {
	closed := now
	e.alert.ClosedAt = &closed
	delete(m.open, key)
	return Event{Kind: Closed, Alert: e.alert.clone(), At: now, Note: note}
}

func (m *Manager) record(a *Alert) {
	if len(m.hist) >= m.opts.LogSize {
		n := copy(m.hist, m.hist[len(m.hist)-m.opts.LogSize+1:])
		clear(m.hist[n:])
		m.hist = m.hist[:n]
	}
	m.hist = append(m.hist, a)
}

// IsOpen reports whether an alert is open for key.
func (m *Manager) IsOpen(key Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.open[key]
	return ok
}

// Open returns the open alerts, most recently opened first.
func (m *Manager) Open() []Alert {
	m.mu.RLock()
	out := make([]Alert, 0, len(m.open))
	for _, e := range m.open {
		out = append(out, e.alert.clone())
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return out
}

// Log returns the retained alerts, open and closed, most recent activity first.
func (m *Manager) Log() []Alert {
	m.mu.RLock()
	out := make([]Alert, len(m.hist))
	for i, a := range m.hist {
		out[i] = a.clone()
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return out
}

// Recent returns every open alert plus the retained alerts opened or
// closed within d of now, most recent activity first.
func (m *Manager) Recent(d time.Duration) []Alert {
	m.mu.RLock()
	cutoff := m.opts.Now().Add(-d)
	seen := make(map[string]bool, len(m.open))
	var out []Alert
	for _, e := range m.open {
		seen[e.alert.ID] = true
		out = append(out, e.alert.clone())
	}
	for _, a := range m.hist {
		if seen[a.ID] || a.LastActivity().Before(cutoff) {
			continue
		}
		out = append(out, a.clone())
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return out
}

func sortNewestFirst(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ti, tj := alerts[i].LastActivity(), alerts[j].LastActivity()
		if ti.Equal(tj) {
			return alerts[i].Key().String() < alerts[j].Key().String()
		}
		return ti.After(tj)
	})
}

func (m *Manager) deliverAll(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Alert.Key().String() < events[j].Alert.Key().String()
	})
	for _, ev := range events {
		m.deliver(ev)
	}
}

// deliver calls every handler in registration order. The state lock is not
// held, so a slow handler never blocks readers.
func (m *Manager) deliver(ev Event) {
	m.hmu.RLock()
	handlers := make([]registeredHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.hmu.RUnlock()

	for i, rh := range handlers {
		start := time.Now()
		err := call(rh.handler, ev)
		elapsed := time.Since(start)

		if err != nil {
			herr := &HandlerError{Position: i, Event: ev.Kind, Err: err}
			m.log.Error("alert handler failed",
				zap.String("alert_id", ev.Alert.ID),
				zap.Stringer("key", ev.Alert.Key()),
				zap.Error(herr))
		}
		if elapsed > m.opts.HandlerBudget {
			m.log.Warn("slow alert handler",
				zap.Int("position", i),
				zap.Duration("elapsed", elapsed),
				zap.Duration("budget", m.opts.HandlerBudget))
		}
	}
}
