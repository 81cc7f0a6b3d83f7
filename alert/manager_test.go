package alert

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"perfwatch/threshold"
	"perfwatch/trend"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *recorder, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	seq := 0
	m := NewManager(Options{
		Now: clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("alert-%d", seq)
		},
	}, zap.NewNop())
	rec := &recorder{}
	m.AddHandler(rec)
	return m, rec, clock
}

func latencySignal(value float64) Signal {
	return FromViolation(threshold.Violation{
		Component: "engine",
		Metric:    "latency_ms",
		Observed:  value,
		Limit:     500,
		Kind:      threshold.AboveMax,
	}, DefaultCriticalBand)
}

func TestManager_PersistingConditionOpensOnce(t *testing.T) {
	m, rec, clock := newTestManager(t)

	const cycles = 25
	for i := 0; i < cycles; i++ {
		m.Submit(latencySignal(600))
		m.EndCycle([]string{"engine"})
		clock.Advance(time.Second)
	}

	assert.Equal(t, []EventKind{Opened}, rec.kinds())
	require.Len(t, m.Open(), 1)
	assert.Len(t, m.Log(), 1)
}

func TestManager_ClosesExactlyOnceWhenConditionStops(t *testing.T) {
	m, rec, clock := newTestManager(t)

	m.Submit(latencySignal(600))
	m.EndCycle([]string{"engine"})
	clock.Advance(time.Second)

	// Condition gone: the next cycle closes it.
	assert.Equal(t, 1, m.EndCycle([]string{"engine"}))
	for i := 0; i < 5; i++ {
		assert.Zero(t, m.EndCycle([]string{"engine"}))
	}

	assert.Equal(t, []EventKind{Opened, Closed}, rec.kinds())
	assert.Empty(t, m.Open())

	closed := rec.events[1]
	require.NotNil(t, closed.Alert.ClosedAt)
	assert.Equal(t, clock.Now(), *closed.Alert.ClosedAt)
	assert.Equal(t, rec.events[0].Alert.ID, closed.Alert.ID)
}

func TestManager_ReopensAfterClosure(t *testing.T) {
	m, rec, _ := newTestManager(t)

	m.Submit(latencySignal(600))
	m.EndCycle([]string{"engine"})
	m.EndCycle([]string{"engine"})
	m.Submit(latencySignal(610))
	m.EndCycle([]string{"engine"})

	assert.Equal(t, []EventKind{Opened, Closed, Opened}, rec.kinds())
	assert.NotEqual(t, rec.events[0].Alert.ID, rec.events[2].Alert.ID)
}

func TestManager_SilentComponentKeepsAlertsOpen(t *testing.T) {
	m, rec, _ := newTestManager(t)

	m.Submit(latencySignal(600))
	m.EndCycle([]string{"engine"})

	// engine's collector failed this cycle: nothing reported, nothing closes.
	m.EndCycle([]string{"other"})
	m.EndCycle(nil)

	assert.Equal(t, []EventKind{Opened}, rec.kinds())
	assert.True(t, m.IsOpen(Key{Component: "engine", Metric: "latency_ms", Reason: ReasonThreshold}))
}

func TestManager_ReasonsAreIndependentKeys(t *testing.T) {
	m, rec, _ := newTestManager(t)

	m.Submit(latencySignal(600))
	m.Submit(FromVerdict(trend.Verdict{
		Component: "engine", Metric: "latency_ms", Direction: trend.Up, Severity: trend.Degrading,
	}))
	m.EndCycle([]string{"engine"})

	// Only the trend persists.
	m.Submit(FromVerdict(trend.Verdict{Component: "engine", Metric: "latency_ms"}))
	m.EndCycle([]string{"engine"})

	assert.Equal(t, []EventKind{Opened, Opened, Closed}, rec.kinds())
	open := m.Open()
	require.Len(t, open, 1)
	assert.Equal(t, ReasonTrend, open[0].Reason)
	assert.Equal(t, Warning, open[0].Severity)
}

func TestManager_CloseComponent(t *testing.T) {
	m, rec, _ := newTestManager(t)
	m.Submit(latencySignal(600))
	m.Submit(CollectorUnhealthy("engine", 3, errors.New("boom")))
	m.Submit(CollectorUnhealthy("other", 3, nil))

	assert.Equal(t, 2, m.CloseComponent("engine", "component unregistered"))
	assert.Equal(t, []EventKind{Opened, Opened, Opened, Closed, Closed}, rec.kinds())
	assert.Equal(t, "component unregistered", rec.events[4].Note)
	require.Len(t, m.Open(), 1)
	assert.Equal(t, "other", m.Open()[0].Component)
}

func TestManager_HandlerIsolation(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	m := NewManager(Options{}, zap.New(core))

	var order []string
	m.AddHandler(HandlerFunc(func(Event) error {
		order = append(order, "first")
		return errors.New("sink down")
	}))
	m.AddHandler(HandlerFunc(func(Event) error {
		order = append(order, "second")
		panic("bad handler")
	}))
	m.AddHandler(HandlerFunc(func(Event) error {
		order = append(order, "third")
		return nil
	}))

	require.NotPanics(t, func() { m.Submit(latencySignal(600)) })
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Len(t, m.Open(), 1)

	entries := logs.FilterMessage("alert handler failed").All()
	require.Len(t, entries, 2)
	var herr *HandlerError
	for _, f := range entries[0].Context {
		if err, ok := f.Interface.(error); ok && f.Key == "error" {
			require.ErrorAs(t, err, &herr)
		}
	}
	require.NotNil(t, herr)
	assert.Equal(t, 0, herr.Position)
	assert.Equal(t, Opened, herr.Event)
}

func TestManager_RemoveHandler(t *testing.T) {
	m := NewManager(Options{}, nil)
	a, b := &recorder{}, &recorder{}
	ha := m.AddHandler(a)
	m.AddHandler(b)

	m.RemoveHandler(ha)
	m.RemoveHandler(ha)
	m.Submit(latencySignal(600))

	assert.Empty(t, a.kinds())
	assert.Equal(t, []EventKind{Opened}, b.kinds())
}

func TestManager_LogIsBounded(t *testing.T) {
	m := NewManager(Options{LogSize: 3}, nil)
	for i := 0; i < 10; i++ {
		m.Submit(Signal{Component: fmt.Sprintf("c%d", i), Metric: "m", Reason: ReasonThreshold})
	}
	log := m.Log()
	require.Len(t, log, 3)
	assert.Len(t, m.Open(), 10)
}

func TestFromViolation_SeverityBands(t *testing.T) {
	assert.Equal(t, Warning, latencySignal(520).Severity)
	assert.Equal(t, Warning, latencySignal(599).Severity)
	assert.Equal(t, Critical, latencySignal(600).Severity)
	assert.Equal(t, Critical, latencySignal(5000).Severity)

	sig := latencySignal(520)
	assert.Equal(t, "latency_ms=520 above max 500", sig.Message)
	assert.Equal(t, 500.0, sig.Limit)
}

func TestCollectorUnhealthy(t *testing.T) {
	sig := CollectorUnhealthy("engine", 3, errors.New("connection refused"))
	assert.Equal(t, ReasonCollector, sig.Reason)
	assert.Equal(t, Warning, sig.Severity)
	assert.Equal(t, CollectorMetric, sig.Metric)
	assert.Contains(t, sig.Message, "3 consecutive")
	assert.Contains(t, sig.Message, "connection refused")
}

func TestManager_Recent(t *testing.T) {
	m, _, clock := newTestManager(t)

	// Opened and closed long ago.
	m.Submit(Signal{Component: "old", Metric: "m", Reason: ReasonThreshold})
	m.EndCycle([]string{"old"})
	m.EndCycle([]string{"old"})
	clock.Advance(2 * time.Hour)

	// Still open, but opened long ago.
	m.Submit(Signal{Component: "stuck", Metric: "m", Reason: ReasonThreshold})
	clock.Advance(2 * time.Hour)

	m.Submit(Signal{Component: "fresh", Metric: "m", Reason: ReasonThreshold})
	clock.Advance(time.Minute)

	recent := m.Recent(time.Hour)
	require.Len(t, recent, 2)
	assert.Equal(t, "fresh", recent[0].Component)
	assert.Equal(t, "stuck", recent[1].Component)

	assert.Len(t, m.Recent(24*time.Hour), 3)
}
