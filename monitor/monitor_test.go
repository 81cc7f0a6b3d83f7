package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"perfwatch/alert"
	"perfwatch/collector"
	"perfwatch/config"
	"perfwatch/sampler"
	"perfwatch/threshold"
	"perfwatch/trend"
)

type events struct {
	mu  sync.Mutex
	all []alert.Event
}

func (e *events) Handle(ev alert.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
	return nil
}

func (e *events) kinds() []alert.EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]alert.EventKind, len(e.all))
	for i, ev := range e.all {
		out[i] = ev.Kind
	}
	return out
}

func values(metric string, vs ...float64) collector.Collector {
	var i atomic.Int64
	return collector.Func(func(context.Context) (map[string]float64, error) {
		n := int(i.Add(1)) - 1
		if n >= len(vs) {
			n = len(vs) - 1
		}
		return map[string]float64{metric: vs[n]}, nil
	})
}

func TestMonitor_LatencyAlertLifecycle(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := New(Options{
		Thresholds: threshold.Config{"latency_ms": threshold.Max(500)},
		Now:        func() time.Time { return clock },
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := &events{}
	m.AddHandler(rec)
	_, err = m.RegisterCollector("engine", values("latency_ms", 450, 520, 530, 480))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		m.RunCycle(context.Background())
		clock = clock.Add(time.Second)
	}
	assert.Equal(t, []alert.EventKind{alert.Opened, alert.Closed}, rec.kinds())

	opened := rec.all[0].Alert
	assert.Equal(t, alert.Warning, opened.Severity)
	assert.Equal(t, alert.ReasonThreshold, opened.Reason)
	assert.Equal(t, 520.0, opened.Value)

	summary := m.Reporter().Summary()
	assert.Equal(t, 1, summary.TotalComponents)
	assert.Zero(t, summary.OpenAlertCount)
	assert.Len(t, m.Reporter().RecentAlerts(time.Hour), 1)
	assert.Equal(t, 480.0, m.Reporter().CurrentMetrics()["engine"].Values["latency_ms"])
}

func TestMonitor_DuplicateRegistration(t *testing.T) {
	m, err := New(Options{}, nil)
	require.NoError(t, err)

	first := values("qps", 1)
	_, err = m.RegisterCollector("engine", first)
	require.NoError(t, err)

	_, err = m.RegisterCollector("engine", values("qps", 2))
	assert.ErrorIs(t, err, collector.ErrDuplicateName)
	assert.Equal(t, []string{"engine"}, m.Collectors())

	m.RunCycle(context.Background())
	assert.Equal(t, 1.0, m.Reporter().CurrentMetrics()["engine"].Values["qps"])
}

func TestMonitor_UnregisterAndReRegister(t *testing.T) {
	m, err := New(Options{}, nil)
	require.NoError(t, err)

	h, err := m.RegisterCollector("engine", values("qps", 1))
	require.NoError(t, err)
	m.UnregisterCollector(h)
	m.UnregisterCollector(h)
	assert.Empty(t, m.Collectors())

	_, err = m.RegisterCollector("engine", values("qps", 2))
	require.NoError(t, err)

	// The stale handle does not remove the new registration.
	m.UnregisterCollector(h)
	assert.Equal(t, []string{"engine"}, m.Collectors())
}

func TestMonitor_SetThresholdsReplacesWholeConfig(t *testing.T) {
	m, err := New(Options{Thresholds: threshold.Config{
		"latency_ms": threshold.Max(500),
		"error_rate": threshold.Max(0.05),
	}}, nil)
	require.NoError(t, err)

	require.NoError(t, m.SetThresholds(threshold.Config{"latency_ms": threshold.Max(300)}))
	got := m.Thresholds()
	assert.NotContains(t, got, "error_rate")
	assert.Equal(t, 300.0, *got["latency_ms"].Max)

	assert.Error(t, m.SetThresholds(threshold.Config{"x": threshold.Between(5, 1)}))
	assert.Contains(t, m.Thresholds(), "latency_ms")

	// Callers get copies.
	got["latency_ms"] = threshold.Max(1)
	assert.Equal(t, 300.0, *m.Thresholds()["latency_ms"].Max)
}

func TestMonitor_StartStop(t *testing.T) {
	m, err := New(Options{}, nil)
	require.NoError(t, err)
	_, err = m.RegisterCollector("engine", values("qps", 1))
	require.NoError(t, err)

	require.NoError(t, m.Start(5*time.Millisecond))
	assert.ErrorIs(t, m.Start(5*time.Millisecond), sampler.ErrAlreadyRunning)
	assert.Equal(t, sampler.Running, m.State())

	require.Eventually(t, func() bool {
		return m.Reporter().Summary().TotalComponents == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), sampler.ErrNotRunning)
}

type closer struct {
	closed bool
	err    error
}

func (c *closer) Close() error {
	c.closed = true
	return c.err
}

func TestMonitor_CloseAggregatesErrors(t *testing.T) {
	m, err := New(Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(time.Hour))

	ok, bad := &closer{}, &closer{err: errors.New("disk gone")}
	err = m.Close(ok, bad)
	assert.ErrorContains(t, err, "disk gone")
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
	assert.Equal(t, sampler.Stopped, m.State())

	// Closing a stopped monitor is fine.
	assert.NoError(t, m.Close())
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	_, err := New(Options{Thresholds: threshold.Config{"x": threshold.Between(2, 1)}}, nil)
	assert.Error(t, err)

	_, err = New(Options{Trend: trend.Config{Window: 1}}, nil)
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		HistoryCapacity:  50,
		FailureThreshold: 4,
		MaxConcurrency:   2,
		StopTimeout:      time.Second,
		CriticalBand:     0.5,
		AlertLogSize:     10,
		HandlerBudget:    time.Millisecond,
		Thresholds:       threshold.Config{"latency_ms": threshold.Max(500)},
		Trend: config.Trend{
			Window:     4,
			Directions: map[string]string{"latency_ms": "up"},
		},
	}
	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, 50, opts.HistoryCapacity)
	assert.Equal(t, 4, opts.Sampler.FailureThreshold)
	assert.Equal(t, 2, opts.Sampler.MaxConcurrency)
	assert.Equal(t, 0.5, opts.Sampler.CriticalBand)
	assert.Equal(t, 10, opts.Alerts.LogSize)
	assert.Equal(t, trend.Up, opts.Trend.Directions["latency_ms"])

	// The options own their thresholds.
	cfg.Thresholds["latency_ms"] = threshold.Max(1)
	assert.Equal(t, 500.0, *opts.Thresholds["latency_ms"].Max)

	cfg.Trend.Directions["x"] = "sideways"
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}
