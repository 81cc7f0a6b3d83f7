package collector

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func constant(values map[string]float64) Collector {
	return Func(func(context.Context) (map[string]float64, error) { return values, nil })
}

func TestGather_IsolatesFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	entries := []Entry{
		{Name: "ok", Collector: constant(map[string]float64{"qps": 10})},
		{Name: "err", Collector: Func(func(context.Context) (map[string]float64, error) {
			return nil, errors.New("connection refused")
		})},
		{Name: "panic", Collector: Func(func(context.Context) (map[string]float64, error) {
			panic("nil map")
		})},
		{Name: "empty", Collector: constant(map[string]float64{})},
		{Name: "nan", Collector: constant(map[string]float64{"x": math.NaN(), "y": math.Inf(1)})},
	}

	results := Gather(context.Background(), entries, Options{MaxConcurrency: 2}, zap.New(core))
	require.Len(t, results, len(entries))

	for i, e := range entries {
		assert.Equal(t, e.Name, results[i].Name, "results keep input order")
	}
	assert.True(t, results[0].OK())
	assert.Equal(t, map[string]float64{"qps": 10}, results[0].Values)

	for _, r := range results[1:] {
		assert.False(t, r.OK(), r.Name)
		var cerr *Error
		require.ErrorAs(t, r.Err, &cerr, r.Name)
		assert.Equal(t, r.Name, cerr.Component)
	}
	assert.ErrorContains(t, results[2].Err, "panicked")
	assert.ErrorIs(t, results[3].Err, ErrNoValues)
	assert.ErrorIs(t, results[4].Err, ErrNoValues)

	assert.Equal(t, 4, logs.FilterMessage("collector failed").Len())
}

func TestGather_DropsNonFiniteValues(t *testing.T) {
	results := Gather(context.Background(), []Entry{
		{Name: "mixed", Collector: constant(map[string]float64{"good": 1, "bad": math.NaN()})},
	}, Options{}, nil)

	require.True(t, results[0].OK())
	assert.Equal(t, map[string]float64{"good": 1}, results[0].Values)
}

func TestGather_DropsInvalidUTF8Names(t *testing.T) {
	results := Gather(context.Background(), []Entry{
		{Name: "mixed", Collector: constant(map[string]float64{"lat\xff": 1, "qps": 2})},
		{Name: "only-bad", Collector: constant(map[string]float64{"\xfe": 1})},
	}, Options{}, nil)

	require.True(t, results[0].OK())
	assert.Equal(t, map[string]float64{"qps": 2}, results[0].Values)
	assert.ErrorIs(t, results[1].Err, ErrNoValues)
}

func TestGather_TimeoutReleasesStuckCollector(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	results := Gather(context.Background(), []Entry{
		{Name: "stuck", Collector: Func(func(context.Context) (map[string]float64, error) {
			<-release
			return map[string]float64{"v": 1}, nil
		})},
		{Name: "fast", Collector: constant(map[string]float64{"v": 1})},
	}, Options{Timeout: 20 * time.Millisecond}, nil)

	assert.Less(t, time.Since(start), time.Second)
	var cerr *Error
	require.ErrorAs(t, results[0].Err, &cerr)
	assert.True(t, cerr.Timeout())
	assert.True(t, results[1].OK())
}

func TestGather_SkipsCollectorWithCallOutstanding(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int64
	reg := NewRegistry()
	_, err := reg.Register("stuck", Func(func(context.Context) (map[string]float64, error) {
		calls.Add(1)
		<-release
		return map[string]float64{"v": 1}, nil
	}))
	require.NoError(t, err)

	opts := Options{MaxConcurrency: 1, Timeout: 10 * time.Millisecond}
	first := Gather(context.Background(), reg.Snapshot(), opts, nil)
	var cerr *Error
	require.ErrorAs(t, first[0].Err, &cerr)
	assert.True(t, cerr.Timeout())

	for range 5 {
		results := Gather(context.Background(), reg.Snapshot(), opts, nil)
		assert.ErrorIs(t, results[0].Err, ErrStillRunning)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestGather_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int64
	slow := Func(func(context.Context) (map[string]float64, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return map[string]float64{"v": 1}, nil
	})

	entries := make([]Entry, 8)
	for i := range entries {
		entries[i] = Entry{Name: string(rune('a' + i)), Collector: slow}
	}
	results := Gather(context.Background(), entries, Options{MaxConcurrency: 3}, nil)

	assert.LessOrEqual(t, peak.Load(), int64(3))
	for _, r := range results {
		assert.True(t, r.OK())
	}
}

func TestGather_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var called atomic.Bool
	results := Gather(ctx, []Entry{{Name: "a", Collector: Func(func(context.Context) (map[string]float64, error) {
		called.Store(true)
		return map[string]float64{"v": 1}, nil
	})}}, Options{}, nil)

	assert.False(t, called.Load())
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestSample(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	values := map[string]float64{"b": 2, "a": 1}
	s := NewSample("engine", ts, values)

	values["a"] = 100
	v, ok := s.Value("a")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = s.Value("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, s.Names())
	points := s.Points()
	require.Len(t, points, 2)
	assert.Equal(t, Point{Name: "a", Value: 1, Timestamp: ts}, points[0])

	c := s.Clone()
	c.Values["a"] = 5
	assert.Equal(t, 1.0, s.Values["a"])
}
