package threshold

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/collector"
)

func sample(values map[string]float64) collector.Sample {
	return collector.NewSample("engine", time.Unix(0, 0), values)
}

func TestEvaluate_BoundariesAreStrict(t *testing.T) {
	cfg := Config{
		"latency_ms": Max(500),
		"throughput": Min(10),
		"temp":       Between(0, 80),
	}

	cases := []struct {
		name   string
		values map[string]float64
		want   []Kind
	}{
		{"exactly at max", map[string]float64{"latency_ms": 500}, nil},
		{"exactly at min", map[string]float64{"throughput": 10}, nil},
		{"exactly at both ends", map[string]float64{"temp": 80}, nil},
		{"exactly at lower end", map[string]float64{"temp": 0}, nil},
		{"just above max", map[string]float64{"latency_ms": 500.0001}, []Kind{AboveMax}},
		{"just below min", map[string]float64{"throughput": 9.9999}, []Kind{BelowMin}},
		{"range below", map[string]float64{"temp": -1}, []Kind{BelowMin}},
		{"range above", map[string]float64{"temp": 81}, []Kind{AboveMax}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(sample(tc.values), cfg)
			var kinds []Kind
			for _, v := range got {
				kinds = append(kinds, v.Kind)
			}
			assert.Equal(t, tc.want, kinds)
		})
	}
}

func TestEvaluate_IgnoresUnconfiguredMetrics(t *testing.T) {
	got := Evaluate(sample(map[string]float64{"gpu_util": 1e9}), Config{"latency_ms": Max(1)})
	assert.Empty(t, got)

	assert.Empty(t, Evaluate(sample(map[string]float64{"latency_ms": 1e9}), nil))
}

func TestEvaluate_ReportsFields(t *testing.T) {
	got := Evaluate(sample(map[string]float64{"b": 20, "a": -5}), Config{
		"a": Min(0),
		"b": Max(10),
	})
	want := []Violation{
		{Component: "engine", Metric: "a", Observed: -5, Limit: 0, Kind: BelowMin},
		{Component: "engine", Metric: "b", Observed: 20, Limit: 10, Kind: AboveMax},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Evaluate mismatch (-want +got):\n%s", diff)
	}
}

func TestViolation_Excess(t *testing.T) {
	assert.InDelta(t, 0.04, Violation{Observed: 520, Limit: 500}.Excess(), 1e-9)
	assert.InDelta(t, 0.5, Violation{Observed: 5, Limit: 10, Kind: BelowMin}.Excess(), 1e-9)
	assert.InDelta(t, 3, Violation{Observed: -3, Limit: 0, Kind: BelowMin}.Excess(), 1e-9)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, Config{"a": Between(1, 2)}.Validate())
	assert.Error(t, Config{"a": Between(3, 2)}.Validate())
	assert.Error(t, Config{"a": Max(math.Inf(1))}.Validate())
	assert.Error(t, Config{"a": Min(math.NaN())}.Validate())
}

func TestHolder_ReplacesWholeConfig(t *testing.T) {
	original := Config{"latency_ms": Max(500), "throughput": Min(1)}
	h := NewHolder(original)

	// Mutating the caller's copy after Store must not leak in.
	*original["latency_ms"].Max = 1
	assert.Equal(t, 500.0, *h.Load()["latency_ms"].Max)

	h.Store(Config{"latency_ms": Max(200)})
	got := h.Load()
	assert.Equal(t, []string{"latency_ms"}, got.Metrics())
	assert.Equal(t, 200.0, *got["latency_ms"].Max)
}

func TestHolder_ConcurrentSwap(t *testing.T) {
	h := NewHolder(Config{"m": Max(1)})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Store(Config{"m": Max(float64(i*100 + j))})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cfg := h.Load()
				assert.Len(t, cfg, 1)
			}
		}()
	}
	wg.Wait()
}
