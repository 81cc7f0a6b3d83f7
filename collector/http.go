package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"perfwatch/logger"
)

const defaultUserAgent = "perfwatch/0.1"

// PrometheusCollector implements Collector.
// It issues a standard Prometheus HTTP API instant query (`/api/v1/query`)
// per configured metric and reports the first sample of each result.
type PrometheusCollector struct {
	BaseURL   string            // e.g. "http://localhost:9090"
	Queries   map[string]string // metric name -> PromQL expression
	HTTP      *http.Client      // injected for testability (may be nil -> default client)
	Log       *zap.Logger
	UserAgent string
}

// prometheusAPIResponse is the minimal subset of the JSON returned by /api/v1/query.
type prometheusAPIResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string             `json:"resultType"` // "vector" or "scalar"
		Result     []prometheusSeries `json:"result"`
	} `json:"data"`
}

// prometheusSeries represents a single series of an instant vector.
type prometheusSeries struct {
	Metric map[string]string `json:"metric"`
	Value  []interface{}     `json:"value"` // [ <timestamp>, "<value>" ]
}

// NewPrometheusCollector returns a ready-to-use collector.
func NewPrometheusCollector(baseURL string, queries map[string]string, log *zap.Logger) *PrometheusCollector {
	return &PrometheusCollector{
		BaseURL:   baseURL,
		Queries:   queries,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
		Log:       log,
		UserAgent: defaultUserAgent,
	}
}

// Collect implements the Collector interface. A failing query fails the
// whole collection so that a partially answered scrape never looks healthy.
func (p *PrometheusCollector) Collect(ctx context.Context) (map[string]float64, error) {
	metrics := make(map[string]float64, len(p.Queries))
	for name, query := range p.Queries {
		val, err := p.query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		metrics[name] = val
	}
	if len(metrics) == 0 {
		return nil, ErrNoValues
	}
	return metrics, nil
}

func (p *PrometheusCollector) query(ctx context.Context, query string) (float64, error) {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid prometheus base url: %w", err)
	}
	u.Path = "/api/v1/query"
	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	resp, err := client(p.HTTP).Do(req)
	if err != nil {
		return 0, fmt.Errorf("prometheus request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("prometheus returned %d: %s", resp.StatusCode, string(b))
	}

	var apiResp prometheusAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return 0, fmt.Errorf("failed to decode prometheus response: %w", err)
	}
	if apiResp.Status != "success" {
		return 0, fmt.Errorf("prometheus query not successful: %s", apiResp.Status)
	}
	if len(apiResp.Data.Result) == 0 || len(apiResp.Data.Result[0].Value) < 2 {
		return 0, fmt.Errorf("prometheus query returned no results")
	}

	// Value[0] is the timestamp (float seconds), Value[1] the string value.
	valStr, ok := apiResp.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected value type in prometheus response")
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse prometheus value %q: %w", valStr, err)
	}
	logger.FromContext(ctx, p.Log).Debug("prometheus query answered",
		zap.String("query", query), zap.Float64("value", val))
	return val, nil
}

// ModelAPICollector calls a REST endpoint exposed by a model serving
// system that returns a flat JSON object of metric name -> value.
// Example response:
//
//	{
//	  "latency_ms": 12.3,
//	  "error_rate": 0.02,
//	  "confidence_histogram": {"0.0-0.5": 120, "0.5-1.0": 80}
//	}
//
// Only top-level numeric fields (or numeric strings) are kept.
type ModelAPICollector struct {
	BaseURL   string
	HTTP      *http.Client
	Log       *zap.Logger
	UserAgent string
}

// NewModelAPICollector creates a collector instance.
func NewModelAPICollector(baseURL string, log *zap.Logger) *ModelAPICollector {
	return &ModelAPICollector{
		BaseURL:   baseURL,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
		Log:       log,
		UserAgent: defaultUserAgent,
	}
}

// Collect fetches the JSON payload and extracts numeric fields.
func (m *ModelAPICollector) Collect(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	if m.UserAgent != "" {
		req.Header.Set("User-Agent", m.UserAgent)
	}
	resp, err := client(m.HTTP).Do(req)
	if err != nil {
		return nil, fmt.Errorf("model API request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model API returned %d: %s", resp.StatusCode, string(b))
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode model API JSON: %w", err)
	}

	log := logger.FromContext(ctx, m.Log)
	metrics := make(map[string]float64)
	for k, v := range raw {
		switch num := v.(type) {
		case float64:
			metrics[k] = num
		case string:
			if f, err := strconv.ParseFloat(num, 64); err == nil {
				metrics[k] = f
			}
		default:
			log.Debug("skipping non-numeric model metric", zap.String("key", k))
		}
	}
	if len(metrics) == 0 {
		return nil, ErrNoValues
	}
	return metrics, nil
}

func client(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}
