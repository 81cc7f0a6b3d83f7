package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"perfwatch/threshold"
	"perfwatch/trend"
)

// Config holds every configurable value for the watcher.
type Config struct {
	// Sampling
	Interval         time.Duration `mapstructure:"interval"`
	HistoryCapacity  int           `mapstructure:"history_capacity"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	CollectorTimeout time.Duration `mapstructure:"collector_timeout"` // 0 means Interval
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`

	// Alerting
	Thresholds    threshold.Config `mapstructure:"thresholds"`
	Trend         Trend            `mapstructure:"trend"`
	CriticalBand  float64          `mapstructure:"critical_band"`
	AlertLogSize  int              `mapstructure:"alert_log_size"`
	HandlerBudget time.Duration    `mapstructure:"handler_budget"`

	Collectors Collectors `mapstructure:"collectors"`

	// Persistence
	DBPath string `mapstructure:"db_path"` // alert journal, e.g. "./data/alerts.db"; empty disables it

	// Server
	ListenAddr string `mapstructure:"listen_addr"`
	Log        Log    `mapstructure:"log"`
}

// Trend configures degradation detection. Directions maps a metric to
// "up" or "down", the direction in which it gets worse.
type Trend struct {
	Window          int               `mapstructure:"window"`
	SlopeFraction   float64           `mapstructure:"slope_fraction"`
	MinSignificance float64           `mapstructure:"min_significance"`
	Directions      map[string]string `mapstructure:"directions"`
}

type Log struct {
	Level string `mapstructure:"level"` // debug|info|warn|error
	File  string `mapstructure:"file"`  // rotated with lumberjack when set
}

// Collectors lists the collectors to register at startup.
type Collectors struct {
	Prometheus []PrometheusSource `mapstructure:"prometheus"`
	ModelAPI   []ModelAPISource   `mapstructure:"model_api"`
	Host       []HostSource       `mapstructure:"host"`
}

type PrometheusSource struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`     // e.g. http://prometheus:9090
	Queries map[string]string `mapstructure:"queries"` // metric name -> PromQL
}

type ModelAPISource struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type HostSource struct {
	Name     string `mapstructure:"name"`
	DiskPath string `mapstructure:"disk_path"`
}

// Names returns every configured collector name in declaration order.
func (c Collectors) Names() []string {
	var names []string
	for _, p := range c.Prometheus {
		names = append(names, p.Name)
	}
	for _, m := range c.ModelAPI {
		names = append(names, m.Name)
	}
	for _, h := range c.Host {
		names = append(names, h.Name)
	}
	return names
}

// TrendConfig converts the trend section for the analyzer.
func (c *Config) TrendConfig() (trend.Config, error) {
	out := trend.Config{
		Window:          c.Trend.Window,
		SlopeFraction:   c.Trend.SlopeFraction,
		MinSignificance: c.Trend.MinSignificance,
		Directions:      make(map[string]trend.Direction, len(c.Trend.Directions)),
	}
	for metric, s := range c.Trend.Directions {
		d, err := trend.ParseDirection(s)
		if err != nil {
			return trend.Config{}, fmt.Errorf("trend.directions.%s: %w", metric, err)
		}
		out.Directions[metric] = d
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", time.Second)
	v.SetDefault("history_capacity", 500)
	v.SetDefault("failure_threshold", 3)
	v.SetDefault("max_concurrency", 8)
	v.SetDefault("collector_timeout", time.Duration(0))
	v.SetDefault("stop_timeout", 5*time.Second)
	v.SetDefault("critical_band", 0.2)
	v.SetDefault("alert_log_size", 1000)
	v.SetDefault("handler_budget", 100*time.Millisecond)
	v.SetDefault("trend.window", trend.DefaultWindow)
	v.SetDefault("trend.slope_fraction", trend.DefaultSlopeFraction)
	v.SetDefault("trend.min_significance", trend.DefaultMinSignificance)
	v.SetDefault("db_path", "")
	v.SetDefault("listen_addr", ":9102")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// PERFWATCH_INTERVAL, PERFWATCH_LOG_LEVEL, ...
	v.SetEnvPrefix("perfwatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
	}
	return v
}

// Load reads configuration from (in decreasing priority):
//  1. environment variables prefixed with PERFWATCH_
//  2. the yaml file at path, or ./configs/config.yaml if path is empty
//     and that file exists
//  3. built-in defaults
//
// It returns a fully populated, validated *Config or an error.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}
	return decode(v)
}

// Watch loads the file at path and calls fn with a freshly validated
// Config every time the file changes. Invalid revisions are logged and
// skipped; fn only ever sees valid configs. Only thresholds are applied
// live, so changes to any other key are logged as needing a restart.
// The initial config is returned.
func Watch(path string, log *zap.Logger, fn func(*Config)) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: watch needs an explicit file path")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			log.Error("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if keys := cfg.RestartKeys(next); len(keys) > 0 {
			log.Warn("config changes need a restart to take effect",
				zap.String("file", e.Name), zap.Strings("keys", keys))
		}
		log.Info("config reloaded", zap.String("file", e.Name), zap.String("applied", "thresholds"))
		fn(next)
	})
	v.WatchConfig()
	return cfg, nil
}

// RestartKeys returns the top-level keys, other than thresholds, whose
// values differ in next. They only take effect on a restart.
func (c *Config) RestartKeys(next *Config) []string {
	sections := []struct {
		key  string
		a, b any
	}{
		{"interval", c.Interval, next.Interval},
		{"history_capacity", c.HistoryCapacity, next.HistoryCapacity},
		{"failure_threshold", c.FailureThreshold, next.FailureThreshold},
		{"max_concurrency", c.MaxConcurrency, next.MaxConcurrency},
		{"collector_timeout", c.CollectorTimeout, next.CollectorTimeout},
		{"stop_timeout", c.StopTimeout, next.StopTimeout},
		{"trend", c.Trend, next.Trend},
		{"critical_band", c.CriticalBand, next.CriticalBand},
		{"alert_log_size", c.AlertLogSize, next.AlertLogSize},
		{"handler_budget", c.HandlerBudget, next.HandlerBudget},
		{"collectors", c.Collectors, next.Collectors},
		{"db_path", c.DBPath, next.DBPath},
		{"listen_addr", c.ListenAddr, next.ListenAddr},
		{"log", c.Log, next.Log},
	}
	var keys []string
	for _, s := range sections {
		if !cmp.Equal(s.a, s.b, cmpopts.EquateEmpty()) {
			keys = append(keys, s.key)
		}
	}
	return keys
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	case c.HistoryCapacity <= 0:
		return fmt.Errorf("history_capacity must be positive, got %d", c.HistoryCapacity)
	case c.FailureThreshold <= 0:
		return fmt.Errorf("failure_threshold must be positive, got %d", c.FailureThreshold)
	case c.MaxConcurrency <= 0:
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	case c.CollectorTimeout < 0:
		return fmt.Errorf("collector_timeout must not be negative, got %s", c.CollectorTimeout)
	case c.CriticalBand <= 0:
		return fmt.Errorf("critical_band must be positive, got %g", c.CriticalBand)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	tc, err := c.TrendConfig()
	if err != nil {
		return err
	}
	if _, err := trend.NewAnalyzer(tc); err != nil {
		return fmt.Errorf("trend: %w", err)
	}

	seen := make(map[string]bool)
	for _, name := range c.Collectors.Names() {
		if strings.TrimSpace(name) == "" {
			return errors.New("collectors: every collector needs a name")
		}
		if seen[name] {
			return fmt.Errorf("collectors: duplicate name %q", name)
		}
		seen[name] = true
	}
	for _, p := range c.Collectors.Prometheus {
		if p.URL == "" || len(p.Queries) == 0 {
			return fmt.Errorf("collectors.prometheus %q: url and queries are required", p.Name)
		}
	}
	for _, m := range c.Collectors.ModelAPI {
		if m.URL == "" {
			return fmt.Errorf("collectors.model_api %q: url is required", m.Name)
		}
	}
	return nil
}
