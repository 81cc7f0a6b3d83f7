// Package monitor wires the collector registry, history, threshold and
// trend evaluation, alerting and reporting into one explicitly owned
// object. A process constructs a Monitor once and passes it to whatever
// needs to register collectors, attach alert handlers or read reports.
package monitor

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"perfwatch/alert"
	"perfwatch/collector"
	"perfwatch/config"
	"perfwatch/history"
	"perfwatch/logger"
	"perfwatch/reporter"
	"perfwatch/sampler"
	"perfwatch/threshold"
	"perfwatch/trend"
)

// Options configure a Monitor. Zero values select the package defaults.
type Options struct {
	HistoryCapacity int
	Thresholds      threshold.Config
	Trend           trend.Config
	Sampler         sampler.Options
	Alerts          alert.Options
	// Now drives sample timestamps, alert times and report ages.
	Now func() time.Time
}

// Monitor is safe for concurrent use.
type Monitor struct {
	log *zap.Logger

	registry   *collector.Registry
	store      *history.Store
	thresholds *threshold.Holder
	alerts     *alert.Manager
	sampler    *sampler.Sampler
	reporter   *reporter.Reporter
}

// New builds a stopped Monitor.
func New(opts Options, log *zap.Logger) (*Monitor, error) {
	log = logger.OrNop(log)

	if err := opts.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	analyzer, err := trend.NewAnalyzer(opts.Trend)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	if opts.Now != nil {
		opts.Sampler.Now = opts.Now
		opts.Alerts.Now = opts.Now
	}

	m := &Monitor{
		log:        log,
		registry:   collector.NewRegistry(),
		store:      history.NewStore(opts.HistoryCapacity),
		thresholds: threshold.NewHolder(opts.Thresholds),
		alerts:     alert.NewManager(opts.Alerts, log.Named("alert")),
	}
	m.sampler, err = sampler.New(sampler.Deps{
		Source:     m.registry,
		Store:      m.store,
		Thresholds: m.thresholds,
		Analyzer:   analyzer,
		Alerts:     m.alerts,
	}, opts.Sampler, log.Named("sampler"))
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	m.reporter = reporter.New(m.store, m.alerts, m.sampler.Interval, opts.Now)
	return m, nil
}

// RegisterCollector adds c under name. A name already in use is rejected
// with collector.ErrDuplicateName and the existing collector is kept.
func (m *Monitor) RegisterCollector(name string, c collector.Collector) (collector.Handle, error) {
	h, err := m.registry.Register(name, c)
	if err != nil {
		return collector.Handle{}, err
	}
	m.log.Info("collector registered", zap.String("component", name))
	return h, nil
}

// UnregisterCollector removes the collector behind h. Its history and open
// alerts are dropped at the start of the next cycle.
func (m *Monitor) UnregisterCollector(h collector.Handle) {
	m.registry.Unregister(h)
}

// Collectors returns the registered component names, sorted.
func (m *Monitor) Collectors() []string { return m.registry.Names() }

func (m *Monitor) AddHandler(h alert.Handler) alert.HandlerHandle { return m.alerts.AddHandler(h) }

func (m *Monitor) RemoveHandler(hh alert.HandlerHandle) { m.alerts.RemoveHandler(hh) }

// SetThresholds replaces the whole threshold config. The next cycle uses
// the new config; a cycle in progress keeps the one it started with.
func (m *Monitor) SetThresholds(cfg threshold.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.thresholds.Store(cfg)
	m.log.Info("thresholds replaced", zap.Strings("metrics", cfg.Metrics()))
	return nil
}

// Thresholds returns a copy of the current threshold config.
func (m *Monitor) Thresholds() threshold.Config { return m.thresholds.Load().Clone() }

func (m *Monitor) Start(interval time.Duration) error { return m.sampler.Start(interval) }

func (m *Monitor) Stop() error { return m.sampler.Stop() }

func (m *Monitor) State() sampler.State { return m.sampler.State() }

// RunCycle runs one sampling cycle synchronously.
func (m *Monitor) RunCycle(ctx context.Context) { m.sampler.RunCycle(ctx) }

func (m *Monitor) Reporter() *reporter.Reporter { return m.reporter }

// Close stops the sampler if it is running and closes every closer,
// typically handlers backed by files or databases.
func (m *Monitor) Close(closers ...io.Closer) error {
	var err error
	if m.State() == sampler.Running {
		err = multierr.Append(err, m.Stop())
	}
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// OptionsFromConfig maps a loaded configuration onto monitor options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	tc, err := cfg.TrendConfig()
	if err != nil {
		return Options{}, err
	}
	return Options{
		HistoryCapacity: cfg.HistoryCapacity,
		Thresholds:      cfg.Thresholds.Clone(),
		Trend:           tc,
		Sampler: sampler.Options{
			MaxConcurrency:   cfg.MaxConcurrency,
			CollectorTimeout: cfg.CollectorTimeout,
			FailureThreshold: cfg.FailureThreshold,
			StopTimeout:      cfg.StopTimeout,
			CriticalBand:     cfg.CriticalBand,
		},
		Alerts: alert.Options{
			LogSize:       cfg.AlertLogSize,
			HandlerBudget: cfg.HandlerBudget,
		},
	}, nil
}
