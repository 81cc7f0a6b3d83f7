// Package sampler runs the periodic collection loop.
//
// Every cycle takes a snapshot of the registered collectors, invokes them
// through a bounded pool with a per-call timeout, then, for each sample,
// appends it to history, checks thresholds and trends, and hands the
// resulting signals to the alert manager. Collection for a cycle is joined
// before any evaluation starts, so evaluation always sees a whole cycle.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"perfwatch/alert"
	"perfwatch/collector"
	"perfwatch/history"
	"perfwatch/logger"
	"perfwatch/threshold"
	"perfwatch/trend"
)

var (
	// ErrAlreadyRunning is returned by Start unless the sampler is stopped.
	ErrAlreadyRunning = errors.New("sampler already running")
	// ErrNotRunning is returned by Stop unless the sampler is running.
	ErrNotRunning = errors.New("sampler not running")
	// ErrShutdownTimeout is returned by Stop when the in-flight cycle did
	// not finish in time. The sampler is stopped regardless.
	ErrShutdownTimeout = errors.New("sampler shutdown timed out")
)

// State of the sampling loop.
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxConcurrency   = 8
	DefaultFailureThreshold = 3
	DefaultStopTimeout      = 5 * time.Second
)

// Options tune the sampler. Zero values select the defaults.
type Options struct {
	// MaxConcurrency caps simultaneous collector calls.
	MaxConcurrency int
	// CollectorTimeout is the per-call deadline; zero means the sampling interval.
	CollectorTimeout time.Duration
	// FailureThreshold is the number of consecutive failures after which a
	// collector is reported unhealthy.
	FailureThreshold int
	// StopTimeout bounds how long Stop waits for the in-flight cycle.
	StopTimeout time.Duration
	// CriticalBand is the relative excess past a limit that makes a
	// threshold alert critical.
	CriticalBand float64
	Now          func() time.Time
}

// Source provides the collectors for one cycle.
type Source interface {
	Snapshot() []collector.Entry
}

// AlertSink receives the signals of a cycle.
type AlertSink interface {
	Submit(sig alert.Signal)
	EndCycle(reported []string) int
	CloseComponent(component, note string) int
}

// Deps are the collaborators a Sampler drives.
type Deps struct {
	Source     Source
	Store      *history.Store
	Thresholds *threshold.Holder
	Analyzer   *trend.Analyzer
	Alerts     AlertSink
}

// Sampler owns the background loop. Its exported methods are safe for
// concurrent use; cycles never overlap.
type Sampler struct {
	log  *zap.Logger
	opts Options
	deps Deps

	mu       sync.Mutex
	state    State
	interval time.Duration
	stop     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	cycleMu  sync.Mutex
	cycles   uint64
	failures map[string]int
	known    map[string]bool
}

// New validates deps and returns a stopped sampler.
func New(deps Deps, opts Options, log *zap.Logger) (*Sampler, error) {
	if deps.Source == nil || deps.Store == nil || deps.Thresholds == nil || deps.Analyzer == nil || deps.Alerts == nil {
		return nil, errors.New("sampler: missing dependency")
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.CriticalBand <= 0 {
		opts.CriticalBand = alert.DefaultCriticalBand
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sampler{
		log:      logger.OrNop(log),
		opts:     opts,
		deps:     deps,
		failures: make(map[string]int),
		known:    make(map[string]bool),
	}, nil
}

// State returns the current state.
func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interval returns the interval of the current or most recent run.
func (s *Sampler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Start begins sampling every interval.
func (s *Sampler) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sampler: interval must be positive, got %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Stopped {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.state = Running
	s.interval = interval
	s.stop = make(chan struct{})
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, interval, s.stop, s.done)
	s.log.Info("sampler started", zap.Duration("interval", interval))
	return nil
}

// Stop ends the loop, letting an in-flight cycle finish. If that takes
// longer than the stop timeout the cycle's collection is cancelled (a
// cycle cancelled before evaluation is discarded whole), the sampler is
// marked stopped, and ErrShutdownTimeout is returned.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = Stopping
	stop, cancel, done := s.stop, s.cancel, s.done
	s.mu.Unlock()

	close(stop)

	var err error
	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		err = ErrShutdownTimeout
		s.log.Error("sampler stop timed out, abandoning in-flight cycle",
			zap.Duration("timeout", s.opts.StopTimeout))
	}
	cancel()

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()

	if err == nil {
		s.log.Info("sampler stopped")
	}
	return err
}

func (s *Sampler) loop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A Stop racing with the tick wins.
			select {
			case <-stop:
				return
			default:
			}
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sampling cycle. The loop calls it on every tick;
// it may also be called directly, in which case it waits for any
// in-flight cycle first. If ctx is cancelled while collectors are still
// running, the cycle is discarded without touching history or alerts.
func (s *Sampler) RunCycle(ctx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.cycles++
	log := logger.WithCycle(s.log, s.cycles)
	ctx = logger.WithContext(ctx, log)
	started := time.Now()

	entries := s.deps.Source.Snapshot()
	s.forgetDeparted(entries, log)

	results := collector.Gather(ctx, entries, collector.Options{
		MaxConcurrency: s.opts.MaxConcurrency,
		Timeout:        s.collectorTimeout(),
	}, log)
	if err := ctx.Err(); err != nil {
		log.Info("cycle abandoned during collection", zap.Error(err))
		return
	}

	// Past this point the cycle always runs to completion.
	ts := s.opts.Now()
	cfg := s.deps.Thresholds.Load()
	reported := make([]string, 0, len(results))
	var submitted int

	for _, res := range results {
		if !res.OK() {
			submitted += s.recordFailure(res, log)
			continue
		}
		delete(s.failures, res.Name)
		submitted += s.evaluate(collector.NewSample(res.Name, ts, res.Values), cfg)
		reported = append(reported, res.Name)
	}
	closed := s.deps.Alerts.EndCycle(reported)

	elapsed := time.Since(started)
	log.Debug("cycle complete",
		zap.Int("collectors", len(entries)),
		zap.Int("reported", len(reported)),
		zap.Int("signals", submitted),
		zap.Int("closed", closed),
		zap.Duration("elapsed", elapsed))
	if iv := s.Interval(); iv > 0 && elapsed > iv {
		log.Warn("cycle overran sampling interval",
			zap.Duration("elapsed", elapsed), zap.Duration("interval", iv))
	}
}

// evaluate stores one sample and submits its signals, strictly in that order.
func (s *Sampler) evaluate(sample collector.Sample, cfg threshold.Config) int {
	s.deps.Store.Append(sample)

	var n int
	for _, v := range threshold.Evaluate(sample, cfg) {
		s.deps.Alerts.Submit(alert.FromViolation(v, s.opts.CriticalBand))
		n++
	}

	analyzer := s.deps.Analyzer
	for _, metric := range sample.Names() {
		if analyzer.Direction(metric) == trend.Unknown {
			continue
		}
		window := s.deps.Store.Window(sample.Component, metric, analyzer.Window())
		if verdict := analyzer.Analyze(sample.Component, metric, window); verdict.Degrading() {
			s.deps.Alerts.Submit(alert.FromVerdict(verdict))
			n++
		}
	}
	return n
}

// recordFailure counts a failed call and, from the threshold onwards,
// signals the collector as unhealthy.
func (s *Sampler) recordFailure(res collector.Result, log *zap.Logger) int {
	s.failures[res.Name]++
	n := s.failures[res.Name]
	if n < s.opts.FailureThreshold {
		return 0
	}
	if n == s.opts.FailureThreshold {
		log.Warn("collector unhealthy",
			zap.String("component", res.Name),
			zap.Int("consecutive_failures", n),
			zap.Error(res.Err))
	}
	s.deps.Alerts.Submit(alert.CollectorUnhealthy(res.Name, n, errors.Unwrap(res.Err)))
	return 1
}

// forgetDeparted drops the state of components unregistered since the
// previous cycle and closes their alerts.
func (s *Sampler) forgetDeparted(entries []collector.Entry, log *zap.Logger) {
	current := make(map[string]bool, len(entries))
	for _, e := range entries {
		current[e.Name] = true
	}
	for name := range s.known {
		if current[name] {
			continue
		}
		delete(s.failures, name)
		s.deps.Store.Remove(name)
		closed := s.deps.Alerts.CloseComponent(name, "collector unregistered")
		log.Info("component left the registry",
			zap.String("component", name), zap.Int("alerts_closed", closed))
	}
	s.known = current
}

func (s *Sampler) collectorTimeout() time.Duration {
	if s.opts.CollectorTimeout > 0 {
		return s.opts.CollectorTimeout
	}
	return s.Interval()
}
