package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoValues is reported when a collector succeeds but returns no usable readings.
	ErrNoValues = errors.New("collector returned no numeric values")
	// ErrStillRunning is reported instead of calling a registered collector
	// whose call from an earlier cycle has not returned yet.
	ErrStillRunning = errors.New("previous call still running")
)

// Collector is the public contract any metric source must satisfy.
type Collector interface {
	// Collect fetches metrics from its source and returns a map of
	// metric name -> value. The caller stamps the time and the component,
	// so implementations only report readings.
	Collect(ctx context.Context) (map[string]float64, error)
}

// Func adapts an ordinary function to the Collector interface.
type Func func(ctx context.Context) (map[string]float64, error)

// Collect calls f(ctx).
func (f Func) Collect(ctx context.Context) (map[string]float64, error) {
	return f(ctx)
}

// Error is a single collector's failure for one cycle. It never stops the
// other collectors or the cycle itself.
type Error struct {
	Component string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("collector %q: %v", e.Component, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the failure was the per-call deadline.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Options bound how Gather invokes collectors.
type Options struct {
	// MaxConcurrency caps simultaneous collector calls (<= 0 means unbounded).
	MaxConcurrency int
	// Timeout is the per-call deadline (<= 0 means none).
	Timeout time.Duration
}

// Result is the outcome of one collector call.
type Result struct {
	Name    string
	Values  map[string]float64
	Err     error
	Elapsed time.Duration
}

// OK reports whether the call produced readings.
func (r Result) OK() bool { return r.Err == nil }

// Gather runs every entry, at most opts.MaxConcurrency at a time, and
// returns one Result per entry in input order. A single failing source
// does not stop the others: its error is logged and recorded in its Result.
// Gather returns only after every call has finished or timed out.
func Gather(ctx context.Context, entries []Entry, opts Options, log *zap.Logger) []Result {
	if log == nil {
		log = zap.NewNop()
	}
	results := make([]Result, len(entries))

	g := new(errgroup.Group)
	if opts.MaxConcurrency > 0 {
		g.SetLimit(opts.MaxConcurrency)
	}
	for i, e := range entries {
		g.Go(func() error {
			results[i] = invoke(ctx, e, opts.Timeout, log)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type outcome struct {
	values map[string]float64
	err    error
}

func invoke(ctx context.Context, e Entry, timeout time.Duration, log *zap.Logger) Result {
	start := time.Now()
	res := Result{Name: e.Name}

	if err := ctx.Err(); err != nil {
		res.Err = &Error{Component: e.Name, Err: err}
		return res
	}

	// At most one outstanding call per registration, even when an earlier
	// call outlived its deadline.
	if e.busy != nil && !e.busy.CompareAndSwap(false, true) {
		res.Err = &Error{Component: e.Name, Err: ErrStillRunning}
		log.Warn("collector failed",
			zap.String("component", e.Name),
			zap.Error(ErrStillRunning))
		return res
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// The call runs on its own goroutine so a collector that ignores its
	// context still releases the cycle when the deadline passes.
	done := make(chan outcome, 1)
	go func() {
		out := call(callCtx, e.Collector)
		if e.busy != nil {
			e.busy.Store(false)
		}
		done <- out
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}
	res.Elapsed = time.Since(start)

	if out.err == nil {
		out.values = finite(out.values, e.Name, log)
		if len(out.values) == 0 {
			out.err = ErrNoValues
		}
	}
	if out.err != nil {
		res.Err = &Error{Component: e.Name, Err: out.err}
		log.Warn("collector failed",
			zap.String("component", e.Name),
			zap.Duration("elapsed", res.Elapsed),
			zap.Error(out.err))
		return res
	}

	res.Values = out.values
	return res
}

func call(ctx context.Context, c Collector) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("collector panicked: %v", r)}
		}
	}()
	values, err := c.Collect(ctx)
	return outcome{values: values, err: err}
}

// finite drops NaN and infinite readings, which cannot be compared or
// fitted, and readings whose name is not valid UTF-8.
func finite(values map[string]float64, component string, log *zap.Logger) map[string]float64 {
	out := make(map[string]float64, len(values))
	for name, v := range values {
		if !utf8.ValidString(name) {
			log.Debug("skipping metric with invalid name",
				zap.String("component", component),
				zap.ByteString("metric", []byte(name)))
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			log.Debug("skipping non-finite metric",
				zap.String("component", component),
				zap.String("metric", name))
			continue
		}
		out[name] = v
	}
	return out
}
