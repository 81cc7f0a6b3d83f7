package alert

import (
	"fmt"

	"go.uber.org/zap"
)

// Handler receives alert events. Handlers are called synchronously from
// the sampling cycle, so they should return quickly: anything slower than
// the manager's handler budget (100ms by default) is logged. Slow sinks
// should queue internally.
type Handler interface {
	Handle(ev Event) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ev Event) error

// Handle calls f(ev).
func (f HandlerFunc) Handle(ev Event) error { return f(ev) }

// HandlerHandle identifies one handler registration.
type HandlerHandle struct {
	id uint64
}

// HandlerError wraps a handler's failure. It is logged and never reaches
// whoever submitted the signal.
type HandlerError struct {
	Position int // registration order at delivery time
	Event    EventKind
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("alert handler #%d (%s event): %v", e.Position, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// call invokes h, converting a panic into an error.
func call(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ev)
}

// LogHandler writes every event to log.
func LogHandler(log *zap.Logger) Handler {
	return HandlerFunc(func(ev Event) error {
		a := ev.Alert
		fields := []zap.Field{
			zap.String("alert_id", a.ID),
			zap.String("component", a.Component),
			zap.String("metric", a.Metric),
			zap.Stringer("reason", a.Reason),
			zap.Stringer("severity", a.Severity),
			zap.String("message", a.Message),
		}
		if ev.Kind == Closed {
			fields = append(fields, zap.Duration("open_for", ev.At.Sub(a.OpenedAt)))
			if ev.Note != "" {
				fields = append(fields, zap.String("note", ev.Note))
			}
			log.Info("alert closed", fields...)
			return nil
		}
		switch a.Severity {
		case Critical:
			log.Error("alert opened", fields...)
		case Warning:
			log.Warn("alert opened", fields...)
		default:
			log.Info("alert opened", fields...)
		}
		return nil
	})
}
