package obslog

import (
	"fmt"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// logifaceLogger adapts a *logiface.Logger[*islog.Event] to Logger,
// accumulating fields set via WithField/WithFields/WithError until one of
// the level methods renders and emits them.
type logifaceLogger struct {
	base   *logiface.Logger[*islog.Event]
	fields map[string]any
	err    error
}

// NewSlog constructs a Logger backed by logiface's slog adapter, configured
// by opts (for example islog.L.WithSlogHandler to choose the slog handler it
// writes through).
func NewSlog(opts ...logiface.Option[*islog.Event]) Logger {
	return &logifaceLogger{base: islog.L.New(opts...)}
}

func (l *logifaceLogger) clone() *logifaceLogger {
	fields := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &logifaceLogger{base: l.base, fields: fields, err: l.err}
}

func (l *logifaceLogger) WithField(key string, value any) Logger {
	n := l.clone()
	n.fields[key] = value
	return n
}

func (l *logifaceLogger) WithFields(fields map[string]any) Logger {
	n := l.clone()
	for k, v := range fields {
		n.fields[k] = v
	}
	return n
}

func (l *logifaceLogger) WithError(err error) Logger {
	n := l.clone()
	n.err = err
	return n
}

func (l *logifaceLogger) emit(build func() *logiface.Builder[*islog.Event], args []any) {
	b := build()
	if b == nil {
		return
	}
	for k, v := range l.fields {
		b = b.Any(k, v)
	}
	if l.err != nil {
		b = b.Err(l.err)
	}
	b.Log(fmt.Sprint(args...))
}

func (l *logifaceLogger) Debug(args ...any) { l.emit(l.base.Debug, args) }
func (l *logifaceLogger) Info(args ...any)  { l.emit(l.base.Info, args) }
func (l *logifaceLogger) Warn(args ...any)  { l.emit(l.base.Warning, args) }
func (l *logifaceLogger) Error(args ...any) { l.emit(l.base.Err, args) }
