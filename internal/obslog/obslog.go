// Package obslog defines the narrow logging seam used by every engine
// component. It is grounded on sql/log.Logger /
// sql/log.Discard pair: a logrus-method-shaped subset interface so callers
// never depend on a concrete logging library, backed here by
// github.com/joeycumines/logiface (https://pkg.go.dev/github.com/joeycumines/logiface)
// over its slog adapter.
package obslog

// Logger is the logging interface every engine component depends on.
type Logger interface {
	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
	WithError(err error) Logger
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
}

// Discard implements Logger by doing nothing. Used in tests and wherever a
// caller doesn't want to wire a real sink.
type Discard struct{}

var _ Logger = Discard{}

func (Discard) WithField(string, any) Logger     { return Discard{} }
func (Discard) WithFields(map[string]any) Logger { return Discard{} }
func (Discard) WithError(error) Logger           { return Discard{} }
func (Discard) Debug(...any)                     {}
func (Discard) Info(...any)                      {}
func (Discard) Warn(...any)                      {}
func (Discard) Error(...any)                     {}
