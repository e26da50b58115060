// Package log defines the logger used across browsercron.
//
// Components receive a Logger through their config and default to Noop when
// none is set.
package log

// Kv is a helper type for structured logging key-value pairs.
type Kv = map[string]any

// Logger is the interface all browsercron loggers implement.
type Logger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
	WithValues(values Kv) Logger
}

// Noop is a logger that discards everything.
var Noop Logger = noop(0)

type noop int

func (noop) Infof(string, ...any)    {}
func (noop) Warningf(string, ...any) {}
func (noop) Errorf(string, ...any)   {}
func (noop) Debugf(string, ...any)   {}
func (n noop) WithValues(Kv) Logger  { return n }
