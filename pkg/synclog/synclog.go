// Package synclog adapts the sync engine's named log events onto one or
// more loggers.Advanced sinks, the same logger interface spirit threads
// through its Runner (see migration.Runner.logger / SetLogger in the
// teacher repo). sirupsen/logrus is the default concrete implementation,
// exactly as spirit's NewRunner defaults to logrus.New().
package synclog

import (
	"strings"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

// Default returns a logrus-backed loggers.Advanced, the same default
// spirit's NewRunner wires in.
func Default() loggers.Advanced {
	return logrus.New()
}

// multiLogger fans a single call out to every configured sink. It exists
// because spec.md's external-interfaces section allows `logger` to be "a
// sink or list of sinks".
type multiLogger struct {
	sinks []loggers.Advanced
}

// Multi combines zero or more sinks into a single loggers.Advanced. Multi()
// with no arguments returns a sink that discards everything, so callers
// never need to nil-check the logger.
func Multi(sinks ...loggers.Advanced) loggers.Advanced {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &multiLogger{sinks: sinks}
}

func (m *multiLogger) Fatal(args ...interface{}) { m.each(func(s loggers.Advanced) { s.Fatal(args...) }) }
func (m *multiLogger) Fatalf(format string, args ...interface{}) {
	m.each(func(s loggers.Advanced) { s.Fatalf(format, args...) })
}
func (m *multiLogger) Error(args ...interface{}) { m.each(func(s loggers.Advanced) { s.Error(args...) }) }
func (m *multiLogger) Errorf(format string, args ...interface{}) {
	m.each(func(s loggers.Advanced) { s.Errorf(format, args...) })
}
func (m *multiLogger) Warn(args ...interface{}) { m.each(func(s loggers.Advanced) { s.Warn(args...) }) }
func (m *multiLogger) Warnf(format string, args ...interface{}) {
	m.each(func(s loggers.Advanced) { s.Warnf(format, args...) })
}
func (m *multiLogger) Info(args ...interface{}) { m.each(func(s loggers.Advanced) { s.Info(args...) }) }
func (m *multiLogger) Infof(format string, args ...interface{}) {
	m.each(func(s loggers.Advanced) { s.Infof(format, args...) })
}
func (m *multiLogger) Debug(args ...interface{}) { m.each(func(s loggers.Advanced) { s.Debug(args...) }) }
func (m *multiLogger) Debugf(format string, args ...interface{}) {
	m.each(func(s loggers.Advanced) { s.Debugf(format, args...) })
}

func (m *multiLogger) each(f func(loggers.Advanced)) {
	for _, s := range m.sinks {
		f(s)
	}
}

// Event builds a named log-event string per spec §7, e.g.
// Event("batch", "load", "orders") -> "batch.load.orders". Operators hook
// callbacks/metrics off of this exact name.
func Event(parts ...string) string {
	return strings.Join(parts, ".")
}
