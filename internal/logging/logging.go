// Package logging provides the logrus-backed types.Logger implementation
// every painlessMesh component is constructed with, adapted from the
// teacher's definition.DefaultLogger (which wrapped stdlib log.Logger) to
// wrap github.com/sirupsen/logrus instead, carrying structured fields
// (nodeId, component) rather than string-formatted prefixes.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// Logger adapts a *logrus.Entry to types.Logger.
type Logger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

var _ types.Logger = (*Logger)(nil)

// New creates a Logger for the given node and component name, e.g.
// logging.New(42, "router").
func New(nodeID types.NodeID, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	entry := base.WithFields(logrus.Fields{
		"nodeId":    nodeID,
		"component": component,
	})
	return &Logger{entry: entry, base: base}
}

// With returns a derived Logger scoped to a sub-component, e.g.
// log.With("connection", connID).
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value), base: l.base}
}

func (l *Logger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *Logger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *Logger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *Logger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *Logger) Debug(v ...interface{})                { l.entry.Debug(v...) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *Logger) Fatal(v ...interface{})                { l.entry.Fatal(v...) }
func (l *Logger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

// ToggleDebug flips between Info and Debug level, returning the new debug
// state. Mirrors definition.DefaultLogger.ToggleDebug.
func (l *Logger) ToggleDebug(value bool) bool {
	if value {
		l.base.SetLevel(logrus.DebugLevel)
	} else {
		l.base.SetLevel(logrus.InfoLevel)
	}
	return value
}
