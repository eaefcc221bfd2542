// Package flog wraps a single package-level logrus logger, the same way
// the teacher's internal/vm/machine_linux.go wraps a dedicated firecracker
// logger: level-gated, quiet by default, bumped by --verbose.
package flog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetVerbose raises the log level to Debug (or back to Warn).
func SetVerbose(verbose bool) {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
}

// SetQuiet silences everything but fatal diagnostics.
func SetQuiet(quiet bool) {
	if quiet {
		log.SetLevel(logrus.ErrorLevel)
	}
}

// L returns the shared logger, for call sites that want structured fields.
func L() *logrus.Logger { return log }

func Debugf(format string, args ...any) { log.Debugf(format, args...) }
func Infof(format string, args ...any)  { log.Infof(format, args...) }
func Warnf(format string, args ...any)  { log.Warnf(format, args...) }
func Errorf(format string, args ...any) { log.Errorf(format, args...) }

// WithField returns an entry pre-populated with one field, the pattern
// used across the iteration/queue/ipsm packages to tag log lines by
// subsystem (e.g. flog.WithField("component", "ipsm")).
func WithField(key string, value any) *logrus.Entry {
	return log.WithField(key, value)
}
