// Package debuglog provides the leveled logger used across the native
// debug backend. It wraps logrus the way the teacher package wraps its
// own internal log package: a small set of package-level helpers
// (Infof, Debugf, Warningf) that every component calls instead of
// reaching for fmt or the standard log package directly.
package debuglog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the global verbosity. Valid names: "debug", "info",
// "warning", "error".
func SetLevel(name string) error {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	std.SetLevel(lvl)
	return nil
}

// Infof logs at info level.
func Infof(format string, args ...interface{}) { std.Infof(format, args...) }

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }

// Warningf logs at warning level.
func Warningf(format string, args ...interface{}) { std.Warningf(format, args...) }

// WithField returns an entry pre-populated with a single structured
// field, for call sites that want to tag every line with an LWP/pid.
func WithField(key string, value interface{}) *logrus.Entry {
	return std.WithField(key, value)
}
