// Package log provides the shared logrus logger used across the backup
// core, with WithFields helpers mirroring the structured-logging idiom
// used for request logging in the wider example pack.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a shorthand alias kept so callers don't import logrus directly.
type Fields = logrus.Fields

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the base logger's verbosity (e.g. "debug", "warn").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// With returns an entry pre-populated with fields, scoping subsequent
// calls to a component: log.With(log.Fields{"component": "packer"}).
func With(fields Fields) *logrus.Entry {
	return base.WithFields(fields)
}

// Component is a convenience for the common single-field case.
func Component(name string) *logrus.Entry {
	return base.WithField("component", name)
}

func Debug(args ...interface{}) { base.Debug(args...) }
func Info(args ...interface{})  { base.Info(args...) }
func Warn(args ...interface{})  { base.Warn(args...) }
func Error(args ...interface{}) { base.Error(args...) }
