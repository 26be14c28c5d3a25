// Package diag hands out the diagnostic logger used by the memkit packages.
package diag

import (
	"io"

	"github.com/sirupsen/logrus"
)

var discard = newDiscard()

func newDiscard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Or returns log tagged with the component name, or a silent logger when log
// is nil.
func Or(log logrus.FieldLogger, component string) logrus.FieldLogger {
	if log == nil {
		return discard.WithField("component", component)
	}
	return log.WithField("component", component)
}

// Discard returns a logger that drops every entry.
func Discard() logrus.FieldLogger {
	return discard
}
