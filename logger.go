package imscore

import (
	"github.com/sirupsen/logrus"
)

// Log is a package-global logger used throughout the library. Configuration can be
// changed directly on this instance or the instance replaced.
var Log = logrus.New()

// Trail is an opaque correlation identifier threaded through all log and telemetry
// events that belong to one end-to-end transaction. Zero means "no trail".
type Trail uint64

func logger(component string, trail Trail) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"component": component,
		"trail":     trail,
	})
}
