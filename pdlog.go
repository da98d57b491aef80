package imscore

import (
	"fmt"

	syslog "github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// PDLog is a problem-determination log record. The numeric ID is assigned by
// the embedding node from its reserved range; this library only emits with the
// ID it was given.
type PDLog struct {
	ID          int
	Severity    syslog.Priority
	Description string
	Cause       string
	Effect      string
	Action      string
}

// PDLogger emits problem-determination records to syslog. If the syslog
// connection cannot be established the records go to the package logger
// instead so they are never silently lost.
type PDLogger struct {
	writer *syslog.Writer
}

type PDLoggerOptions struct {
	// "udp", "tcp", "unix". Defaults to the local syslog socket when empty.
	Network string

	// Remote address, defaults to local syslog server
	Address string

	// Syslog tag
	Tag string
}

// NewPDLogger returns a new problem-determination logger.
func NewPDLogger(opt PDLoggerOptions) *PDLogger {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.LOG_WARNING|syslog.LOG_LOCAL6, opt.Tag)
	if err != nil {
		// Log the error but don't block startup on a missing syslog daemon
		Log.WithError(err).Error("failed to initialize syslog for problem-determination logs")
	}
	return &PDLogger{writer: writer}
}

// Log emits a problem-determination record. Arguments are interpolated into
// the description with fmt verbs.
func (l *PDLogger) Log(p PDLog, args ...interface{}) {
	desc := fmt.Sprintf(p.Description, args...)
	msg := fmt.Sprintf("%d - Description: %s @@Cause: %s @@Effect: %s @@Action: %s",
		p.ID, desc, p.Cause, p.Effect, p.Action)
	if l == nil || l.writer == nil {
		Log.WithFields(logrus.Fields{"pdlog": p.ID}).Warn(msg)
		return
	}
	if _, err := l.writer.WriteWithPriority(p.Severity, []byte(msg)); err != nil {
		Log.WithError(err).WithFields(logrus.Fields{"pdlog": p.ID}).Warn(msg)
	}
}
