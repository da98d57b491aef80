package imscore

import (
	"github.com/sirupsen/logrus"
)

// AlarmSeverity distinguishes a partially-degraded service from a fully
// errored one when an alarm is raised.
type AlarmSeverity int

const (
	AlarmSeverityMinor AlarmSeverity = iota
	AlarmSeverityCritical
)

// Alarm is the interface to the external alarm sink. The numeric alarm ID is
// fixed at construction by the embedding node; this library only decides when
// the alarm is set or cleared.
type Alarm interface {
	Set(severity AlarmSeverity)
	Clear()
}

// LogAlarm is an Alarm that writes set/clear transitions to the package
// logger. Used where no real alarm sink is wired in.
type LogAlarm struct {
	ID int
}

var _ Alarm = &LogAlarm{}

func (a *LogAlarm) Set(severity AlarmSeverity) {
	Log.WithFields(logrus.Fields{"alarm": a.ID, "severity": severity}).Warn("alarm set")
}

func (a *LogAlarm) Clear() {
	Log.WithFields(logrus.Fields{"alarm": a.ID}).Info("alarm cleared")
}
