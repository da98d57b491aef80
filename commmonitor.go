package imscore

import (
	"sync"
	"sync/atomic"
	"time"

	syslog "github.com/RackSec/srslog"
)

// CommState describes how communication with a downstream peer set has gone
// since the last evaluation.
type CommState int

const (
	CommStateNoErrors CommState = iota
	CommStateSomeErrors
	CommStateOnlyErrors
)

func (s CommState) String() string {
	switch s {
	case CommStateSomeErrors:
		return "some-errors"
	case CommStateOnlyErrors:
		return "only-errors"
	default:
		return "no-errors"
	}
}

const (
	// Interval before confirming a healthy state
	defaultClearConfirm = 30 * time.Second
	// Shorter interval while trying to confirm a bad state
	defaultSetConfirm = 15 * time.Second
)

// CommunicationMonitor turns a stream of per-request success/failure reports
// into a tri-state alarm. Counters are accumulated lock-free; the state is
// re-evaluated at most once per confirmation interval and each transition
// emits exactly one alarm event and problem-determination record.
type CommunicationMonitor struct {
	opt   CommMonitorOptions
	alarm Alarm

	successes atomic.Int64
	failures  atomic.Int64
	nextCheck atomic.Int64 // ms since epoch

	mu    sync.Mutex
	state CommState
}

type CommMonitorOptions struct {
	// Alarm raised and cleared on state transitions. Required.
	Alarm Alarm

	// Time between evaluations while healthy. Defaults to 30s.
	ClearConfirm time.Duration

	// Time between evaluations while errored; shorter so a bad state is
	// confirmed quickly. Defaults to 15s.
	SetConfirm time.Duration

	// Problem-determination sink for transitions. Optional.
	PDLog *PDLogger

	// ID carried on transition PD records.
	PDLogID int
}

var pdCommStateChange = PDLog{
	Severity:    syslog.LOG_WARNING,
	Description: "communication state changed from %s to %s",
	Cause:       "The success/failure mix of requests to a downstream peer set changed",
	Effect:      "The associated alarm has been updated",
	Action:      "Investigate connectivity to the downstream peers if errors persist",
}

// NewCommunicationMonitor returns a monitor in the no-errors state.
func NewCommunicationMonitor(opt CommMonitorOptions) *CommunicationMonitor {
	if opt.ClearConfirm == 0 {
		opt.ClearConfirm = defaultClearConfirm
	}
	if opt.SetConfirm == 0 {
		opt.SetConfirm = defaultSetConfirm
	}
	return &CommunicationMonitor{opt: opt, alarm: opt.Alarm}
}

// InformSuccess records one successful exchange. nowMS is milliseconds since
// the epoch.
func (m *CommunicationMonitor) InformSuccess(nowMS int64) {
	m.successes.Add(1)
	m.update(nowMS)
}

// InformFailure records one failed exchange.
func (m *CommunicationMonitor) InformFailure(nowMS int64) {
	m.failures.Add(1)
	m.update(nowMS)
}

// State returns the current tri-state. Diagnostics only.
func (m *CommunicationMonitor) State() CommState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *CommunicationMonitor) update(nowMS int64) {
	if nowMS < m.nextCheck.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have evaluated while we waited for the lock
	if nowMS < m.nextCheck.Load() {
		return
	}

	successes := m.successes.Swap(0)
	failures := m.failures.Swap(0)

	newState := m.state
	switch {
	case successes > 0 && failures == 0:
		newState = CommStateNoErrors
	case successes > 0 && failures > 0:
		newState = CommStateSomeErrors
	case successes == 0 && failures > 0:
		newState = CommStateOnlyErrors
	}

	if newState != m.state {
		old := m.state
		m.state = newState
		m.emitTransition(old, newState)
	}

	confirm := m.opt.SetConfirm
	if m.state == CommStateNoErrors {
		confirm = m.opt.ClearConfirm
	}
	m.nextCheck.Store(nowMS + confirm.Milliseconds())
}

// emitTransition raises or clears the alarm exactly once per transition.
func (m *CommunicationMonitor) emitTransition(old, next CommState) {
	if m.alarm != nil {
		switch next {
		case CommStateNoErrors:
			m.alarm.Clear()
		case CommStateSomeErrors:
			m.alarm.Set(AlarmSeverityMinor)
		case CommStateOnlyErrors:
			m.alarm.Set(AlarmSeverityCritical)
		}
	}
	pd := pdCommStateChange
	pd.ID = m.opt.PDLogID
	m.opt.PDLog.Log(pd, old, next)
	Log.WithFields(map[string]interface{}{"old": old.String(), "new": next.String()}).Info("communication state changed")
}
